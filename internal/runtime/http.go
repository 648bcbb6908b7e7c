package runtime

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/capability"
)

type bufferBody struct {
	Text   string `json:"text"`
	Cursor int    `json:"cursor"`
}

type sessionBody struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Latest    string `json:"latest,omitempty"`
	Final     bool   `json:"final"`
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.control.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleBuffer returns the dictation buffer on GET and replaces it on PUT, as
// a user edit would.
func (r *Runtime) handleBuffer(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
	case http.MethodPut:
		var body bufferBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid buffer body: "+err.Error(), http.StatusBadRequest)
			return
		}
		r.buffer.Edit(body.Text, body.Cursor)
	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	text, cursor := r.buffer.Snapshot()
	writeJSON(w, bufferBody{Text: text, Cursor: cursor})
}

func (r *Runtime) handleSession(w http.ResponseWriter, _ *http.Request) {
	state := r.session.State()
	latest := r.session.Latest()
	writeJSON(w, sessionBody{
		SessionID: r.session.ID(),
		State:     string(state.Phase),
		Reason:    state.Reason,
		Latest:    latest.Text,
		Final:     latest.Final,
	})
}

func (r *Runtime) handleJournal(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = r.session.ID()
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	entries, err := r.journal.ListEntries(req.Context(), sessionID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	filter := func(capability.NodeInfo) bool { return true }
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = capability.WithCapabilityFilter(name)
	}
	writeJSON(w, r.registry.Query(filter))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
