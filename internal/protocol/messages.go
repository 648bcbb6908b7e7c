package protocol

import "time"

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	Language   string    `json:"language,omitempty"`
}

// TranscriptError reports a recognizer failure for a session.
type TranscriptError struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Fatal     bool   `json:"fatal"`
}

// TranscriptDone marks the end of a listening span on the STT node.
type TranscriptDone struct {
	SessionID string `json:"session_id"`
}

// ListenControl starts, stops or cancels recognition on an STT node.
type ListenControl struct {
	SessionID      string    `json:"session_id"`
	PartialResults bool      `json:"partial_results,omitempty"`
	Locale         string    `json:"locale,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ListenReady acknowledges a start request.
type ListenReady struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`
}

// ControlRequest drives the dictation session hosted by scribed. Text and
// Final are only used by the emit operation.
type ControlRequest struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text,omitempty"`
	Final     bool   `json:"final,omitempty"`
}

// Error codes carried in ControlReply.Code.
const (
	CodePermissionDenied            = "permission_denied"
	CodePermissionPermanentlyDenied = "permission_permanently_denied"
	CodeRecognizerUnavailable       = "recognizer_unavailable"
	CodeAlreadyListening            = "already_listening"
	CodeNotListening                = "not_listening"
	CodeTransient                   = "recognizer_transient"
	CodeFatal                       = "recognizer_fatal"
	CodeCancelled                   = "cancelled"
	CodeBadRequest                  = "bad_request"
	CodeInternal                    = "internal"
)

// ControlReply answers a ControlRequest.
type ControlReply struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Text      string `json:"text,omitempty"`
	Cursor    int    `json:"cursor"`
}

// BufferUpdate broadcasts a mutation applied to the dictation buffer.
type BufferUpdate struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Cursor    int       `json:"cursor"`
	Timestamp time.Time `json:"timestamp"`
}

// StateUpdate broadcasts session lifecycle changes.
type StateUpdate struct {
	SessionID string    `json:"session_id"`
	Span      uint64    `json:"span"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeCapability is one capability advertised by a node.
type NodeCapability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce introduces a node and its capabilities. Leaving is set when the
// node shuts down cleanly.
type NodeAnnounce struct {
	NodeID       string           `json:"node_id"`
	Role         string           `json:"role"`
	Capabilities []NodeCapability `json:"capabilities"`
	Leaving      bool             `json:"leaving,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NodeHeartbeat keeps a node marked healthy.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTranscriptError   = "stt.text.error"
	SubjectTranscriptDone    = "stt.text.done"

	SubjectListenStart  = "stt.control.start"
	SubjectListenStop   = "stt.control.stop"
	SubjectListenCancel = "stt.control.cancel"

	SubjectControlPrefix = "dictation.control"
	SubjectBufferUpdate  = "dictation.buffer"
	SubjectStateUpdate   = "dictation.state"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

// Control operations accepted on SubjectControlPrefix + "." + op.
const (
	OpInitialize = "initialize"
	OpStart      = "start"
	OpStop       = "stop"
	OpCancel     = "cancel"
	OpStatus     = "status"
	OpEmit       = "emit"
)
