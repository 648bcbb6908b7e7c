package journal

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/session"
)

// Recorder journals committed segments and lifecycle updates of a session.
// Interim revisions are not recorded.
type Recorder struct {
	store     *Store
	sessionID string
	log       *slog.Logger
}

func NewRecorder(store *Store, sessionID string, log *slog.Logger) *Recorder {
	return &Recorder{
		store:     store,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "journal-recorder")),
	}
}

// Run records updates until ctx is done or the channel closes.
func (r *Recorder) Run(ctx context.Context, updates <-chan session.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			r.Record(ctx, u)
		}
	}
}

// Record writes u if it is journaled. Storage failures are logged; dictation
// continues without them.
func (r *Recorder) Record(ctx context.Context, u session.Update) {
	entry, ok := r.entry(u)
	if !ok {
		return
	}
	if err := r.store.RecordEntry(ctx, entry); err != nil {
		r.log.Warn("failed to journal update",
			slog.String("kind", entry.Kind),
			slog.Uint64("span", entry.Span),
			slog.String("error", err.Error()))
	}
}

func (r *Recorder) entry(u session.Update) (Entry, bool) {
	e := Entry{SessionID: r.sessionID, Span: u.Span, Kind: string(u.Kind)}
	switch u.Kind {
	case session.UpdateEvent:
		if !u.Event.Final {
			return Entry{}, false
		}
		e.Kind = "final"
		e.Text = u.Event.Text
		e.Confidence = u.Event.Confidence
		e.Language = u.Event.Language
	case session.UpdateFailed:
		if u.Err != nil {
			e.Error = u.Err.Error()
		}
	}
	return e, true
}
