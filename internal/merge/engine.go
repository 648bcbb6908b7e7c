package merge

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Owner holds the authoritative text and cursor. ApplyMutation must run the
// replacement on the owner's single update context and return once applied.
type Owner interface {
	Snapshot() (text string, cursor int)
	ApplyMutation(m Mutation)
}

// Engine splices live speech into an owner's buffer.
//
// Every revision of a segment is spliced into the anchor captured when the
// segment first produced text, never into the previously mutated buffer. Text
// typed into the buffer while a segment is active is therefore overwritten by
// the segment's next revision; anything typed before the first revision or
// after the final event is kept.
//
// An Engine is not safe for concurrent use. Run is the single consumer.
type Engine struct {
	owner Owner
	log   *slog.Logger

	anchor  *Anchor
	span    uint64
	closed  uint64
	revoked func(span uint64) bool
}

// NewEngine returns an engine that mutates owner.
func NewEngine(owner Owner, log *slog.Logger) *Engine {
	return &Engine{
		owner: owner,
		log:   log.With(slog.String("component", "merge")),
	}
}

// SkipRevoked makes Handle drop events of any span for which revoked reports
// true, typically Session.Revoked. An event received while its span is being
// cancelled then never reaches the owner.
func (e *Engine) SkipRevoked(revoked func(span uint64) bool) {
	e.revoked = revoked
}

// Apply merges one recognition event. Empty events produce no mutation.
func (e *Engine) Apply(evt stt.RecognitionEvent) (Mutation, bool) {
	evt = stt.Normalize(evt)
	if evt.Text == "" {
		return Mutation{}, false
	}
	if e.anchor == nil {
		text, cursor := e.owner.Snapshot()
		a := NewAnchor(text, cursor)
		e.anchor = &a
	}
	m := Splice(*e.anchor, evt.Text)
	if evt.Final {
		e.anchor = nil
	}
	e.owner.ApplyMutation(m)
	return m, true
}

// Discard drops the active anchor. When the segment had already put text in
// the buffer, the buffer is restored to the anchor and that restoring
// mutation is returned.
func (e *Engine) Discard() (Mutation, bool) {
	if e.anchor == nil {
		return Mutation{}, false
	}
	m := Mutation{Text: e.anchor.Text, Cursor: e.anchor.Cursor}
	e.anchor = nil
	e.owner.ApplyMutation(m)
	return m, true
}

// Reset drops the active anchor without touching the buffer.
func (e *Engine) Reset() {
	e.anchor = nil
}

// Anchor returns the active anchor, if a segment is in progress.
func (e *Engine) Anchor() (Anchor, bool) {
	if e.anchor == nil {
		return Anchor{}, false
	}
	return *e.anchor, true
}

// Run consumes session updates until the channel closes or ctx is done.
func (e *Engine) Run(ctx context.Context, updates <-chan session.Update) error {
	for {
		select {
		case <-ctx.Done():
			e.Discard()
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				e.Discard()
				return nil
			}
			e.Handle(u)
		}
	}
}

// Handle applies one session update.
func (e *Engine) Handle(u session.Update) {
	switch u.Kind {
	case session.UpdateStarted:
		e.Reset()
		e.span = u.Span
	case session.UpdateEvent:
		if u.Span <= e.closed || (e.revoked != nil && e.revoked(u.Span)) {
			return
		}
		if u.Span != e.span {
			e.Reset()
			e.span = u.Span
		}
		e.Apply(u.Event)
	case session.UpdateCancelled, session.UpdateFailed, session.UpdateEnded:
		if u.Span > e.closed {
			e.closed = u.Span
		}
		if u.Span != e.span {
			return
		}
		if m, ok := e.Discard(); ok {
			e.log.Debug("discarded uncommitted speech",
				slog.String("reason", string(u.Kind)),
				slog.Int("cursor", m.Cursor))
		}
	}
}
