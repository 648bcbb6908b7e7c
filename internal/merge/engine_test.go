package merge

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type fakeOwner struct {
	text    string
	cursor  int
	applied []Mutation
}

func (o *fakeOwner) Snapshot() (string, int) { return o.text, o.cursor }

func (o *fakeOwner) ApplyMutation(m Mutation) {
	o.text, o.cursor = m.Text, m.Cursor
	o.applied = append(o.applied, m)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func interim(text string) stt.RecognitionEvent { return stt.RecognitionEvent{Text: text} }

func final(text string) stt.RecognitionEvent {
	return stt.RecognitionEvent{Text: text, Final: true, Confidence: 0.9}
}

func TestEngineInterimRevisionsReplace(t *testing.T) {
	owner := &fakeOwner{text: "Hello ", cursor: 6}
	engine := NewEngine(owner, newLogger())

	engine.Apply(interim("wor"))
	if owner.text != "Hello wor" || owner.cursor != 9 {
		t.Fatalf("after first interim: %q/%d", owner.text, owner.cursor)
	}
	engine.Apply(interim("world"))
	if owner.text != "Hello world" || owner.cursor != 11 {
		t.Fatalf("after second interim: %q/%d", owner.text, owner.cursor)
	}
	engine.Apply(final("world"))
	if owner.text != "Hello world" || owner.cursor != 11 {
		t.Fatalf("after final: %q/%d", owner.text, owner.cursor)
	}
	if _, ok := engine.Anchor(); ok {
		t.Fatal("expected anchor cleared after final")
	}
}

func TestEngineCancelRestoresBuffer(t *testing.T) {
	owner := &fakeOwner{}
	engine := NewEngine(owner, newLogger())

	engine.Apply(interim("test"))
	if owner.text != "test" {
		t.Fatalf("expected interim text, got %q", owner.text)
	}
	m, ok := engine.Discard()
	if !ok {
		t.Fatal("expected restoring mutation")
	}
	if owner.text != "" || owner.cursor != 0 || m.Text != "" {
		t.Fatalf("expected buffer restored, got %q/%d", owner.text, owner.cursor)
	}
	if _, ok := engine.Discard(); ok {
		t.Fatal("expected second discard to be a no-op")
	}
}

func TestEngineRevisionIsIdempotent(t *testing.T) {
	segments := [][]string{
		{"a"},
		{"the", "the quick", "the quick brown", "the quick brown fox"},
		{"wreck", "recognize", "recognize speech"},
		{"x", "xy", "x", "xyz"},
	}
	for _, revisions := range segments {
		owner := &fakeOwner{text: "start end", cursor: 5}
		engine := NewEngine(owner, newLogger())
		for _, r := range revisions {
			engine.Apply(interim(r))
		}
		finalText := revisions[len(revisions)-1] + "!"
		engine.Apply(final(finalText))

		want := Splice(Anchor{Text: "start end", Cursor: 5}, finalText)
		if owner.text != want.Text || owner.cursor != want.Cursor {
			t.Fatalf("revisions %v: expected %+v, got %q/%d", revisions, want, owner.text, owner.cursor)
		}
	}
}

func TestEngineNoCrossSegmentLeakage(t *testing.T) {
	owner := &fakeOwner{}
	engine := NewEngine(owner, newLogger())

	engine.Apply(interim("first"))
	engine.Apply(final("first segment"))
	owner.text, owner.cursor = "first segment typed", 19

	engine.Apply(interim("second"))
	anchor, ok := engine.Anchor()
	if !ok || anchor.Text != "first segment typed" || anchor.Cursor != 19 {
		t.Fatalf("expected fresh anchor over typed text, got %+v", anchor)
	}
	engine.Apply(final("second segment"))
	if owner.text != "first segment typed second segment" {
		t.Fatalf("unexpected buffer %q", owner.text)
	}
}

func TestEngineBackToBackFinalsRecaptureAnchor(t *testing.T) {
	owner := &fakeOwner{text: "note:", cursor: 5}
	engine := NewEngine(owner, newLogger())

	engine.Apply(final("one"))
	engine.Apply(final("two"))
	if owner.text != "note: one two" || owner.cursor != 13 {
		t.Fatalf("unexpected buffer %q/%d", owner.text, owner.cursor)
	}
}

func TestEngineEmptyEventsIgnored(t *testing.T) {
	owner := &fakeOwner{text: "keep", cursor: 4}
	engine := NewEngine(owner, newLogger())

	if _, ok := engine.Apply(interim("   ")); ok {
		t.Fatal("expected no mutation for empty event")
	}
	if _, ok := engine.Anchor(); ok {
		t.Fatal("empty event must not capture an anchor")
	}
	if len(owner.applied) != 0 {
		t.Fatalf("expected no mutations, got %d", len(owner.applied))
	}
}

func TestEngineConcurrentEditIsOverwrittenByRevision(t *testing.T) {
	owner := &fakeOwner{text: "Dear ", cursor: 5}
	engine := NewEngine(owner, newLogger())

	engine.Apply(interim("Sam"))
	owner.text, owner.cursor = "Dear Sam, hi", 12
	engine.Apply(interim("Samantha"))

	if owner.text != "Dear Samantha" {
		t.Fatalf("expected revision to splice into the anchor, got %q", owner.text)
	}
}

func TestEngineHandleIgnoresCancelledSpan(t *testing.T) {
	owner := &fakeOwner{text: "base", cursor: 4}
	engine := NewEngine(owner, newLogger())

	engine.Handle(session.Update{Kind: session.UpdateStarted, Span: 1})
	engine.Handle(session.Update{Kind: session.UpdateEvent, Span: 1, Event: interim("spoken")})
	engine.Handle(session.Update{Kind: session.UpdateCancelled, Span: 1})
	if owner.text != "base" || owner.cursor != 4 {
		t.Fatalf("expected buffer restored after cancel, got %q/%d", owner.text, owner.cursor)
	}

	applied := len(owner.applied)
	engine.Handle(session.Update{Kind: session.UpdateEvent, Span: 1, Event: final("late")})
	if len(owner.applied) != applied || owner.text != "base" {
		t.Fatalf("expected late event of cancelled span dropped, got %q", owner.text)
	}

	engine.Handle(session.Update{Kind: session.UpdateStarted, Span: 3})
	engine.Handle(session.Update{Kind: session.UpdateEvent, Span: 3, Event: final("again")})
	if owner.text != "base again" {
		t.Fatalf("expected next span to merge, got %q", owner.text)
	}
}

func TestEngineRunDiscardsOnClose(t *testing.T) {
	owner := &fakeOwner{text: "x", cursor: 1}
	engine := NewEngine(owner, newLogger())

	updates := make(chan session.Update, 4)
	updates <- session.Update{Kind: session.UpdateStarted, Span: 1}
	updates <- session.Update{Kind: session.UpdateEvent, Span: 1, Event: interim("y")}
	close(updates)

	if err := engine.Run(context.Background(), updates); err != nil {
		t.Fatalf("run: %v", err)
	}
	if owner.text != "x" {
		t.Fatalf("expected uncommitted speech discarded, got %q", owner.text)
	}
}
