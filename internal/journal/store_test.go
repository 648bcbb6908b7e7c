package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	}
	js, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })
	return js
}

func TestOpenEphemeral(t *testing.T) {
	js := openStore(t, config.JournalConfig{RetentionMode: "ephemeral"})
	if err := js.RecordSession(context.Background(), "s", "scribe"); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := js.RecordEntry(context.Background(), Entry{SessionID: "s", Kind: "final"}); err != nil {
		t.Fatalf("record entry: %v", err)
	}
	entries, err := js.ListEntries(context.Background(), "s", 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected nothing journaled, got %v %v", entries, err)
	}
}

func TestRecordAndList(t *testing.T) {
	js := openStore(t, config.JournalConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := js.RecordSession(ctx, "session-123", "scribe"); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := js.RecordEntry(ctx, Entry{SessionID: "session-123", Span: 2, Kind: "final", Text: "hello", Confidence: 0.7, Language: "en"}); err != nil {
		t.Fatalf("record entry: %v", err)
	}
	if err := js.RecordEntry(ctx, Entry{SessionID: "session-123", Span: 2, Kind: "ended"}); err != nil {
		t.Fatalf("record entry: %v", err)
	}
	if err := js.RecordEntry(ctx, Entry{Kind: "final"}); err == nil {
		t.Fatal("expected entry without session to be rejected")
	}

	entries, err := js.ListEntries(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	got := entries[0]
	if got.Text != "hello" || got.Span != 2 || got.Confidence != 0.7 || got.Language != "en" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected entry %+v", got)
	}
	if entries[1].Kind != "ended" || entries[1].Text != "" {
		t.Fatalf("unexpected lifecycle entry %+v", entries[1])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	js := openStore(t, config.JournalConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	js.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := js.RecordSession(ctx, "old-session", "scribe"); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := js.RecordEntry(ctx, Entry{SessionID: "old-session", Kind: "final", Text: "old"}); err != nil {
		t.Fatalf("record entry: %v", err)
	}

	js.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := js.RecordSession(ctx, "new-session", "scribe"); err != nil {
		t.Fatalf("record session: %v", err)
	}
	if err := js.RecordEntry(ctx, Entry{SessionID: "new-session", Kind: "final", Text: "new"}); err != nil {
		t.Fatalf("record entry: %v", err)
	}
	if err := js.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := js.ListEntries(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old session pruned, got %d entries", len(old))
	}
	current, err := js.ListEntries(ctx, "new-session", 10)
	if err != nil || len(current) != 1 {
		t.Fatalf("expected new session kept, got %v %v", current, err)
	}
}

func TestRecorderJournalsFinalsAndLifecycle(t *testing.T) {
	js := openStore(t, config.JournalConfig{RetentionMode: "session"})
	ctx := context.Background()
	if err := js.RecordSession(ctx, "s1", "scribe"); err != nil {
		t.Fatalf("record session: %v", err)
	}
	rec := NewRecorder(js, "s1", newLogger())

	updates := make(chan session.Update, 8)
	updates <- session.Update{Kind: session.UpdateStarted, Span: 1}
	updates <- session.Update{Kind: session.UpdateEvent, Span: 1, Event: stt.RecognitionEvent{Text: "hel"}}
	updates <- session.Update{Kind: session.UpdateEvent, Span: 1, Event: stt.RecognitionEvent{Text: "hello", Final: true, Confidence: 0.9}}
	updates <- session.Update{Kind: session.UpdateFailed, Span: 1, Err: stt.Transient(errors.New("mic unplugged"))}
	close(updates)

	if err := rec.Run(ctx, updates); err != nil {
		t.Fatalf("run: %v", err)
	}

	entries, err := js.ListEntries(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	kinds := make([]string, 0, len(entries))
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 3 || kinds[0] != "started" || kinds[1] != "final" || kinds[2] != "failed" {
		t.Fatalf("unexpected journal kinds %v", kinds)
	}
	if entries[1].Text != "hello" || entries[2].Error == "" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
