package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recognizer.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func collect(t *testing.T, events <-chan Result) []Result {
	t.Helper()
	var out []Result
	timeout := time.After(5 * time.Second)
	for {
		select {
		case res, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, res)
		case <-timeout:
			t.Fatal("timed out waiting for recognizer stream to close")
		}
	}
}

func TestExecRecognizerStreamsUntilStdinCloses(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	script := writeScript(t, `#!/bin/sh
echo '{"text":"hel","final":false}'
echo 'not json'
echo '{"text":"hello","final":false}'
cat >/dev/null
echo "{\"text\":\"hello there\",\"final\":true,\"confidence\":0.8,\"language\":\"$2\"}"
`)
	rec, err := NewExecRecognizer(config.RecognizerConfig{Command: "/bin/sh " + script}, newLogger())
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	if err := rec.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !rec.Available() {
		t.Fatal("expected recognizer available")
	}
	if err := rec.Start(context.Background(), Options{LocaleHint: "en-GB"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := rec.Start(context.Background(), Options{}); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("expected ErrAlreadyListening, got %v", err)
	}
	if err := rec.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	results := collect(t, rec.Events())
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %+v", results)
	}
	last := results[2]
	if last.Err != nil || !last.Event.Final || last.Event.Text != "hello there" || last.Event.Language != "en-GB" {
		t.Fatalf("unexpected final result %+v", last)
	}
	if err := rec.Stop(context.Background()); !errors.Is(err, ErrNotListening) {
		t.Fatalf("expected ErrNotListening after drain, got %v", err)
	}
}

func TestExecRecognizerReportsCommandFailure(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	script := writeScript(t, "#!/bin/sh\necho boom >&2\nexit 3\n")
	rec, err := NewExecRecognizer(config.RecognizerConfig{Command: "/bin/sh " + script}, newLogger())
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	if err := rec.Start(context.Background(), Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	results := collect(t, rec.Events())
	if len(results) != 1 || !errors.Is(results[0].Err, ErrRecognizerTransient) {
		t.Fatalf("expected one transient error, got %+v", results)
	}
}

func TestExecRecognizerCancelIsSilent(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	script := writeScript(t, "#!/bin/sh\nexec sleep 30\n")
	rec, err := NewExecRecognizer(config.RecognizerConfig{Command: "/bin/sh " + script}, newLogger())
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	if err := rec.Start(context.Background(), Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.Cancel()
	if results := collect(t, rec.Events()); len(results) != 0 {
		t.Fatalf("expected no results after cancel, got %+v", results)
	}
}

func TestExecRecognizerMissingCommandIsFatal(t *testing.T) {
	rec, err := NewExecRecognizer(config.RecognizerConfig{Command: "definitely-not-a-recognizer-binary"}, newLogger())
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	err = rec.Initialize(context.Background())
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if rec.Available() {
		t.Fatal("expected recognizer unavailable")
	}
}
