package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Recognizer.Mode != "mock" {
		t.Fatalf("expected mock recognizer by default, got %q", cfg.Recognizer.Mode)
	}
	if cfg.Session.StopTimeoutMS != 4000 {
		t.Fatalf("expected default stop timeout, got %d", cfg.Session.StopTimeoutMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_NODE_ID", "test-node")
	t.Setenv("SCRIBE_JOURNAL_PATH", "./tmp.db")
	t.Setenv("SCRIBE_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_JOURNAL_MAX_SESSIONS", "123")
	t.Setenv("SCRIBE_RECOGNIZER_MODE", "exec")
	t.Setenv("SCRIBE_RECOGNIZER_COMMAND", "whisper-stream --fast")
	t.Setenv("SCRIBE_RECOGNIZER_PARTIAL_RESULTS", "false")
	t.Setenv("SCRIBE_SESSION_STOP_TIMEOUT_MS", "1500")
	t.Setenv("SCRIBE_PERMISSION_MODE", "prompt")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Journal.Path != "./tmp.db" || cfg.Journal.RetentionMode != "persistent" || cfg.Journal.MaxSessions != 123 {
		t.Fatalf("expected journal overrides, got %+v", cfg.Journal)
	}
	if cfg.Recognizer.Mode != "exec" || cfg.Recognizer.Command != "whisper-stream --fast" {
		t.Fatalf("expected recognizer overrides, got %+v", cfg.Recognizer)
	}
	if cfg.Recognizer.PartialResults {
		t.Fatalf("expected partial results disabled")
	}
	if cfg.Session.StopTimeoutMS != 1500 {
		t.Fatalf("expected stop timeout override, got %d", cfg.Session.StopTimeoutMS)
	}
	if cfg.Permission.Mode != "prompt" {
		t.Fatalf("expected permission override, got %q", cfg.Permission.Mode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`runtime_name: notes-dictation
recognizer:
  mode: bus
  language: de-DE
session:
  start_timeout_ms: 900
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "notes-dictation" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Recognizer.Mode != "bus" || cfg.Recognizer.Language != "de-DE" {
		t.Fatalf("unexpected recognizer config: %+v", cfg.Recognizer)
	}
	if !cfg.Recognizer.PartialResults {
		t.Fatalf("expected default partial results to survive file load")
	}
	if cfg.Session.StartTimeoutMS != 900 {
		t.Fatalf("expected start timeout from file, got %d", cfg.Session.StartTimeoutMS)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("SCRIBE_RECOGNIZER_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
}

func TestValidateRejectsUnknownPermissionMode(t *testing.T) {
	t.Setenv("SCRIBE_PERMISSION_MODE", "sometimes")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown permission mode")
	}
}
