package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/buffer"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/merge"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/permission"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	client *bus.Client
	rec    *stt.MockRecognizer
	buf    *buffer.Buffer
}

func newHarness(t *testing.T, permissionMode string) *harness {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	gate, err := permission.NewStatic(permissionMode)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	rec := stt.NewMockRecognizer()
	sess := session.New(rec, gate, session.Config{StopTimeout: time.Second}, log)
	buf := buffer.New("Hello ", 6)
	engine := merge.NewEngine(buf, log)
	engine.SkipRevoked(sess.Revoked)

	ctx, cancel := context.WithCancel(context.Background())
	engineSub := sess.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx, engineSub.Updates())
	}()

	svc := NewService(ctx, client, sess, buf, rec, 2*time.Second, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start control: %v", err)
	}
	t.Cleanup(func() {
		svc.Close()
		engineSub.Close()
		cancel()
		<-done
	})
	return &harness{client: client, rec: rec, buf: buf}
}

func (h *harness) call(t *testing.T, op string, req protocol.ControlRequest) protocol.ControlReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var reply protocol.ControlReply
	if err := h.client.RequestJSON(ctx, protocol.SubjectControlPrefix+"."+op, req, &reply); err != nil {
		t.Fatalf("%s: %v", op, err)
	}
	return reply
}

func (h *harness) waitBuffer(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if text, _ := h.buf.Snapshot(); text == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	text, _ := h.buf.Snapshot()
	t.Fatalf("expected buffer %q, got %q", want, text)
}

func TestControlDictationRoundTrip(t *testing.T) {
	h := newHarness(t, "allowed")

	states := make(chan protocol.StateUpdate, 16)
	sub, err := h.client.Conn().Subscribe(protocol.SubjectStateUpdate, func(msg *nats.Msg) {
		var u protocol.StateUpdate
		if json.Unmarshal(msg.Data, &u) == nil {
			states <- u
		}
	})
	if err != nil {
		t.Fatalf("subscribe states: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	buffers := make(chan protocol.BufferUpdate, 16)
	bsub, err := h.client.Conn().Subscribe(protocol.SubjectBufferUpdate, func(msg *nats.Msg) {
		var u protocol.BufferUpdate
		if json.Unmarshal(msg.Data, &u) == nil {
			buffers <- u
		}
	})
	if err != nil {
		t.Fatalf("subscribe buffer: %v", err)
	}
	t.Cleanup(func() { _ = bsub.Unsubscribe() })
	_ = h.client.Conn().Flush()

	reply := h.call(t, protocol.OpStart, protocol.ControlRequest{RequestID: "r1"})
	if reply.Error != "" || reply.State != "listening" || reply.RequestID != "r1" {
		t.Fatalf("unexpected start reply %+v", reply)
	}
	if again := h.call(t, protocol.OpStart, protocol.ControlRequest{}); again.Code != protocol.CodeAlreadyListening {
		t.Fatalf("expected already_listening, got %+v", again)
	}

	h.call(t, protocol.OpEmit, protocol.ControlRequest{Text: "wor"})
	h.waitBuffer(t, "Hello wor")
	h.call(t, protocol.OpEmit, protocol.ControlRequest{Text: "world", Final: true})
	h.waitBuffer(t, "Hello world")

	reply = h.call(t, protocol.OpStop, protocol.ControlRequest{})
	if reply.Error != "" || reply.State != "idle" {
		t.Fatalf("unexpected stop reply %+v", reply)
	}

	select {
	case u := <-buffers:
		if u.Text != "Hello wor" {
			t.Fatalf("unexpected first buffer update %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected buffer update broadcast")
	}

	var kinds []string
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case u := <-states:
			kinds = append(kinds, u.Kind)
		case <-timeout:
			t.Fatalf("expected started and ended broadcasts, got %v", kinds)
		}
	}
	if kinds[0] != "started" || kinds[1] != "ended" {
		t.Fatalf("unexpected lifecycle broadcasts %v", kinds)
	}
}

func TestControlCancelRevertsBuffer(t *testing.T) {
	h := newHarness(t, "allowed")

	h.call(t, protocol.OpStart, protocol.ControlRequest{})
	h.call(t, protocol.OpEmit, protocol.ControlRequest{Text: "oops"})
	h.waitBuffer(t, "Hello oops")

	reply := h.call(t, protocol.OpCancel, protocol.ControlRequest{})
	if reply.State != "idle" || reply.Error != "" {
		t.Fatalf("unexpected cancel reply %+v", reply)
	}
	h.waitBuffer(t, "Hello ")

	if emit := h.call(t, protocol.OpEmit, protocol.ControlRequest{Text: "late"}); emit.Code != protocol.CodeNotListening {
		t.Fatalf("expected not_listening after cancel, got %+v", emit)
	}
}

func TestControlPermissionDenied(t *testing.T) {
	h := newHarness(t, "permanently_denied")

	reply := h.call(t, protocol.OpStart, protocol.ControlRequest{})
	if reply.Code != protocol.CodePermissionPermanentlyDenied || reply.State != "idle" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if starts, _, _ := h.rec.Calls(); starts != 0 {
		t.Fatalf("recognizer must not start, got %d starts", starts)
	}
}

func TestControlUnknownOperation(t *testing.T) {
	h := newHarness(t, "allowed")
	if reply := h.call(t, "rewind", protocol.ControlRequest{}); reply.Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad_request, got %+v", reply)
	}
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{stt.ErrPermissionDenied, protocol.CodePermissionDenied},
		{stt.ErrPermissionPermanentlyDenied, protocol.CodePermissionPermanentlyDenied},
		{stt.ErrAlreadyListening, protocol.CodeAlreadyListening},
		{stt.ErrNotListening, protocol.CodeNotListening},
		{fmt.Errorf("init: %w", stt.ErrRecognizerUnavailable), protocol.CodeRecognizerUnavailable},
		{stt.Fatal(errors.New("x")), protocol.CodeFatal},
		{stt.Transient(stt.ErrDrainTimeout), protocol.CodeTransient},
		{context.Canceled, protocol.CodeCancelled},
		{errors.New("boom"), protocol.CodeInternal},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRequestsAfterCloseAreDropped(t *testing.T) {
	svc := NewService(context.Background(), nil, nil, nil, nil, time.Second, newLogger())
	svc.Close()

	svc.handleControl(&nats.Msg{Subject: protocol.SubjectControlPrefix + "." + protocol.OpStatus})
	svc.wg.Wait()
}
