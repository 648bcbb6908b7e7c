package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NodeDirectory reports whether a healthy node advertises a capability.
type NodeDirectory interface {
	HasHealthy(capability string) bool
}

const sttCapability = "stt.stream"

// BusRecognizer drives a remote STT node over NATS. Transcripts for the span
// arrive on the stt.text subjects tagged with the span's session id.
type BusRecognizer struct {
	bus   *bus.Client
	nodes NodeDirectory
	cfg   config.RecognizerConfig
	log   *slog.Logger

	mu     sync.Mutex
	run    *busRun
	events <-chan Result
}

type busRun struct {
	id     string
	sub    *nats.Subscription
	events chan Result
	quit   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

func NewBusRecognizer(client *bus.Client, nodes NodeDirectory, cfg config.RecognizerConfig, log *slog.Logger) *BusRecognizer {
	return &BusRecognizer{
		bus:   client,
		nodes: nodes,
		cfg:   cfg,
		log:   log.With(slog.String("component", "bus-recognizer")),
	}
}

func (r *BusRecognizer) Initialize(context.Context) error {
	if !r.bus.Healthy() {
		return Fatal(errors.New("message bus is not connected"))
	}
	if r.cfg.RequireNode && (r.nodes == nil || !r.nodes.HasHealthy(sttCapability)) {
		return fmt.Errorf("%w: no healthy %s node", ErrRecognizerUnavailable, sttCapability)
	}
	return nil
}

func (r *BusRecognizer) Available() bool {
	if !r.bus.Healthy() {
		return false
	}
	if r.cfg.RequireNode {
		return r.nodes != nil && r.nodes.HasHealthy(sttCapability)
	}
	return true
}

func (r *BusRecognizer) Start(ctx context.Context, opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.run != nil {
		return ErrAlreadyListening
	}

	run := &busRun{
		id:     uuid.NewString(),
		events: make(chan Result, 256),
		quit:   make(chan struct{}),
	}
	sub, err := r.bus.Conn().Subscribe("stt.text.*", func(msg *nats.Msg) {
		r.handle(run, msg)
	})
	if err != nil {
		return Transient(fmt.Errorf("subscribe transcripts: %w", err))
	}
	run.sub = sub

	locale := opts.LocaleHint
	if locale == "" {
		locale = r.cfg.Language
	}
	req := protocol.ListenControl{
		SessionID:      run.id,
		PartialResults: opts.PartialResults,
		Locale:         locale,
		Timestamp:      time.Now().UTC(),
	}
	var ready protocol.ListenReady
	if err := r.bus.RequestJSON(ctx, protocol.SubjectListenStart, req, &ready); err != nil {
		_ = sub.Unsubscribe()
		if errors.Is(err, nats.ErrNoResponders) {
			return Fatal(fmt.Errorf("%w: no stt node listening", ErrRecognizerUnavailable))
		}
		return Transient(err)
	}
	if ready.Error != "" {
		_ = sub.Unsubscribe()
		err := errors.New(ready.Error)
		if ready.Fatal {
			return Fatal(err)
		}
		return Transient(err)
	}

	r.run = run
	r.events = run.events
	r.log.Debug("remote listening started", slog.String("stt_session", run.id))
	return nil
}

func (r *BusRecognizer) handle(run *busRun, msg *nats.Msg) {
	kind := strings.TrimPrefix(msg.Subject, "stt.text.")
	switch msg.Subject {
	case protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal:
		var t protocol.Transcript
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			r.log.Warn("invalid transcript", slog.String("kind", kind), slogError(err))
			return
		}
		if t.SessionID != run.id {
			return
		}
		r.send(run, Result{Event: RecognitionEvent{
			Text:       t.Text,
			Confidence: t.Confidence,
			Final:      msg.Subject == protocol.SubjectTranscriptFinal,
			Language:   t.Language,
		}})
	case protocol.SubjectTranscriptError:
		var e protocol.TranscriptError
		if err := json.Unmarshal(msg.Data, &e); err != nil || e.SessionID != run.id {
			return
		}
		err := errors.New(e.Message)
		if e.Fatal {
			err = Fatal(err)
		} else {
			err = Transient(err)
		}
		r.send(run, Result{Err: err})
	case protocol.SubjectTranscriptDone:
		var d protocol.TranscriptDone
		if err := json.Unmarshal(msg.Data, &d); err != nil || d.SessionID != run.id {
			return
		}
		r.finish(run)
	}
}

// send blocks until the consumer reads res or the run is torn down. The
// subscription delivers messages one at a time, so ordering is preserved.
func (r *BusRecognizer) send(run *busRun, res Result) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.closed {
		return
	}
	select {
	case run.events <- res:
	case <-run.quit:
	}
}

func (r *BusRecognizer) finish(run *busRun) {
	r.mu.Lock()
	if r.run == run {
		r.run = nil
	}
	r.mu.Unlock()

	run.once.Do(func() { close(run.quit) })
	_ = run.sub.Unsubscribe()

	run.mu.Lock()
	defer run.mu.Unlock()
	if !run.closed {
		run.closed = true
		close(run.events)
	}
}

func (r *BusRecognizer) Stop(context.Context) error {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		return ErrNotListening
	}
	msg := protocol.ListenControl{SessionID: run.id, Timestamp: time.Now().UTC()}
	if err := r.bus.PublishJSON(protocol.SubjectListenStop, msg); err != nil {
		return Transient(err)
	}
	return nil
}

func (r *BusRecognizer) Cancel() {
	r.mu.Lock()
	run := r.run
	r.mu.Unlock()
	if run == nil {
		return
	}
	msg := protocol.ListenControl{SessionID: run.id, Timestamp: time.Now().UTC()}
	if err := r.bus.PublishJSON(protocol.SubjectListenCancel, msg); err != nil {
		r.log.Warn("failed to publish cancel", slogError(err))
	}
	r.finish(run)
}

func (r *BusRecognizer) Events() <-chan Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}
