// Package session owns the recognizer lifecycle for one dictation target and
// multicasts its transcription stream to subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/permission"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultStartTimeout = 5 * time.Second
	defaultStopTimeout  = 4 * time.Second
)

// Config controls listening behaviour.
type Config struct {
	Options      stt.Options
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// Session serializes Initialize, Start, Stop and Cancel against a single
// recognizer. Cancel never waits on the other operations.
type Session struct {
	id   string
	rec  stt.Recognizer
	gate permission.Gate
	cfg  Config
	log  *slog.Logger
	ins  *instruments

	// opMu queues Initialize and Start behind each other.
	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	latest  stt.RecognitionEvent
	epoch   uint64
	revoked uint64
	current *span
	subs    map[int]*Subscription
	nextSub int
}

type span struct {
	id   uint64
	done chan struct{}
	err  error
}

// New returns an Idle session driving rec behind gate.
func New(rec stt.Recognizer, gate permission.Gate, cfg Config, log *slog.Logger) *Session {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	id := uuid.NewString()
	return &Session{
		id:    id,
		rec:   rec,
		gate:  gate,
		cfg:   cfg,
		log:   log.With(slog.String("component", "session"), slog.String("session_id", id)),
		ins:   newInstruments(log),
		state: idle(),
		subs:  make(map[int]*Subscription),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Latest returns the most recent non-empty recognition event of the current
// or last listening span.
func (s *Session) Latest() stt.RecognitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Subscribe returns a subscription that observes every update published from
// now on. Close it when done.
func (s *Session) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	sub := newSubscription(s.nextSub, s.unsubscribe)
	s.subs[sub.id] = sub
	return sub
}

// Revoked reports whether span was cancelled or aborted. Its events must not
// reach the buffer even when a subscriber already holds them.
func (s *Session) Revoked(span uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return span != 0 && span <= s.revoked
}

func (s *Session) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Initialize probes the recognizer. It is the only way out of Unavailable.
func (s *Session) Initialize(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state.Active() {
		s.mu.Unlock()
		return stt.ErrAlreadyListening
	}
	s.mu.Unlock()

	err := s.rec.Initialize(ctx)
	if err == nil && !s.rec.Available() {
		err = stt.ErrRecognizerUnavailable
	}
	if err != nil && !errors.Is(err, stt.ErrRecognizerUnavailable) {
		err = fmt.Errorf("%w: %w", stt.ErrRecognizerUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.setStateLocked(unavailable(err.Error()))
		s.log.Warn("recognizer initialization failed", slogError(err))
		return err
	}
	s.setStateLocked(idle())
	return nil
}

// Start opens a listening span. Permission is resolved before the recognizer
// is touched; a refusal leaves the session Idle.
func (s *Session) Start(ctx context.Context) error {
	if st := s.State(); st.Active() {
		return stt.ErrAlreadyListening
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkStartable(); err != nil {
		return err
	}
	if err := permission.Resolve(ctx, s.gate); err != nil {
		s.log.Info("start refused by permission gate", slogError(err))
		return err
	}
	if !s.rec.Available() {
		s.mu.Lock()
		s.setStateLocked(unavailable(stt.ErrRecognizerUnavailable.Error()))
		s.mu.Unlock()
		return stt.ErrRecognizerUnavailable
	}

	ctx, traceSpan := s.ins.tracer.Start(ctx, "session.start", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.Bool("partial_results", s.cfg.Options.PartialResults),
	))
	defer traceSpan.End()

	s.mu.Lock()
	if err := s.startableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.epoch++
	spanID := s.epoch
	s.latest = stt.RecognitionEvent{}
	s.setStateLocked(State{Phase: PhaseInitializing})
	s.mu.Unlock()

	began := time.Now()
	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	err := s.rec.Start(startCtx, s.cfg.Options)
	if err == nil {
		err = startCtx.Err()
	}
	cancel()

	s.mu.Lock()
	if s.epoch != spanID {
		s.mu.Unlock()
		if err == nil {
			s.rec.Cancel()
		}
		traceSpan.SetStatus(codes.Error, "cancelled")
		return context.Canceled
	}
	if err != nil {
		if stt.IsFatal(err) {
			s.setStateLocked(unavailable(err.Error()))
		} else {
			err = stt.Transient(fmt.Errorf("recognizer not ready: %w", err))
			s.setStateLocked(idle())
		}
		s.mu.Unlock()
		s.rec.Cancel()
		traceSpan.RecordError(err)
		traceSpan.SetStatus(codes.Error, err.Error())
		s.log.Warn("recognizer failed to start", slogError(err))
		return err
	}

	events := s.rec.Events()
	cur := &span{id: spanID, done: make(chan struct{})}
	s.current = cur
	s.setStateLocked(State{Phase: PhaseListening})
	s.publishLocked(Update{Kind: UpdateStarted, Span: spanID})
	s.mu.Unlock()

	s.ins.started(began)
	go s.pump(cur, events)
	return nil
}

func (s *Session) checkStartable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startableLocked()
}

func (s *Session) startableLocked() error {
	switch {
	case s.state.Active():
		return stt.ErrAlreadyListening
	case s.state.Phase == PhaseUnavailable:
		return fmt.Errorf("%w: %s", stt.ErrRecognizerUnavailable, s.state.Reason)
	default:
		return nil
	}
}

// Stop asks the recognizer to finish the in-flight segment and waits until the
// span drains, so the trailing final event has been published when it returns.
// A recognizer that does not drain within StopTimeout is cancelled and the
// session is forced back to Idle.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Phase != PhaseListening || s.current == nil {
		s.mu.Unlock()
		return stt.ErrNotListening
	}
	cur := s.current
	s.setStateLocked(State{Phase: PhaseStopping})
	s.mu.Unlock()

	ctx, traceSpan := s.ins.tracer.Start(ctx, "session.stop", trace.WithAttributes(
		attribute.String("session.id", s.id),
	))
	defer traceSpan.End()

	if err := s.rec.Stop(ctx); err != nil && !errors.Is(err, stt.ErrNotListening) {
		s.log.Warn("recognizer stop reported error", slogError(err))
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-cur.done:
		s.mu.Lock()
		err := cur.err
		s.mu.Unlock()
		if err != nil {
			traceSpan.RecordError(err)
		}
		return err
	case <-timer.C:
		err := stt.Transient(stt.ErrDrainTimeout)
		s.abort(cur.id, err)
		traceSpan.RecordError(err)
		traceSpan.SetStatus(codes.Error, "drain timeout")
		return err
	case <-ctx.Done():
		err := stt.Transient(ctx.Err())
		s.abort(cur.id, err)
		traceSpan.RecordError(err)
		return err
	}
}

// Cancel returns the session to Idle immediately. Events that arrive after it
// returns, and events still queued for subscribers, are discarded.
func (s *Session) Cancel() {
	s.mu.Lock()
	prev := s.state
	if !prev.Active() {
		s.mu.Unlock()
		return
	}
	spanID := s.epoch
	s.epoch++
	s.revoked = spanID
	s.current = nil
	s.setStateLocked(idle())
	for _, sub := range s.subs {
		sub.purge(spanID)
	}
	s.publishLocked(Update{Kind: UpdateCancelled, Span: spanID})
	s.mu.Unlock()

	if prev.Phase != PhaseInitializing {
		s.rec.Cancel()
	}
	s.log.Info("listening cancelled", slog.Uint64("span", spanID))
}

func (s *Session) pump(cur *span, events <-chan stt.Result) {
	defer close(cur.done)
	if events == nil {
		s.fail(cur, stt.Transient(errors.New("recognizer returned no event stream")))
		return
	}
	for res := range events {
		if res.Err != nil {
			s.fail(cur, res.Err)
			continue
		}
		s.deliver(cur.id, res.Event)
	}
	s.finish(cur)
}

func (s *Session) deliver(spanID uint64, evt stt.RecognitionEvent) {
	evt = stt.Normalize(evt)
	if evt.Text == "" {
		s.ins.drop("empty")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != spanID {
		s.ins.drop("stale")
		return
	}
	s.latest = evt
	s.publishLocked(Update{Kind: UpdateEvent, Span: spanID, Event: evt})
	s.ins.event(evt.Final)
}

// fail ends the span after a recognizer error. Fatal errors leave the session
// Unavailable; anything else returns it to Idle.
func (s *Session) fail(cur *span, err error) {
	s.mu.Lock()
	if s.epoch != cur.id {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.current = nil
	if stt.IsFatal(err) {
		s.setStateLocked(unavailable(err.Error()))
	} else {
		err = stt.Transient(err)
		s.setStateLocked(idle())
	}
	cur.err = err
	s.publishLocked(Update{Kind: UpdateFailed, Span: cur.id, Err: err})
	s.mu.Unlock()

	s.log.Warn("recognizer failed", slogError(err), slog.Uint64("span", cur.id))
	s.rec.Cancel()
}

func (s *Session) abort(spanID uint64, err error) {
	s.mu.Lock()
	if s.epoch != spanID {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.revoked = spanID
	s.current = nil
	s.setStateLocked(idle())
	for _, sub := range s.subs {
		sub.purge(spanID)
	}
	s.publishLocked(Update{Kind: UpdateFailed, Span: spanID, Err: err})
	s.mu.Unlock()

	s.log.Warn("forcing session idle", slogError(err), slog.Uint64("span", spanID))
	s.rec.Cancel()
}

func (s *Session) finish(cur *span) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != cur.id {
		return
	}
	s.current = nil
	s.setStateLocked(idle())
	s.publishLocked(Update{Kind: UpdateEnded, Span: cur.id})
}

func (s *Session) publishLocked(u Update) {
	u.State = s.state
	var coalesced int64
	for _, sub := range s.subs {
		if sub.push(u) {
			coalesced++
		}
	}
	s.ins.coalesce(coalesced)
}

func (s *Session) setStateLocked(next State) {
	prev := s.state
	s.state = next
	if prev == next {
		return
	}
	if err := validTransition(prev.Phase, next.Phase); err != nil {
		s.log.Error("unexpected session transition", slogError(err))
	}
	s.ins.transition(prev.Phase, next.Phase)
	s.log.Debug("session state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
}
