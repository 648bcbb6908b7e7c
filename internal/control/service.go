// Package control exposes the dictation session over NATS request/reply and
// broadcasts buffer and lifecycle changes.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/buffer"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/nats-io/nats.go"
)

// Emitter injects recognition events. Only the mock recognizer provides one.
type Emitter interface {
	Emit(evt stt.RecognitionEvent) bool
}

type Service struct {
	bus     *bus.Client
	sess    *session.Session
	buf     *buffer.Buffer
	emitter Emitter
	timeout time.Duration
	logger  *slog.Logger

	sub     *nats.Subscription
	updates *session.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewService builds a control service. emitter may be nil, in which case the
// emit operation is rejected.
func NewService(parent context.Context, busClient *bus.Client, sess *session.Session, buf *buffer.Buffer, emitter Emitter, timeout time.Duration, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		bus:     busClient,
		sess:    sess,
		buf:     buf,
		emitter: emitter,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "control")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectControlPrefix+".*", s.handleControl)
	if err != nil {
		return err
	}
	s.sub = sub

	s.buf.Observe(s.publishBuffer)

	s.updates = s.sess.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.forwardState()
	}()
	return s.bus.Conn().Flush()
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	if s.updates != nil {
		s.updates.Close()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid() && s.bus.Healthy()
}

// handleControl runs each request on its own goroutine so a cancel is never
// queued behind a stop that is waiting for the recognizer to drain.
func (s *Service) handleControl(msg *nats.Msg) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		reply := s.dispatch(msg)
		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Warn("failed to encode control reply", slogError(err))
			return
		}
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to send control reply", slogError(err))
		}
	}()
}

func (s *Service) dispatch(msg *nats.Msg) protocol.ControlReply {
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode control request", slogError(err))
			return s.reply(req, protocol.CodeBadRequest, err)
		}
	}
	op := strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	var err error
	switch op {
	case protocol.OpInitialize:
		err = s.sess.Initialize(ctx)
	case protocol.OpStart:
		err = s.sess.Start(ctx)
	case protocol.OpStop:
		err = s.sess.Stop(ctx)
	case protocol.OpCancel:
		s.sess.Cancel()
	case protocol.OpStatus:
	case protocol.OpEmit:
		err = s.emit(req)
	default:
		return s.reply(req, protocol.CodeBadRequest, errors.New("unknown operation "+op))
	}
	if err != nil {
		s.logger.Info("control operation failed", slog.String("op", op), slogError(err))
	} else {
		s.logger.Debug("control operation", slog.String("op", op), slog.String("request_id", req.RequestID))
	}
	return s.reply(req, Code(err), err)
}

func (s *Service) emit(req protocol.ControlRequest) error {
	if s.emitter == nil {
		return errors.New("emit requires the mock recognizer")
	}
	if !s.emitter.Emit(stt.RecognitionEvent{Text: req.Text, Final: req.Final, Confidence: 1}) {
		return stt.ErrNotListening
	}
	return nil
}

func (s *Service) reply(req protocol.ControlRequest, code string, err error) protocol.ControlReply {
	state := s.sess.State()
	text, cursor := s.buf.Snapshot()
	reply := protocol.ControlReply{
		RequestID: req.RequestID,
		SessionID: s.sess.ID(),
		State:     string(state.Phase),
		Reason:    state.Reason,
		Text:      text,
		Cursor:    cursor,
	}
	if err != nil {
		reply.Code = code
		reply.Error = err.Error()
	}
	return reply
}

// Code maps a session error onto its wire code. It returns "" for nil.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, stt.ErrPermissionPermanentlyDenied):
		return protocol.CodePermissionPermanentlyDenied
	case errors.Is(err, stt.ErrPermissionDenied):
		return protocol.CodePermissionDenied
	case errors.Is(err, stt.ErrAlreadyListening):
		return protocol.CodeAlreadyListening
	case errors.Is(err, stt.ErrNotListening):
		return protocol.CodeNotListening
	case errors.Is(err, stt.ErrRecognizerUnavailable):
		return protocol.CodeRecognizerUnavailable
	case errors.Is(err, stt.ErrRecognizerFatal):
		return protocol.CodeFatal
	case errors.Is(err, stt.ErrRecognizerTransient):
		return protocol.CodeTransient
	case errors.Is(err, context.Canceled):
		return protocol.CodeCancelled
	default:
		return protocol.CodeInternal
	}
}

func (s *Service) publishBuffer(change buffer.Change) {
	update := protocol.BufferUpdate{
		SessionID: s.sess.ID(),
		Text:      change.Text,
		Cursor:    change.Cursor,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectBufferUpdate, update); err != nil {
		s.logger.Warn("failed to publish buffer update", slogError(err))
	}
}

// forwardState broadcasts lifecycle updates. Recognition events reach
// listeners through the buffer instead.
func (s *Service) forwardState() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case u, ok := <-s.updates.Updates():
			if !ok {
				return
			}
			if u.Kind == session.UpdateEvent {
				continue
			}
			update := protocol.StateUpdate{
				SessionID: s.sess.ID(),
				Span:      u.Span,
				Kind:      string(u.Kind),
				State:     string(u.State.Phase),
				Reason:    u.State.Reason,
				Timestamp: time.Now().UTC(),
			}
			if u.Err != nil {
				update.Error = u.Err.Error()
			}
			if err := s.bus.PublishJSON(protocol.SubjectStateUpdate, update); err != nil {
				s.logger.Warn("failed to publish state update", slogError(err))
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
