package stt

import (
	"context"
	"sync"
)

// MockRecognizer is a scripted recognizer. Callers drive the current span with
// Emit, Fail and End.
type MockRecognizer struct {
	mu sync.Mutex

	InitErr     error
	StartErr    error
	StopErr     error
	Unavailable bool
	// FinalOnStop is delivered as the trailing final event when Stop is called.
	FinalOnStop *RecognitionEvent
	// HoldOnStop keeps the span open after Stop, simulating a recognizer that
	// never drains.
	HoldOnStop bool
	// StartReady, when set, holds Start until it is closed or the start
	// context ends.
	StartReady chan struct{}

	ch       chan Result
	lastOpts Options
	starts   int
	stops    int
	cancels  int
}

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{}
}

func (m *MockRecognizer) Initialize(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InitErr
}

func (m *MockRecognizer) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.Unavailable
}

func (m *MockRecognizer) Start(ctx context.Context, opts Options) error {
	m.mu.Lock()
	m.starts++
	m.lastOpts = opts
	ready := m.StartReady
	m.mu.Unlock()

	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	m.ch = make(chan Result, 256)
	return nil
}

func (m *MockRecognizer) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	if m.ch == nil {
		return ErrNotListening
	}
	if m.FinalOnStop != nil {
		m.send(Result{Event: *m.FinalOnStop})
	}
	if !m.HoldOnStop {
		m.closeLocked()
	}
	return m.StopErr
}

func (m *MockRecognizer) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
	m.closeLocked()
}

func (m *MockRecognizer) Events() <-chan Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch
}

// Emit delivers evt on the current span. It reports false when no span is open.
func (m *MockRecognizer) Emit(evt RecognitionEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.send(Result{Event: evt})
}

// Fail delivers a recognizer error on the current span.
func (m *MockRecognizer) Fail(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.send(Result{Err: err})
}

// End closes the current span as if the backend stopped on its own.
func (m *MockRecognizer) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

// Calls returns how many times Start, Stop and Cancel were invoked.
func (m *MockRecognizer) Calls() (starts, stops, cancels int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops, m.cancels
}

func (m *MockRecognizer) LastOptions() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOpts
}

func (m *MockRecognizer) send(r Result) bool {
	if m.ch == nil {
		return false
	}
	select {
	case m.ch <- r:
		return true
	default:
		return false
	}
}

func (m *MockRecognizer) closeLocked() {
	if m.ch != nil {
		close(m.ch)
		m.ch = nil
	}
}
