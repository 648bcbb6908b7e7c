// Package permission models microphone access checks consulted before a
// listening span starts.
package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type Status string

const (
	Allowed           Status = "allowed"
	Denied            Status = "denied"
	PermanentlyDenied Status = "permanently_denied"
)

// Gate yields the current microphone permission and can prompt for it.
type Gate interface {
	Check(ctx context.Context) Status
	Request(ctx context.Context) Status
}

// Resolve consults gate and maps a refusal onto the stt error taxonomy. A
// plain denial is requested once more; a permanent denial is not.
func Resolve(ctx context.Context, gate Gate) error {
	if gate == nil {
		return nil
	}
	status := gate.Check(ctx)
	if status == Denied {
		status = gate.Request(ctx)
	}
	switch status {
	case Allowed:
		return nil
	case PermanentlyDenied:
		return stt.ErrPermissionPermanentlyDenied
	default:
		return stt.ErrPermissionDenied
	}
}

// Static is a gate with a fixed answer. In prompt mode Check reports Denied
// until Request grants access.
type Static struct {
	mu      sync.Mutex
	mode    string
	granted bool
}

func NewStatic(mode string) (*Static, error) {
	switch mode {
	case "allowed", "denied", "permanently_denied", "prompt":
	default:
		return nil, fmt.Errorf("unknown permission mode %q", mode)
	}
	return &Static{mode: mode}, nil
}

func (s *Static) Check(context.Context) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.mode {
	case "allowed":
		return Allowed
	case "permanently_denied":
		return PermanentlyDenied
	case "prompt":
		if s.granted {
			return Allowed
		}
		return Denied
	default:
		return Denied
	}
}

func (s *Static) Request(ctx context.Context) Status {
	s.mu.Lock()
	if s.mode == "prompt" {
		s.granted = true
	}
	s.mu.Unlock()
	return s.Check(ctx)
}
