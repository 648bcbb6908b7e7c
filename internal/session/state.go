package session

import (
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Phase identifies which lifecycle state a session is in.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseListening    Phase = "listening"
	PhaseStopping     Phase = "stopping"
	PhaseUnavailable  Phase = "unavailable"
)

// State is the single active lifecycle state. Reason is only set for
// PhaseUnavailable.
type State struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

func (s State) String() string {
	if s.Reason == "" {
		return string(s.Phase)
	}
	return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
}

// Active reports whether a recognizer span is owned in this state.
func (s State) Active() bool {
	switch s.Phase {
	case PhaseInitializing, PhaseListening, PhaseStopping:
		return true
	default:
		return false
	}
}

// transitions lists the phases reachable from each phase.
var transitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseInitializing, PhaseUnavailable},
	PhaseInitializing: {PhaseListening, PhaseIdle, PhaseUnavailable},
	PhaseListening:    {PhaseStopping, PhaseIdle, PhaseUnavailable},
	PhaseStopping:     {PhaseIdle, PhaseUnavailable},
	PhaseUnavailable:  {PhaseIdle, PhaseUnavailable},
}

func validTransition(from, to Phase) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition: %s --> %s", from, to)
}

func idle() State { return State{Phase: PhaseIdle} }

func unavailable(reason string) State {
	return State{Phase: PhaseUnavailable, Reason: reason}
}

// UpdateKind classifies items on a subscription.
type UpdateKind string

const (
	UpdateStarted   UpdateKind = "started"
	UpdateEvent     UpdateKind = "event"
	UpdateEnded     UpdateKind = "ended"
	UpdateCancelled UpdateKind = "cancelled"
	UpdateFailed    UpdateKind = "failed"
)

// Update is one item of the multicast transcription stream. Span identifies the
// listening span it belongs to; State is the session state once the update was
// published.
type Update struct {
	Kind  UpdateKind
	Span  uint64
	Event stt.RecognitionEvent
	Err   error
	State State
}

func (u Update) interim() bool {
	return u.Kind == UpdateEvent && !u.Event.Final
}
