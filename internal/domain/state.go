package domain

import "time"

// Phase is the tag of the handshake state union.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseRequested            Phase = "requested"
	PhaseDelivered            Phase = "delivered"
	PhaseAwaitingConfirmation Phase = "awaiting_confirmation"
	PhaseConfirmed            Phase = "confirmed"
	PhaseExpired              Phase = "expired"
	PhaseFailed               Phase = "failed"
	PhaseCancelled            Phase = "cancelled"
)

// transitions is the full table of legal moves. Anything not listed is a
// late or duplicate event and must be dropped.
var transitions = map[Phase][]Phase{
	PhaseIdle:                 {PhaseRequested, PhaseExpired},
	PhaseRequested:            {PhaseDelivered, PhaseFailed, PhaseCancelled},
	PhaseDelivered:            {PhaseAwaitingConfirmation, PhaseFailed, PhaseCancelled},
	PhaseAwaitingConfirmation: {PhaseConfirmed, PhaseFailed, PhaseCancelled, PhaseIdle},
	PhaseConfirmed:            {PhaseIdle},
	PhaseExpired:              {PhaseIdle},
	PhaseFailed:               {PhaseIdle},
	PhaseCancelled:            {PhaseIdle},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the phase ends an attempt.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseConfirmed, PhaseExpired, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// InFlight reports whether an attempt is between Begin and its terminal event.
func (p Phase) InFlight() bool {
	switch p {
	case PhaseRequested, PhaseDelivered, PhaseAwaitingConfirmation:
		return true
	}
	return false
}

// State is a snapshot of the handshake state union. Result is set only in
// PhaseConfirmed; Err is set in PhaseFailed, PhaseExpired and PhaseCancelled,
// and in PhaseIdle right after the user closed the delivery window.
type State struct {
	Phase     Phase              `json:"phase"`
	Attempt   uint64             `json:"attempt"`
	Request   *CredentialRequest `json:"request,omitempty"`
	Refresh   RefreshCounter     `json:"refresh"`
	Result    *Result            `json:"result,omitempty"`
	Err       *Error             `json:"-"`
	ChangedAt time.Time          `json:"changed_at"`
}

// Reason returns the failure kind, or "" when the state carries no error.
func (s State) Reason() Kind {
	if s.Err == nil {
		return ""
	}
	return s.Err.Kind
}

// Message returns the user-facing message for the state, if any.
func (s State) Message() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.UserMessage()
}
