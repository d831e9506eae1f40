// Package dispatch implements the shift-filling engine: eligibility
// filtering, wave-based outreach, reply reconciliation, escalation, and the
// per-shift lifecycle state machine. All state mutation for one shift is
// serialized through that shift's worker goroutine (see worker.go).
package dispatch

import (
	"time"
)

// State is a shift's lifecycle state.
type State string

const (
	// StateOpen accepts offers and replies.
	StateOpen State = "open"
	// StateFilled is terminal: a decision with a winner was recorded.
	StateFilled State = "filled"
	// StateUnfilled is terminal until manually reopened: all waves were
	// exhausted without an acceptance.
	StateUnfilled State = "unfilled"
	// StateCancelled is terminal: the shift was cancelled externally and
	// all in-flight offers are void.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state accepts no further dispatch activity.
// StateUnfilled counts as terminal even though a manual reopen can leave it.
func (s State) Terminal() bool {
	return s == StateFilled || s == StateUnfilled || s == StateCancelled
}

// canTransition encodes the lifecycle edges. unfilled -> open (manual
// reopen) and filled -> open (winner withdrawal) are the only backward
// edges; everything else is forward-only.
func canTransition(from, to State) bool {
	switch from {
	case StateOpen:
		return to == StateFilled || to == StateUnfilled || to == StateCancelled
	case StateUnfilled:
		return to == StateOpen || to == StateCancelled
	case StateFilled:
		return to == StateOpen // winner withdrew
	default:
		return false
	}
}

// Shift is one unit of care coverage needing a caregiver. Owned exclusively
// by its worker; mutated only through state transitions; never deleted.
type Shift struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	StartAt      time.Time `json:"start_at"`
	EndAt        time.Time `json:"end_at"`
	RequiredTags []string  `json:"required_tags"`
	State        State     `json:"state"`
	FillDeadline time.Time `json:"fill_deadline"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Urgent reports whether the fill deadline is close enough to select the
// broader simultaneous-offer wave policy.
func (s *Shift) Urgent(now time.Time, threshold time.Duration) bool {
	return s.FillDeadline.Sub(now) < threshold
}

// Reason explains how a shift's decision was resolved.
type Reason string

const (
	ReasonAccepted       Reason = "accepted"
	ReasonTimedOut       Reason = "timed-out"
	ReasonCancelled      Reason = "cancelled"
	ReasonManualOverride Reason = "manual-override"
)

// Decision is the terminal outcome recorded for a shift. Written once; the
// only path that removes one is a winner withdrawal or a manual reopen,
// both of which audit the invalidation.
type Decision struct {
	ShiftID   string    `json:"shift_id"`
	WinnerID  string    `json:"winner_id,omitempty"` // empty when no caregiver won
	Reason    Reason    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}
