// Package audit is the append-only record of everything the dispatch engine
// does: every offer, reply, wave transition, decision, and escalation. State
// can be derived by folding a shift's entries in order, which is how replay
// and invariant verification work.
package audit

import (
	"encoding/json"
	"time"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindShiftOpened    Kind = "shift_opened"
	KindShiftFilled    Kind = "shift_filled"
	KindShiftUnfilled  Kind = "shift_unfilled"
	KindShiftCancelled Kind = "shift_cancelled"
	KindShiftReopened  Kind = "shift_reopened"

	KindWaveOpened     Kind = "wave_opened"
	KindWaveClosed     Kind = "wave_closed"
	KindWavesExhausted Kind = "waves_exhausted"

	KindOfferSent           Kind = "offer_sent"
	KindOfferDeliveryFailed Kind = "offer_delivery_failed"
	KindDeliveryConfirmed   Kind = "delivery_confirmed"

	KindReplyReceived    Kind = "reply_received"
	KindReplyTooLate     Kind = "reply_too_late"
	KindReplyDuplicate   Kind = "reply_duplicate"
	KindReplyUnparseable Kind = "reply_unparseable"

	KindCandidateAccepted  Kind = "candidate_accepted"
	KindCandidateDeclined  Kind = "candidate_declined"
	KindCandidateExpired   Kind = "candidate_expired"
	KindCandidateWithdrawn Kind = "candidate_withdrawn"
	KindRejectionNotice    Kind = "candidate_rejected_notice"

	KindDecisionRecorded    Kind = "decision_recorded"
	KindDecisionInvalidated Kind = "decision_invalidated"

	KindEscalationFired Kind = "escalation_fired"
)

// Entry is one append-only audit record. Seq is monotonic per shift and
// assigned in the order events acquired the per-shift critical section, so
// the (ShiftID, Seq) order is the authoritative account of what happened.
type Entry struct {
	ShiftID   string          `json:"shift_id"`
	Seq       int64           `json:"seq"`
	Kind      Kind            `json:"kind"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
