package dispatch

import (
	"time"

	"github.com/caretide/dispatch/roster"
)

// CandidateStatus tracks one caregiver's position in a shift's outreach.
type CandidateStatus string

const (
	StatusNotYetContacted CandidateStatus = "not_yet_contacted"
	StatusOffered         CandidateStatus = "offered"
	StatusAccepted        CandidateStatus = "accepted"
	StatusDeclined        CandidateStatus = "declined"
	StatusExpired         CandidateStatus = "expired"
	StatusWithdrawn       CandidateStatus = "withdrawn"
)

// TerminalStatus reports whether the candidate can never be contacted again
// for this shift.
func TerminalStatus(s CandidateStatus) bool {
	switch s {
	case StatusDeclined, StatusExpired, StatusWithdrawn:
		return true
	}
	return false
}

// Candidate pairs a caregiver with a shift. Rank preserves the scorer's
// ordering so outreach order survives a restart.
type Candidate struct {
	ShiftID     string          `json:"shift_id"`
	CaregiverID string          `json:"caregiver_id"`
	Rank        int             `json:"rank"`
	Channel     roster.Channel  `json:"channel"`
	Address     string          `json:"-"`
	Status      CandidateStatus `json:"status"`
	WaveOrdinal int             `json:"wave_ordinal"` // 0 until first offered
	DeliveryID  string          `json:"delivery_id,omitempty"`
	OfferedAt   time.Time       `json:"offered_at,omitzero"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Wave is one batch of simultaneous offers with a shared deadline. Ordinals
// start at 1 and deadlines are strictly increasing per shift.
type Wave struct {
	ShiftID  string    `json:"shift_id"`
	Ordinal  int       `json:"ordinal"`
	OpenedAt time.Time `json:"opened_at"`
	Deadline time.Time `json:"deadline"`
	Closed   bool      `json:"closed"`
}
