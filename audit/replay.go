package audit

import (
	"encoding/json"

	"github.com/caretide/dispatch/errors"
)

// ReplayState is the dispatch state reconstructed by folding a shift's
// audit entries in sequence order. It mirrors the live engine state closely
// enough to verify that the audit trail fully explains the outcome.
type ReplayState struct {
	ShiftState      string            `json:"shift_state"`
	CandidateStatus map[string]string `json:"candidate_status"` // caregiver id -> status
	WinnerID        string            `json:"winner_id,omitempty"`
	DecisionReason  string            `json:"decision_reason,omitempty"`
	WavesOpened     int               `json:"waves_opened"`
	Escalations     int               `json:"escalations"`
	LateReplies     int               `json:"late_replies"`
}

// Fold replays entries (which must be in sequence order) into a ReplayState.
func Fold(entries []Entry) (*ReplayState, error) {
	state := &ReplayState{
		CandidateStatus: make(map[string]string),
	}

	for _, entry := range entries {
		payload := map[string]any{}
		if len(entry.Payload) > 0 {
			if err := json.Unmarshal(entry.Payload, &payload); err != nil {
				return nil, errors.Wrapf(err, "malformed payload at seq %d", entry.Seq)
			}
		}
		caregiver, _ := payload["caregiver_id"].(string)

		switch entry.Kind {
		case KindShiftOpened, KindShiftReopened:
			state.ShiftState = "open"
		case KindShiftFilled:
			state.ShiftState = "filled"
		case KindShiftUnfilled:
			state.ShiftState = "unfilled"
		case KindShiftCancelled:
			state.ShiftState = "cancelled"

		case KindWaveOpened:
			state.WavesOpened++

		case KindOfferSent:
			state.CandidateStatus[caregiver] = "offered"
		case KindCandidateAccepted:
			state.CandidateStatus[caregiver] = "accepted"
		case KindCandidateDeclined:
			state.CandidateStatus[caregiver] = "declined"
		case KindCandidateExpired:
			state.CandidateStatus[caregiver] = "expired"
		case KindCandidateWithdrawn:
			state.CandidateStatus[caregiver] = "withdrawn"

		case KindDecisionRecorded:
			if winner, ok := payload["winner_id"].(string); ok {
				state.WinnerID = winner
			}
			if reason, ok := payload["reason"].(string); ok {
				state.DecisionReason = reason
			}
		case KindDecisionInvalidated:
			state.WinnerID = ""
			state.DecisionReason = ""

		case KindReplyTooLate:
			state.LateReplies++

		case KindEscalationFired:
			state.Escalations++
		}
	}

	return state, nil
}
