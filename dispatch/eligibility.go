package dispatch

import (
	"sort"

	"github.com/caretide/dispatch/roster"
)

// Scorer orders eligible caregivers for outreach. Implementations are
// injected; the engine treats the ranking as opaque. Rank receives the
// shift plus every caregiver that passed the hard eligibility rules and
// returns the same set ordered best-first.
type Scorer interface {
	Rank(shift *Shift, eligible []roster.Caregiver) []roster.Caregiver
}

// DistanceFirstScorer is the default scorer: it keeps the roster's stable
// ordering, which for imported rosters reflects proximity to the client.
type DistanceFirstScorer struct{}

func (DistanceFirstScorer) Rank(_ *Shift, eligible []roster.Caregiver) []roster.Caregiver {
	out := make([]roster.Caregiver, len(eligible))
	copy(out, eligible)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BuildCandidates applies the hard eligibility rules against a roster
// snapshot, hands survivors to the scorer, and returns the ranked candidate
// rows for the shift. Suppressed caregivers never reach the scorer: anyone
// on leave, missing a required tag, holding a conflicting schedule entry,
// or already in a terminal status for this shift (a prior decline, expiry,
// or withdrawal).
func BuildCandidates(shift *Shift, snap *roster.Snapshot, scorer Scorer, suppressed map[string]CandidateStatus) []Candidate {
	var eligible []roster.Caregiver
	for _, cg := range snap.Caregivers {
		if cg.OnLeave {
			continue
		}
		if !cg.HasTags(shift.RequiredTags) {
			continue
		}
		if snap.HasConflict(cg.ID, shift.StartAt, shift.EndAt) {
			continue
		}
		if st, ok := suppressed[cg.ID]; ok && TerminalStatus(st) {
			continue
		}
		eligible = append(eligible, cg)
	}
	if len(eligible) == 0 {
		return nil
	}

	ranked := scorer.Rank(shift, eligible)
	candidates := make([]Candidate, 0, len(ranked))
	for i, cg := range ranked {
		candidates = append(candidates, Candidate{
			ShiftID:     shift.ID,
			CaregiverID: cg.ID,
			Rank:        i,
			Channel:     cg.Channel,
			Address:     cg.Address,
			Status:      StatusNotYetContacted,
		})
	}
	return candidates
}
