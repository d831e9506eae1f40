package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/caretide/dispatch/audit"
	"github.com/caretide/dispatch/gateway"
)

// handleReply reconciles one inbound caregiver reply. Replies are
// idempotent per reply id: a redelivered reply audits a duplicate and
// changes nothing. First-committed-wins is a consequence of ordering, not
// locking: whichever accept this goroutine processes first writes the
// decision, and every later accept is too late.
func (w *shiftWorker) handleReply(ctx context.Context, ev evReply) {
	r := ev.reply
	if _, dup := w.seenReplies[r.ReplyID]; dup {
		w.audit(ctx, audit.KindReplyDuplicate, r.CaregiverID, map[string]any{
			"reply_id": r.ReplyID,
		})
		return
	}
	w.seenReplies[r.ReplyID] = struct{}{}

	w.audit(ctx, audit.KindReplyReceived, r.CaregiverID, map[string]any{
		"reply_id": r.ReplyID,
		"intent":   r.Intent,
	})

	intent, ok := gateway.ParseIntent(r.Intent)
	if !ok {
		w.audit(ctx, audit.KindReplyUnparseable, r.CaregiverID, map[string]any{
			"reply_id": r.ReplyID,
			"raw":      r.Intent,
		})
		return
	}

	c, known := w.candidates[r.CaregiverID]
	if !known {
		w.tooLate(ctx, r.CaregiverID, "caregiver was never a candidate for this shift")
		return
	}

	now := time.Now().UTC()
	switch intent {
	case gateway.IntentAccept:
		w.handleAccept(ctx, c, now)
	case gateway.IntentDecline:
		w.handleDecline(ctx, c, now)
	case gateway.IntentWithdraw:
		w.handleWithdraw(ctx, c, now)
	}
}

func (w *shiftWorker) tooLate(ctx context.Context, caregiverID, reason string) {
	w.audit(ctx, audit.KindReplyTooLate, caregiverID, map[string]any{
		"caregiver_id": caregiverID,
		"reason":       reason,
	})
}

func (w *shiftWorker) handleAccept(ctx context.Context, c *Candidate, now time.Time) {
	if w.sh.State != StateOpen || c.Status != StatusOffered {
		w.tooLate(ctx, c.CaregiverID, w.lateReason(c))
		return
	}

	if err := w.eng.store.SetCandidateStatus(ctx, w.shiftID, c.CaregiverID, StatusAccepted, now); err != nil {
		w.eng.log.Errorw("Failed to accept candidate",
			"shift_id", w.shiftID, "caregiver_id", c.CaregiverID, "error", err)
		return
	}
	c.Status = StatusAccepted
	w.audit(ctx, audit.KindCandidateAccepted, c.CaregiverID, map[string]any{
		"caregiver_id": c.CaregiverID,
		"wave":         c.WaveOrdinal,
	})

	if !w.writeDecision(ctx, Decision{
		ShiftID:   w.shiftID,
		WinnerID:  c.CaregiverID,
		Reason:    ReasonAccepted,
		DecidedAt: now,
	}, c.CaregiverID) {
		return
	}
	if err := w.transition(ctx, StateFilled, now); err != nil {
		w.eng.log.Errorw("Failed to mark shift filled", "shift_id", w.shiftID, "error", err)
		return
	}
	w.audit(ctx, audit.KindShiftFilled, "engine", map[string]any{
		"winner_id": c.CaregiverID,
	})
	if wave := w.currentWave(); wave != nil {
		w.closeWave(ctx, wave, "filled")
	}
	w.notifyLosers(ctx, c.CaregiverID)
}

func (w *shiftWorker) handleDecline(ctx context.Context, c *Candidate, now time.Time) {
	if w.sh.State != StateOpen || c.Status != StatusOffered {
		w.tooLate(ctx, c.CaregiverID, w.lateReason(c))
		return
	}
	if err := w.eng.store.SetCandidateStatus(ctx, w.shiftID, c.CaregiverID, StatusDeclined, now); err != nil {
		w.eng.log.Errorw("Failed to decline candidate",
			"shift_id", w.shiftID, "caregiver_id", c.CaregiverID, "error", err)
		return
	}
	c.Status = StatusDeclined
	w.audit(ctx, audit.KindCandidateDeclined, c.CaregiverID, map[string]any{
		"caregiver_id": c.CaregiverID,
		"wave":         c.WaveOrdinal,
	})
	w.advanceIfWaveResolved(ctx)
}

// handleWithdraw lets a committed winner back out. The decision is
// invalidated, the shift reopens, and outreach resumes from the next
// caregivers in rank order. Candidates who already declined, expired, or
// withdrew are never re-contacted.
func (w *shiftWorker) handleWithdraw(ctx context.Context, c *Candidate, now time.Time) {
	if c.Status != StatusAccepted || w.decision == nil || w.decision.WinnerID != c.CaregiverID {
		w.tooLate(ctx, c.CaregiverID, "withdrawal from a caregiver who is not the committed winner")
		return
	}

	if err := w.eng.store.SetCandidateStatus(ctx, w.shiftID, c.CaregiverID, StatusWithdrawn, now); err != nil {
		w.eng.log.Errorw("Failed to withdraw candidate",
			"shift_id", w.shiftID, "caregiver_id", c.CaregiverID, "error", err)
		return
	}
	c.Status = StatusWithdrawn
	w.audit(ctx, audit.KindCandidateWithdrawn, c.CaregiverID, map[string]any{
		"caregiver_id": c.CaregiverID,
	})
	w.invalidateDecision(ctx, c.CaregiverID, "winner withdrew")

	if err := w.transition(ctx, StateOpen, now); err != nil {
		w.eng.log.Errorw("Failed to reopen shift after withdrawal", "shift_id", w.shiftID, "error", err)
		return
	}
	w.audit(ctx, audit.KindShiftReopened, "engine", map[string]any{
		"reason": "winner withdrew",
	})

	// Losers of the decided race were told the shift was filled; expire
	// them rather than reviving offers they were told to ignore.
	for _, id := range w.order {
		other := w.candidates[id]
		if other.Status != StatusOffered {
			continue
		}
		if err := w.eng.store.SetCandidateStatus(ctx, w.shiftID, other.CaregiverID, StatusExpired, now); err != nil {
			w.eng.log.Errorw("Failed to expire superseded candidate",
				"shift_id", w.shiftID, "caregiver_id", other.CaregiverID, "error", err)
			continue
		}
		other.Status = StatusExpired
		w.audit(ctx, audit.KindCandidateExpired, "engine", map[string]any{
			"caregiver_id": other.CaregiverID,
			"reason":       "superseded by earlier decision",
		})
	}

	w.openNextWave(ctx)
}

func (w *shiftWorker) lateReason(c *Candidate) string {
	switch {
	case w.sh.State == StateFilled:
		return "shift already filled"
	case w.sh.State == StateCancelled:
		return "shift was cancelled"
	case w.sh.State == StateUnfilled:
		return "shift already went unfilled"
	case c.Status == StatusExpired:
		return "offer expired"
	case c.Status == StatusDeclined:
		return "candidate previously declined"
	case c.Status == StatusWithdrawn:
		return "candidate previously withdrew"
	case c.Status == StatusAccepted:
		return "candidate already accepted"
	default:
		return fmt.Sprintf("candidate status is %s", c.Status)
	}
}

// notifyLosers sends a courteous rejection to every candidate still holding
// an open offer once a winner is committed. Their status does not change
// while the decision stands.
func (w *shiftWorker) notifyLosers(ctx context.Context, winnerID string) {
	for _, id := range w.order {
		c := w.candidates[id]
		if c.CaregiverID == winnerID || c.Status != StatusOffered {
			continue
		}
		w.audit(ctx, audit.KindRejectionNotice, "engine", map[string]any{
			"caregiver_id": c.CaregiverID,
		})
		w.eng.sendRejection(w.sh, *c)
	}
}
