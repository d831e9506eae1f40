package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caretide/dispatch/audit"
	"github.com/caretide/dispatch/errors"
)

// handleDispatch runs the eligibility filter and opens the first wave. It
// is a no-op while a wave is already in flight, which makes it safe to
// replay during startup recovery: re-dispatching an adopted shift simply
// continues from wherever outreach left off.
func (w *shiftWorker) handleDispatch(ctx context.Context, ev evDispatch) {
	if w.sh.State != StateOpen || w.currentWave() != nil {
		return
	}

	snap, err := w.eng.roster.Snapshot(ctx)
	if err != nil {
		w.eng.log.Errorw("Failed to load roster snapshot", "shift_id", w.shiftID, "error", err)
		return
	}
	w.snap = snap

	suppressed := make(map[string]CandidateStatus, len(w.candidates))
	for id, c := range w.candidates {
		suppressed[id] = c.Status
	}

	var fresh []Candidate
	for _, c := range BuildCandidates(w.sh, snap, w.eng.scorer, suppressed) {
		if _, exists := w.candidates[c.CaregiverID]; exists {
			continue
		}
		c.Rank = len(w.order) + len(fresh)
		fresh = append(fresh, c)
	}
	if len(fresh) > 0 {
		if err := w.eng.store.InsertCandidates(ctx, fresh); err != nil {
			w.eng.log.Errorw("Failed to persist candidates", "shift_id", w.shiftID, "error", err)
			return
		}
		for i := range fresh {
			c := fresh[i]
			w.candidates[c.CaregiverID] = &c
			w.order = append(w.order, c.CaregiverID)
		}
	}

	w.armShiftTimers()
	w.openNextWave(ctx)
}

// openNextWave offers the next batch of candidates. An empty batch means
// the ranked sequence is exhausted: the shift goes unfilled and the
// dispatcher is alerted.
func (w *shiftWorker) openNextWave(ctx context.Context) {
	if w.sh.State != StateOpen {
		return
	}
	cfg := w.eng.outreachConfig()
	now := time.Now().UTC()

	size := cfg.WaveSize
	if w.sh.Urgent(now, time.Duration(cfg.UrgentThresholdMinutes)*time.Minute) {
		size = cfg.UrgentWaveSize
	}

	var batch []*Candidate
	for w.nextRank < len(w.order) && len(batch) < size {
		c := w.candidates[w.order[w.nextRank]]
		w.nextRank++
		if c.Status != StatusNotYetContacted {
			continue
		}
		batch = append(batch, c)
	}

	if len(batch) == 0 {
		if len(w.order) == 0 {
			w.eng.log.Warnw("Shift has no eligible caregivers",
				"shift_id", w.shiftID, "error", errors.ErrNoEligibleCandidates)
		}
		w.audit(ctx, audit.KindWavesExhausted, "engine", map[string]any{
			"waves": len(w.waves),
		})
		w.eng.escalator.Fire(ctx, w.sh, TriggerLastWaveNoAccept, w.candidateHistory())
		w.goUnfilled(ctx)
		return
	}

	deadline := now.Add(time.Duration(cfg.WaveTimeoutSeconds) * time.Second)
	if len(w.waves) > 0 {
		// Deadlines are strictly increasing per shift.
		if prev := w.waves[len(w.waves)-1].Deadline; !deadline.After(prev) {
			deadline = prev.Add(time.Second)
		}
	}
	wave := Wave{
		ShiftID:  w.shiftID,
		Ordinal:  len(w.waves) + 1,
		OpenedAt: now,
		Deadline: deadline,
	}
	if err := w.eng.store.CreateWave(ctx, &wave); err != nil {
		w.eng.log.Errorw("Failed to persist wave", "shift_id", w.shiftID, "error", err)
		return
	}
	w.waves = append(w.waves, wave)
	w.audit(ctx, audit.KindWaveOpened, "engine", map[string]any{
		"wave":     wave.Ordinal,
		"size":     len(batch),
		"deadline": deadline.Format(time.RFC3339),
	})

	for _, c := range batch {
		if err := w.eng.store.MarkOffered(ctx, w.shiftID, c.CaregiverID, wave.Ordinal, now); err != nil {
			w.eng.log.Errorw("Failed to mark candidate offered",
				"shift_id", w.shiftID, "caregiver_id", c.CaregiverID, "error", err)
			continue
		}
		c.Status = StatusOffered
		c.WaveOrdinal = wave.Ordinal
		c.OfferedAt = now
		w.audit(ctx, audit.KindOfferSent, "engine", map[string]any{
			"caregiver_id": c.CaregiverID,
			"wave":         wave.Ordinal,
			"channel":      string(c.Channel),
		})
		// The actual send happens off this goroutine; the result comes
		// back as an event.
		w.eng.sendOffer(w.sh, *c, deadline)
	}

	w.armWaveDeadline(&wave)
}

func (w *shiftWorker) armWaveDeadline(wave *Wave) {
	ordinal := wave.Ordinal
	w.eng.afterFunc(time.Until(wave.Deadline), evWaveDeadline{shiftID: w.shiftID, ordinal: ordinal})
}

// handleWaveDeadline expires every candidate still waiting in the wave and
// advances to the next one. Stale deadlines are ignored.
func (w *shiftWorker) handleWaveDeadline(ctx context.Context, ev evWaveDeadline) {
	if w.sh.State != StateOpen {
		return
	}
	wave := w.currentWave()
	if wave == nil || wave.Ordinal != ev.ordinal {
		return
	}
	now := time.Now().UTC()
	for _, id := range w.order {
		c := w.candidates[id]
		if c.WaveOrdinal != wave.Ordinal || c.Status != StatusOffered {
			continue
		}
		if err := w.eng.store.SetCandidateStatus(ctx, w.shiftID, c.CaregiverID, StatusExpired, now); err != nil {
			w.eng.log.Errorw("Failed to expire candidate",
				"shift_id", w.shiftID, "caregiver_id", c.CaregiverID, "error", err)
			continue
		}
		c.Status = StatusExpired
		w.audit(ctx, audit.KindCandidateExpired, "engine", map[string]any{
			"caregiver_id": c.CaregiverID,
			"wave":         wave.Ordinal,
		})
	}
	w.closeWave(ctx, wave, "deadline")
	w.openNextWave(ctx)
}

func (w *shiftWorker) closeWave(ctx context.Context, wave *Wave, reason string) {
	if err := w.eng.store.CloseWave(ctx, w.shiftID, wave.Ordinal); err != nil {
		w.eng.log.Errorw("Failed to close wave", "shift_id", w.shiftID, "wave", wave.Ordinal, "error", err)
	}
	wave.Closed = true
	w.audit(ctx, audit.KindWaveClosed, "engine", map[string]any{
		"wave":   wave.Ordinal,
		"reason": reason,
	})
}

// advanceIfWaveResolved closes the current wave early when no offer in it
// is still pending, so a wave full of declines does not sit idle until its
// deadline.
func (w *shiftWorker) advanceIfWaveResolved(ctx context.Context) {
	wave := w.currentWave()
	if wave == nil {
		return
	}
	for _, c := range w.candidates {
		if c.WaveOrdinal == wave.Ordinal && c.Status == StatusOffered {
			return
		}
	}
	w.closeWave(ctx, wave, "resolved")
	w.openNextWave(ctx)
}

// handleDeliveryResult records the outcome of an asynchronous offer send.
// Exhausted retries count the same as a missed deadline for that candidate.
func (w *shiftWorker) handleDeliveryResult(ctx context.Context, ev evDeliveryResult) {
	c, ok := w.candidates[ev.caregiverID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	if ev.failed {
		w.audit(ctx, audit.KindOfferDeliveryFailed, "engine", map[string]any{
			"caregiver_id": ev.caregiverID,
		})
		if c.Status == StatusOffered && w.sh.State == StateOpen {
			if err := w.eng.store.SetCandidateStatus(ctx, w.shiftID, c.CaregiverID, StatusExpired, now); err != nil {
				w.eng.log.Errorw("Failed to expire candidate",
					"shift_id", w.shiftID, "caregiver_id", c.CaregiverID, "error", err)
				return
			}
			c.Status = StatusExpired
			w.audit(ctx, audit.KindCandidateExpired, "engine", map[string]any{
				"caregiver_id": c.CaregiverID,
				"reason":       "delivery failed",
			})
			w.advanceIfWaveResolved(ctx)
		}
		return
	}
	c.DeliveryID = ev.deliveryID
	if err := w.eng.store.SetCandidateDelivery(ctx, w.shiftID, c.CaregiverID, ev.deliveryID, now); err != nil {
		w.eng.log.Errorw("Failed to record delivery id",
			"shift_id", w.shiftID, "caregiver_id", c.CaregiverID, "error", err)
	}
}

func (w *shiftWorker) handleDeliveryConfirm(ctx context.Context, ev evDeliveryConfirm) {
	if !ev.conf.Delivered {
		w.handleDeliveryResult(ctx, evDeliveryResult{
			shiftID:     w.shiftID,
			caregiverID: ev.conf.CaregiverID,
			failed:      true,
		})
		return
	}
	w.audit(ctx, audit.KindDeliveryConfirmed, "gateway", map[string]any{
		"caregiver_id": ev.conf.CaregiverID,
		"delivery_id":  ev.conf.DeliveryID,
	})
}

// goUnfilled moves an open shift to unfilled, alerts the dispatcher, and
// records a timed-out decision when the fill deadline has already passed.
func (w *shiftWorker) goUnfilled(ctx context.Context) {
	now := time.Now().UTC()
	if err := w.transition(ctx, StateUnfilled, now); err != nil {
		w.eng.log.Errorw("Failed to mark shift unfilled", "shift_id", w.shiftID, "error", err)
		return
	}
	w.audit(ctx, audit.KindShiftUnfilled, "engine", nil)
	w.eng.escalator.Fire(ctx, w.sh, TriggerUnfilled, w.candidateHistory())

	if !now.Before(w.sh.FillDeadline) && w.decision == nil {
		w.writeDecision(ctx, Decision{
			ShiftID:   w.shiftID,
			Reason:    ReasonTimedOut,
			DecidedAt: now,
		}, "engine")
	}
}

// candidateHistory is the outreach summary attached to dispatcher alerts.
func (w *shiftWorker) candidateHistory() string {
	if len(w.order) == 0 {
		return "No eligible caregivers were found."
	}
	parts := make([]string, 0, len(w.order))
	for _, id := range w.order {
		parts = append(parts, fmt.Sprintf("%s: %s", id, w.candidates[id].Status))
	}
	return "Outreach history: " + strings.Join(parts, ", ") + "."
}
