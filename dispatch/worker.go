package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/caretide/dispatch/audit"
	"github.com/caretide/dispatch/errors"
	"github.com/caretide/dispatch/roster"
)

// workerLinger is how long a worker for a terminal shift stays resident to
// absorb late replies before retiring. A reply arriving after retirement
// just spawns a fresh worker from stored state.
const workerLinger = 30 * time.Second

// shiftWorker owns one shift. Every mutation of the shift, its candidates,
// waves, and decision happens on this goroutine, which is the engine's
// whole concurrency story: no locks, one writer per shift.
type shiftWorker struct {
	eng      *Engine
	shiftID  string
	events   chan event
	priority chan event

	// In-memory view, touched only by run().
	sh          *Shift
	candidates  map[string]*Candidate
	order       []string // caregiver ids by rank
	nextRank    int      // first rank not yet offered
	waves       []Wave
	seenReplies map[string]struct{}
	decision    *Decision
	snap        *roster.Snapshot
	failed      bool
}

func newShiftWorker(eng *Engine, sh *Shift) *shiftWorker {
	return &shiftWorker{
		eng:         eng,
		shiftID:     sh.ID,
		events:      make(chan event, 128),
		priority:    make(chan event, 16),
		sh:          sh,
		candidates:  make(map[string]*Candidate),
		seenReplies: make(map[string]struct{}),
	}
}

// load rebuilds the in-memory view from the store and the audit trail. Used
// when adopting a shift that already has history (startup recovery, late
// replies after retirement).
func (w *shiftWorker) load(ctx context.Context) error {
	candidates, err := w.eng.store.ListCandidates(ctx, w.shiftID)
	if err != nil {
		return err
	}
	w.order = w.order[:0]
	for i := range candidates {
		c := candidates[i]
		w.candidates[c.CaregiverID] = &c
		w.order = append(w.order, c.CaregiverID)
		if c.Status != StatusNotYetContacted && c.Rank >= w.nextRank {
			w.nextRank = c.Rank + 1
		}
	}

	w.waves, err = w.eng.store.ListWaves(ctx, w.shiftID)
	if err != nil {
		return err
	}
	w.decision, err = w.eng.store.GetDecision(ctx, w.shiftID)
	if err != nil {
		return err
	}

	// Reply ids and already-fired escalations come from the audit trail.
	entries, err := w.eng.audits.Stream(ctx, w.shiftID)
	if err != nil {
		return err
	}
	var triggers []EscalationTrigger
	for _, entry := range entries {
		switch entry.Kind {
		case audit.KindReplyReceived, audit.KindReplyDuplicate:
			if id := payloadString(entry.Payload, "reply_id"); id != "" {
				w.seenReplies[id] = struct{}{}
			}
		case audit.KindEscalationFired:
			if t := payloadString(entry.Payload, "trigger"); t != "" {
				triggers = append(triggers, EscalationTrigger(t))
			}
		}
	}
	w.eng.escalator.Restore(w.shiftID, triggers)

	// Contact addresses are not persisted with candidates; resolve them
	// from the roster when the shift is still live.
	if !w.sh.State.Terminal() {
		snap, err := w.eng.roster.Snapshot(ctx)
		if err != nil {
			return err
		}
		w.snap = snap
		for id, c := range w.candidates {
			if cg, ok := snap.Lookup(id); ok {
				c.Address = cg.Address
			}
		}
	}
	return nil
}

// resume re-arms timers for an adopted shift: the current wave deadline,
// the age-threshold check, and the fill deadline. Deadlines already in the
// past fire immediately so missed work is caught up in order.
func (w *shiftWorker) resume() {
	switch w.sh.State {
	case StateOpen:
		if wave := w.currentWave(); wave != nil {
			w.armWaveDeadline(wave)
		}
		w.armShiftTimers()
	case StateUnfilled:
		// An unfilled shift still owes its timed-out decision once the
		// fill deadline passes (unless it is reopened first).
		if w.decision == nil {
			w.eng.afterFuncDurable(time.Until(w.sh.FillDeadline), evFillDeadline{shiftID: w.shiftID})
		}
	}
}

func (w *shiftWorker) run() {
	defer w.eng.wg.Done()
	for {
		// Cancellation and other operator commands jump the queue.
		select {
		case ev := <-w.priority:
			w.handle(ev)
			continue
		default:
		}

		if w.failed {
			w.eng.removeWorker(w.shiftID)
			return
		}

		if w.sh.State.Terminal() {
			select {
			case ev := <-w.priority:
				w.handle(ev)
			case ev := <-w.events:
				w.handle(ev)
			case <-time.After(workerLinger):
				if w.eng.retireWorker(w) {
					return
				}
			case <-w.eng.ctx.Done():
				return
			}
			continue
		}

		select {
		case ev := <-w.priority:
			w.handle(ev)
		case ev := <-w.events:
			w.handle(ev)
		case <-w.eng.ctx.Done():
			return
		}
	}
}

func (w *shiftWorker) handle(ev event) {
	ctx := w.eng.ctx
	switch e := ev.(type) {
	case evDispatch:
		w.handleDispatch(ctx, e)
	case evReply:
		w.handleReply(ctx, e)
	case evDeliveryResult:
		w.handleDeliveryResult(ctx, e)
	case evDeliveryConfirm:
		w.handleDeliveryConfirm(ctx, e)
	case evWaveDeadline:
		w.handleWaveDeadline(ctx, e)
	case evAgeCheck:
		w.handleAgeCheck(ctx)
	case evFillDeadline:
		w.handleFillDeadline(ctx)
	case evCancel:
		e.resp <- w.handleCancel(ctx, e)
	case evForceAssign:
		e.resp <- w.handleForceAssign(ctx, e)
	case evReopen:
		e.resp <- w.handleReopen(ctx, e)
	default:
		w.eng.log.Warnw("Unknown dispatch event", "shift_id", w.shiftID)
	}
}

// fail halts the worker after an unrecoverable inconsistency. The worker is
// removed so the next event rebuilds a fresh view from the store instead of
// trusting memory that disagrees with it.
func (w *shiftWorker) fail(err error) {
	w.failed = true
	w.eng.log.Errorw("Dispatch worker halted", "shift_id", w.shiftID, "error", err)
}

func (w *shiftWorker) audit(ctx context.Context, kind audit.Kind, actor string, payload map[string]any) {
	if _, err := w.eng.audits.Append(ctx, w.shiftID, kind, actor, payload); err != nil {
		w.eng.log.Errorw("Failed to append audit entry", "shift_id", w.shiftID, "kind", kind, "error", err)
	}
}

func (w *shiftWorker) transition(ctx context.Context, to State, now time.Time) error {
	if err := w.eng.store.TransitionShift(ctx, w.shiftID, w.sh.State, to, now); err != nil {
		return err
	}
	w.sh.State = to
	w.sh.UpdatedAt = now
	return nil
}

func (w *shiftWorker) currentWave() *Wave {
	if len(w.waves) == 0 {
		return nil
	}
	last := &w.waves[len(w.waves)-1]
	if last.Closed {
		return nil
	}
	return last
}

// armShiftTimers schedules the age-threshold check and the fill deadline.
func (w *shiftWorker) armShiftTimers() {
	cfg := w.eng.escalationConfig()
	window := w.sh.StartAt.Sub(w.sh.CreatedAt)
	if window > 0 {
		threshold := w.sh.CreatedAt.Add(time.Duration(cfg.AgeFraction * float64(window)))
		w.eng.afterFunc(time.Until(threshold), evAgeCheck{shiftID: w.shiftID})
	}
	// The fill deadline must outlive the worker: a shift can go unfilled
	// and retire its worker long before the deadline arrives, and the
	// timed-out decision still has to be written when it does.
	w.eng.afterFuncDurable(time.Until(w.sh.FillDeadline), evFillDeadline{shiftID: w.shiftID})
}

func (w *shiftWorker) handleAgeCheck(ctx context.Context) {
	if w.sh.State != StateOpen {
		return
	}
	w.eng.escalator.Fire(ctx, w.sh, TriggerAgeThreshold,
		"Shift has been open past the configured age threshold without an acceptance.")
}

func (w *shiftWorker) handleFillDeadline(ctx context.Context) {
	if w.sh.State != StateUnfilled || w.decision != nil {
		return
	}
	w.writeDecision(ctx, Decision{
		ShiftID:   w.shiftID,
		Reason:    ReasonTimedOut,
		DecidedAt: time.Now().UTC(),
	}, "engine")
}

// writeDecision persists the decision and audits it. A conflict means some
// other path already decided this shift, which the worker treats as fatal
// rather than guessing which record is right.
func (w *shiftWorker) writeDecision(ctx context.Context, d Decision, actor string) bool {
	if err := w.eng.store.CreateDecision(ctx, &d); err != nil {
		if errors.Is(err, errors.ErrDecisionConflict) {
			w.fail(err)
		} else {
			w.eng.log.Errorw("Failed to persist decision", "shift_id", w.shiftID, "error", err)
		}
		return false
	}
	w.decision = &d
	w.audit(ctx, audit.KindDecisionRecorded, actor, map[string]any{
		"winner_id": d.WinnerID,
		"reason":    string(d.Reason),
	})
	return true
}

// invalidateDecision removes an existing decision, auditing why.
func (w *shiftWorker) invalidateDecision(ctx context.Context, actor, reason string) {
	if w.decision == nil {
		return
	}
	if err := w.eng.store.DeleteDecision(ctx, w.shiftID); err != nil {
		w.eng.log.Errorw("Failed to delete decision", "shift_id", w.shiftID, "error", err)
		return
	}
	w.decision = nil
	w.audit(ctx, audit.KindDecisionInvalidated, actor, map[string]any{"reason": reason})
}

func (w *shiftWorker) handleCancel(ctx context.Context, ev evCancel) error {
	if w.sh.State.Terminal() && w.sh.State != StateUnfilled {
		return errors.NewShiftTerminalError(string(w.sh.State), "cancel")
	}
	now := time.Now().UTC()
	if err := w.transition(ctx, StateCancelled, now); err != nil {
		return err
	}
	w.audit(ctx, audit.KindShiftCancelled, ev.actor, nil)
	if wave := w.currentWave(); wave != nil {
		w.closeWave(ctx, wave, "cancelled")
	}
	w.invalidateDecision(ctx, ev.actor, "superseded by cancellation")
	w.writeDecision(ctx, Decision{
		ShiftID:   w.shiftID,
		Reason:    ReasonCancelled,
		DecidedAt: now,
	}, ev.actor)
	return nil
}

func (w *shiftWorker) handleForceAssign(ctx context.Context, ev evForceAssign) error {
	if w.sh.State == StateFilled || w.sh.State == StateCancelled {
		return errors.NewShiftTerminalError(string(w.sh.State), "assign")
	}
	now := time.Now().UTC()

	if w.sh.State == StateUnfilled {
		if err := w.transition(ctx, StateOpen, now); err != nil {
			return err
		}
		w.audit(ctx, audit.KindShiftReopened, ev.actor, map[string]any{"reason": "manual override"})
	}
	w.invalidateDecision(ctx, ev.actor, "superseded by manual override")

	c, ok := w.candidates[ev.caregiverID]
	if !ok {
		snap, err := w.eng.roster.Snapshot(ctx)
		if err != nil {
			return err
		}
		cg, found := snap.Lookup(ev.caregiverID)
		if !found {
			return errors.Newf("caregiver %s is not on the roster", ev.caregiverID)
		}
		c = &Candidate{
			ShiftID:     w.shiftID,
			CaregiverID: cg.ID,
			Rank:        len(w.order),
			Channel:     cg.Channel,
			Address:     cg.Address,
			Status:      StatusNotYetContacted,
		}
		if err := w.eng.store.InsertCandidates(ctx, []Candidate{*c}); err != nil {
			return err
		}
		w.candidates[cg.ID] = c
		w.order = append(w.order, cg.ID)
	}

	if err := w.eng.store.SetCandidateStatus(ctx, w.shiftID, ev.caregiverID, StatusAccepted, now); err != nil {
		return err
	}
	c.Status = StatusAccepted
	w.audit(ctx, audit.KindCandidateAccepted, ev.actor, map[string]any{"caregiver_id": ev.caregiverID})

	if !w.writeDecision(ctx, Decision{
		ShiftID:   w.shiftID,
		WinnerID:  ev.caregiverID,
		Reason:    ReasonManualOverride,
		DecidedAt: now,
	}, ev.actor) {
		return errors.ErrDecisionConflict
	}
	if err := w.transition(ctx, StateFilled, now); err != nil {
		return err
	}
	w.audit(ctx, audit.KindShiftFilled, ev.actor, map[string]any{"winner_id": ev.caregiverID})
	if wave := w.currentWave(); wave != nil {
		w.closeWave(ctx, wave, "manual override")
	}
	w.notifyLosers(ctx, ev.caregiverID)
	return nil
}

func (w *shiftWorker) handleReopen(ctx context.Context, ev evReopen) error {
	if w.sh.State != StateUnfilled {
		if w.sh.State.Terminal() {
			return errors.NewShiftTerminalError(string(w.sh.State), "reopen")
		}
		return errors.NewInvalidTransitionError(string(w.sh.State), string(StateOpen))
	}
	now := time.Now().UTC()
	w.invalidateDecision(ctx, ev.actor, "superseded by manual reopen")
	if err := w.transition(ctx, StateOpen, now); err != nil {
		return err
	}
	w.audit(ctx, audit.KindShiftReopened, ev.actor, nil)

	// Roster and conflicts may have changed while the shift sat unfilled,
	// so eligibility runs from scratch. Prior declines, expiries, and
	// withdrawals stay suppressed.
	w.handleDispatch(ctx, evDispatch{shiftID: w.shiftID, reopen: true, actor: ev.actor})
	return nil
}

func payloadString(raw []byte, key string) string {
	var m map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
