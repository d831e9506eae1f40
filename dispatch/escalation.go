package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caretide/dispatch/audit"
	"github.com/caretide/dispatch/gateway"
)

// EscalationTrigger names the condition that raised a dispatcher alert.
type EscalationTrigger string

const (
	// TriggerLastWaveNoAccept fires when the final wave closes with no
	// acceptance, just before the shift goes unfilled.
	TriggerLastWaveNoAccept EscalationTrigger = "last_wave_no_accept"
	// TriggerAgeThreshold fires when a shift has stayed open past the
	// configured fraction of the window between creation and start.
	TriggerAgeThreshold EscalationTrigger = "age_threshold"
	// TriggerUnfilled fires whenever a shift reaches the unfilled state.
	TriggerUnfilled EscalationTrigger = "unfilled"
)

// Escalator notifies the human dispatcher queue. Firing is idempotent per
// shift and trigger: re-evaluating a condition that already escalated is a
// no-op, which lets workers call Fire without tracking what they sent.
type Escalator struct {
	messenger gateway.Messenger
	audits    *audit.Store
	target    string
	log       *zap.SugaredLogger

	mu    sync.Mutex
	fired map[string]struct{} // shiftID + "/" + trigger
}

func NewEscalator(messenger gateway.Messenger, audits *audit.Store, target string, log *zap.SugaredLogger) *Escalator {
	return &Escalator{
		messenger: messenger,
		audits:    audits,
		target:    target,
		log:       log,
		fired:     make(map[string]struct{}),
	}
}

// Restore seeds the idempotence set from replayed audit entries so a
// restart does not re-alert for conditions already escalated.
func (e *Escalator) Restore(shiftID string, triggers []EscalationTrigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range triggers {
		e.fired[shiftID+"/"+string(t)] = struct{}{}
	}
}

// Fire escalates a shift for the given trigger. The audit entry is written
// synchronously so it lands in per-shift order; the notice itself goes out
// on a separate goroutine because the messenger may block on rate limits.
func (e *Escalator) Fire(ctx context.Context, shift *Shift, trigger EscalationTrigger, detail string) {
	key := shift.ID + "/" + string(trigger)
	e.mu.Lock()
	if _, done := e.fired[key]; done {
		e.mu.Unlock()
		return
	}
	e.fired[key] = struct{}{}
	e.mu.Unlock()

	if _, err := e.audits.Append(ctx, shift.ID, audit.KindEscalationFired, "escalator", map[string]any{
		"trigger": string(trigger),
		"detail":  detail,
	}); err != nil {
		e.log.Errorw("Failed to audit escalation", "shift_id", shift.ID, "trigger", trigger, "error", err)
	}

	notice := gateway.Notice{
		Target:  e.target,
		Subject: fmt.Sprintf("Shift %s needs attention (%s)", shift.ID, trigger),
		Body: fmt.Sprintf("Client %s, %s to %s. %s",
			shift.ClientID,
			shift.StartAt.Format(time.RFC3339),
			shift.EndAt.Format(time.RFC3339),
			detail),
	}
	go func() {
		if err := e.messenger.SendNotice(context.WithoutCancel(ctx), notice); err != nil {
			e.log.Errorw("Failed to send escalation notice", "shift_id", shift.ID, "trigger", trigger, "error", err)
		}
	}()
}
