package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caretide/dispatch/audit"
	"github.com/caretide/dispatch/config"
	"github.com/caretide/dispatch/errors"
	"github.com/caretide/dispatch/gateway"
	"github.com/caretide/dispatch/roster"
)

// Engine is the dispatch service. It routes every external stimulus
// (operator commands, inbound replies, delivery receipts, timers) to the
// owning shift's worker goroutine and owns worker lifecycle.
type Engine struct {
	store     *Store
	audits    *audit.Store
	roster    *roster.Store
	messenger gateway.Messenger
	escalator *Escalator
	scorer    Scorer
	log       *zap.SugaredLogger

	cfgMu      sync.RWMutex
	outreach   config.OutreachConfig
	escalation config.EscalationConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*shiftWorker
	wg      sync.WaitGroup
}

func NewEngine(db *sql.DB, messenger gateway.Messenger, scorer Scorer, cfg *config.Config, log *zap.SugaredLogger) *Engine {
	audits := audit.NewStore(db)
	if scorer == nil {
		scorer = DistanceFirstScorer{}
	}
	e := &Engine{
		store:     NewStore(db),
		audits:    audits,
		roster:    roster.NewStore(db),
		messenger: messenger,
		escalator: NewEscalator(messenger, audits, cfg.Escalation.DispatcherTarget, log),
		scorer:    scorer,
		log:       log,
		workers:   make(map[string]*shiftWorker),
	}
	e.outreach = cfg.Outreach
	e.escalation = cfg.Escalation
	return e
}

// Audits exposes the audit store for the HTTP layer and CLI.
func (e *Engine) Audits() *audit.Store { return e.audits }

// ShiftStore exposes read access to shifts for the HTTP layer and CLI.
func (e *Engine) ShiftStore() *Store { return e.store }

// Roster exposes the roster store.
func (e *Engine) Roster() *roster.Store { return e.roster }

// Start spins the engine up and re-adopts every shift that still has work
// pending: open shifts resume outreach (candidates, waves, decisions, and
// seen reply ids are rebuilt from the store and the audit trail, and wave
// deadlines that passed while down fire immediately), and unfilled shifts
// without a decision get their fill deadline re-armed.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	open, err := e.store.ListShiftsByState(e.ctx, StateOpen)
	if err != nil {
		return errors.Wrap(err, "list open shifts for recovery")
	}
	for _, sh := range open {
		if _, err := e.adoptWorker(sh); err != nil {
			e.log.Errorw("Failed to adopt shift", "shift_id", sh.ID, "error", err)
			continue
		}
		e.log.Infow("Re-adopted open shift", "shift_id", sh.ID)
	}

	// Unfilled shifts without a decision still owe a timed-out decision at
	// their fill deadline. Re-adopting them re-arms that deadline; past
	// deadlines fire immediately.
	unfilled, err := e.store.ListShiftsByState(e.ctx, StateUnfilled)
	if err != nil {
		return errors.Wrap(err, "list unfilled shifts for recovery")
	}
	adopted := len(open)
	for _, sh := range unfilled {
		d, err := e.store.GetDecision(e.ctx, sh.ID)
		if err != nil {
			e.log.Errorw("Failed to read decision during recovery", "shift_id", sh.ID, "error", err)
			continue
		}
		if d != nil {
			continue
		}
		if _, err := e.adoptWorker(sh); err != nil {
			e.log.Errorw("Failed to adopt shift", "shift_id", sh.ID, "error", err)
			continue
		}
		adopted++
		e.log.Infow("Re-adopted unfilled shift awaiting its fill deadline", "shift_id", sh.ID)
	}
	e.log.Infow("Dispatch engine started", "adopted_shifts", adopted)
	return nil
}

// Stop cancels all workers and waits for them and any in-flight sends.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.log.Info("Dispatch engine stopped")
}

// ApplyConfig picks up reloaded outreach and escalation settings. Running
// waves keep the parameters they were opened with; the next wave uses the
// new values.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.cfgMu.Lock()
	e.outreach = cfg.Outreach
	e.escalation = cfg.Escalation
	e.cfgMu.Unlock()
	e.log.Infow("Dispatch config applied",
		"wave_size", cfg.Outreach.WaveSize,
		"wave_timeout_seconds", cfg.Outreach.WaveTimeoutSeconds)
}

func (e *Engine) outreachConfig() config.OutreachConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.outreach
}

func (e *Engine) escalationConfig() config.EscalationConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.escalation
}

// ShiftSpec is the request to open a new shift.
type ShiftSpec struct {
	ClientID     string    `json:"client_id"`
	StartAt      time.Time `json:"start_at"`
	EndAt        time.Time `json:"end_at"`
	RequiredTags []string  `json:"required_tags"`
	FillDeadline time.Time `json:"fill_deadline"`
	Actor        string    `json:"actor"`
}

// OpenShift creates a shift and begins outreach immediately.
func (e *Engine) OpenShift(ctx context.Context, spec ShiftSpec) (*Shift, error) {
	if spec.ClientID == "" {
		return nil, errors.New("client_id is required")
	}
	if !spec.EndAt.After(spec.StartAt) {
		return nil, errors.New("shift end must be after start")
	}
	if spec.FillDeadline.IsZero() {
		spec.FillDeadline = spec.StartAt
	}
	now := time.Now().UTC()
	sh := &Shift{
		ID:           uuid.NewString(),
		ClientID:     spec.ClientID,
		StartAt:      spec.StartAt,
		EndAt:        spec.EndAt,
		RequiredTags: spec.RequiredTags,
		State:        StateOpen,
		FillDeadline: spec.FillDeadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateShift(ctx, sh); err != nil {
		return nil, err
	}
	if _, err := e.audits.Append(ctx, sh.ID, audit.KindShiftOpened, actorOr(spec.Actor), map[string]any{
		"client_id": sh.ClientID,
		"start_at":  sh.StartAt.Format(time.RFC3339),
	}); err != nil {
		e.log.Errorw("Failed to audit shift open", "shift_id", sh.ID, "error", err)
	}

	e.mu.Lock()
	w := e.spawnWorkerLocked(sh)
	sent := trySend(w.events, evDispatch{shiftID: sh.ID, actor: spec.Actor})
	e.mu.Unlock()
	if !sent {
		return nil, errors.Newf("dispatch queue full for shift %s", sh.ID)
	}
	e.log.Infow("Shift opened", "shift_id", sh.ID, "client_id", sh.ClientID)
	return sh, nil
}

// SubmitReply routes an inbound caregiver reply to the shift it belongs
// to. Replies carrying only a delivery id are resolved against the offer
// that produced it.
func (e *Engine) SubmitReply(ctx context.Context, reply gateway.InboundReply) error {
	if reply.ReplyID == "" {
		return errors.New("reply_id is required")
	}
	if reply.ShiftID == "" || reply.CaregiverID == "" {
		shiftID, caregiverID, err := e.store.FindCandidateByDelivery(ctx, reply.DeliveryID)
		if err != nil {
			return err
		}
		if shiftID == "" {
			return errors.Newf("reply %s cannot be matched to any offer", reply.ReplyID)
		}
		reply.ShiftID = shiftID
		reply.CaregiverID = caregiverID
	}
	if reply.ReceivedAt.IsZero() {
		reply.ReceivedAt = time.Now().UTC()
	}
	return e.deliver(ctx, evReply{shiftID: reply.ShiftID, reply: reply}, false)
}

// SubmitDeliveryConfirmation routes an external delivery receipt.
func (e *Engine) SubmitDeliveryConfirmation(ctx context.Context, conf gateway.DeliveryConfirmation) error {
	if conf.ShiftID == "" {
		shiftID, caregiverID, err := e.store.FindCandidateByDelivery(ctx, conf.DeliveryID)
		if err != nil {
			return err
		}
		if shiftID == "" {
			return errors.Newf("delivery %s is unknown", conf.DeliveryID)
		}
		conf.ShiftID = shiftID
		conf.CaregiverID = caregiverID
	}
	return e.deliver(ctx, evDeliveryConfirm{shiftID: conf.ShiftID, conf: conf}, false)
}

// CancelShift cancels a shift. The command takes the priority lane so it is
// processed ahead of any queued replies.
func (e *Engine) CancelShift(ctx context.Context, shiftID, actor string) error {
	resp := make(chan error, 1)
	if err := e.deliver(ctx, evCancel{shiftID: shiftID, actor: actorOr(actor), resp: resp}, true); err != nil {
		return err
	}
	return e.await(ctx, resp)
}

// ForceAssign resolves a shift manually to the given caregiver.
func (e *Engine) ForceAssign(ctx context.Context, shiftID, caregiverID, actor string) error {
	resp := make(chan error, 1)
	ev := evForceAssign{shiftID: shiftID, caregiverID: caregiverID, actor: actorOr(actor), resp: resp}
	if err := e.deliver(ctx, ev, false); err != nil {
		return err
	}
	return e.await(ctx, resp)
}

// ReopenShift manually moves an unfilled shift back to open, re-running
// eligibility from scratch.
func (e *Engine) ReopenShift(ctx context.Context, shiftID, actor string) error {
	resp := make(chan error, 1)
	if err := e.deliver(ctx, evReopen{shiftID: shiftID, actor: actorOr(actor), resp: resp}, false); err != nil {
		return err
	}
	return e.await(ctx, resp)
}

func (e *Engine) await(ctx context.Context, resp chan error) error {
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// deliver hands an event to the owning worker, spawning one from stored
// state when the shift has no resident worker. Workers retire under the
// same lock after checking their queues, so an event enqueued here is
// never orphaned.
func (e *Engine) deliver(ctx context.Context, ev event, priority bool) error {
	e.mu.Lock()
	w, ok := e.workers[ev.shift()]
	if !ok {
		sh, err := e.store.GetShift(ctx, ev.shift())
		if err != nil {
			e.mu.Unlock()
			return err
		}
		w, err = e.adoptWorkerLocked(sh)
		if err != nil {
			e.mu.Unlock()
			return err
		}
	}
	ch := w.events
	if priority {
		ch = w.priority
	}
	sent := trySend(ch, ev)
	e.mu.Unlock()
	if !sent {
		return errors.Newf("dispatch queue full for shift %s", ev.shift())
	}
	return nil
}

// deliverIfRunning is the timer path: events for shifts whose workers have
// retired are stale and dropped.
func (e *Engine) deliverIfRunning(ev event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[ev.shift()]
	if !ok {
		return
	}
	if !trySend(w.events, ev) {
		e.log.Warnw("Dropping event for saturated shift queue", "shift_id", ev.shift())
	}
}

func trySend(ch chan event, ev event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

func (e *Engine) spawnWorkerLocked(sh *Shift) *shiftWorker {
	w := newShiftWorker(e, sh)
	e.workers[sh.ID] = w
	e.wg.Add(1)
	go w.run()
	return w
}

func (e *Engine) adoptWorker(sh *Shift) (*shiftWorker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adoptWorkerLocked(sh)
}

func (e *Engine) adoptWorkerLocked(sh *Shift) (*shiftWorker, error) {
	w := newShiftWorker(e, sh)
	if err := w.load(e.ctx); err != nil {
		return nil, err
	}
	w.resume()
	e.workers[sh.ID] = w
	e.wg.Add(1)
	go w.run()
	if sh.State == StateOpen && w.currentWave() == nil {
		// Stopped mid-dispatch; pick up where outreach left off.
		trySend(w.events, evDispatch{shiftID: sh.ID})
	}
	return w, nil
}

// retireWorker removes a lingering terminal worker unless events snuck into
// its queues first.
func (e *Engine) retireWorker(w *shiftWorker) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(w.events) > 0 || len(w.priority) > 0 {
		return false
	}
	delete(e.workers, w.shiftID)
	return true
}

func (e *Engine) removeWorker(shiftID string) {
	e.mu.Lock()
	delete(e.workers, shiftID)
	e.mu.Unlock()
}

// afterFunc schedules an event for future delivery. Past instants fire
// immediately.
func (e *Engine) afterFunc(d time.Duration, ev event) {
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() {
		e.deliverIfRunning(ev)
	})
}

// afterFuncDurable schedules an event that must be handled even if the
// shift's worker has retired by the time it fires: the worker is re-adopted
// from stored state instead of the event being dropped.
func (e *Engine) afterFuncDurable(d time.Duration, ev event) {
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() {
		if err := e.deliver(e.ctx, ev, false); err != nil {
			e.log.Warnw("Failed to deliver scheduled event",
				"shift_id", ev.shift(), "error", err)
		}
	})
}

// sendOffer performs the external send off the worker goroutine with
// bounded retry, reporting the outcome back as an event.
func (e *Engine) sendOffer(sh *Shift, c Candidate, deadline time.Time) {
	cfg := e.outreachConfig()
	offer := gateway.Offer{
		ShiftID:     sh.ID,
		CaregiverID: c.CaregiverID,
		Channel:     c.Channel,
		Address:     c.Address,
		ClientID:    sh.ClientID,
		ShiftStart:  sh.StartAt,
		ShiftEnd:    sh.EndAt,
		Deadline:    deadline,
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		backoff := time.Duration(cfg.SendBackoffSeconds) * time.Second
		for attempt := 0; attempt <= cfg.SendRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(backoff << (attempt - 1)):
				case <-e.ctx.Done():
					return
				}
			}
			deliveryID, err := e.messenger.SendOffer(e.ctx, offer)
			if err == nil {
				e.deliverIfRunning(evDeliveryResult{
					shiftID:     sh.ID,
					caregiverID: c.CaregiverID,
					deliveryID:  deliveryID,
				})
				return
			}
			e.log.Warnw("Offer send attempt failed",
				"shift_id", sh.ID, "caregiver_id", c.CaregiverID,
				"attempt", attempt+1, "error", err)
		}
		e.deliverIfRunning(evDeliveryResult{
			shiftID:     sh.ID,
			caregiverID: c.CaregiverID,
			failed:      true,
		})
	}()
}

// sendRejection tells a losing candidate the shift is taken. Best effort.
func (e *Engine) sendRejection(sh *Shift, c Candidate) {
	notice := gateway.Notice{
		Target:  c.Address,
		Subject: fmt.Sprintf("Shift %s has been filled", sh.ID),
		Body: fmt.Sprintf("Thanks for considering the %s shift for client %s. It has been covered.",
			sh.StartAt.Format(time.RFC3339), sh.ClientID),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.messenger.SendNotice(e.ctx, notice); err != nil {
			e.log.Warnw("Failed to send rejection notice",
				"shift_id", sh.ID, "caregiver_id", c.CaregiverID, "error", err)
		}
	}()
}

func actorOr(actor string) string {
	if actor == "" {
		return "operator"
	}
	return actor
}
