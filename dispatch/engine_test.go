package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caretide/dispatch/audit"
	"github.com/caretide/dispatch/config"
	"github.com/caretide/dispatch/errors"
	"github.com/caretide/dispatch/gateway"
	caretest "github.com/caretide/dispatch/internal/testing"
	"github.com/caretide/dispatch/roster"
)

const eventually = 3 * time.Second

// scriptMessenger records outbound traffic and exposes offers on a channel
// so tests can react to them like a caregiver would.
type scriptMessenger struct {
	mu      sync.Mutex
	offers  chan gateway.Offer
	notices []gateway.Notice
	failFor map[string]bool
}

func newScriptMessenger() *scriptMessenger {
	return &scriptMessenger{
		offers:  make(chan gateway.Offer, 64),
		failFor: make(map[string]bool),
	}
}

func (m *scriptMessenger) SendOffer(_ context.Context, offer gateway.Offer) (string, error) {
	m.mu.Lock()
	fail := m.failFor[offer.CaregiverID]
	m.mu.Unlock()
	if fail {
		return "", errors.Wrap(errors.ErrDeliveryFailed, "transport rejected send")
	}
	m.offers <- offer
	return uuid.NewString(), nil
}

func (m *scriptMessenger) SendNotice(_ context.Context, notice gateway.Notice) error {
	m.mu.Lock()
	m.notices = append(m.notices, notice)
	m.mu.Unlock()
	return nil
}

func (m *scriptMessenger) noticeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notices)
}

func (m *scriptMessenger) waitOffer(t *testing.T) gateway.Offer {
	t.Helper()
	select {
	case offer := <-m.offers:
		return offer
	case <-time.After(eventually):
		t.Fatal("timed out waiting for an offer")
		return gateway.Offer{}
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Outreach = config.OutreachConfig{
		WaveSize:               1,
		WaveTimeoutSeconds:     600,
		UrgentWaveSize:         3,
		UrgentThresholdMinutes: 120,
		SendRetries:            0,
		SendBackoffSeconds:     1,
	}
	cfg.Escalation = config.EscalationConfig{
		AgeFraction:      0.75,
		DispatcherTarget: "dispatcher@agency.test",
	}
	return cfg
}

func newTestEngine(t *testing.T, conn *sql.DB, cfg *config.Config) (*Engine, *scriptMessenger) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	messenger := newScriptMessenger()
	eng := NewEngine(conn, messenger, nil, cfg, zap.NewNop().Sugar())
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng, messenger
}

func seedCaregivers(t *testing.T, conn *sql.DB, ids ...string) {
	t.Helper()
	store := roster.NewStore(conn)
	for _, id := range ids {
		require.NoError(t, store.UpsertCaregiver(context.Background(), roster.Caregiver{
			ID:      id,
			Name:    id,
			Channel: roster.ChannelSMS,
			Address: "+1555" + id,
			Tags:    []string{"cna"},
		}))
	}
}

func openTestShift(t *testing.T, eng *Engine) *Shift {
	t.Helper()
	start := time.Now().UTC().Add(24 * time.Hour)
	sh, err := eng.OpenShift(context.Background(), ShiftSpec{
		ClientID:     "client-1",
		StartAt:      start,
		EndAt:        start.Add(4 * time.Hour),
		RequiredTags: []string{"cna"},
		FillDeadline: start,
		Actor:        "coordinator",
	})
	require.NoError(t, err)
	return sh
}

func reply(t *testing.T, eng *Engine, shiftID, caregiverID, intent string) {
	t.Helper()
	require.NoError(t, eng.SubmitReply(context.Background(), gateway.InboundReply{
		ReplyID:     uuid.NewString(),
		ShiftID:     shiftID,
		CaregiverID: caregiverID,
		Intent:      intent,
	}))
}

func waitForState(t *testing.T, eng *Engine, shiftID string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		sh, err := eng.ShiftStore().GetShift(context.Background(), shiftID)
		return err == nil && sh.State == want
	}, eventually, 10*time.Millisecond, "shift never reached state %s", want)
}

func auditCount(t *testing.T, eng *Engine, shiftID string, kind audit.Kind) int {
	t.Helper()
	n, err := eng.Audits().CountByKind(context.Background(), shiftID, kind)
	require.NoError(t, err)
	return n
}

func TestAcceptFillsShift(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1", "cg-2")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)
	reply(t, eng, sh.ID, offer.CaregiverID, "accept")

	waitForState(t, eng, sh.ID, StateFilled)

	d, err := eng.ShiftStore().GetDecision(context.Background(), sh.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, offer.CaregiverID, d.WinnerID)
	assert.Equal(t, ReasonAccepted, d.Reason)
}

// Scenario: the first candidate declines within the deadline, so the next
// wave opens immediately and the second candidate fills the shift.
func TestDeclineAdvancesToNextWave(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1", "cg-2")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	first := messenger.waitOffer(t)
	reply(t, eng, sh.ID, first.CaregiverID, "decline")

	second := messenger.waitOffer(t)
	assert.NotEqual(t, first.CaregiverID, second.CaregiverID)
	reply(t, eng, sh.ID, second.CaregiverID, "accept")

	waitForState(t, eng, sh.ID, StateFilled)

	entries, err := eng.Audits().Stream(context.Background(), sh.ID)
	require.NoError(t, err)
	state, err := audit.Fold(entries)
	require.NoError(t, err)
	assert.Equal(t, "filled", state.ShiftState)
	assert.Equal(t, second.CaregiverID, state.WinnerID)
	assert.Equal(t, "declined", state.CandidateStatus[first.CaregiverID])
	assert.Equal(t, 2, state.WavesOpened)
}

// Scenario: two candidates in the same urgent wave both say yes. The first
// processed accept wins; the other is recorded too late and gets a
// rejection notice.
func TestSecondAcceptIsTooLate(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1", "cg-2")
	cfg := testConfig()
	cfg.Outreach.WaveSize = 2
	eng, messenger := newTestEngine(t, conn, cfg)

	sh := openTestShift(t, eng)
	first := messenger.waitOffer(t)
	second := messenger.waitOffer(t)

	reply(t, eng, sh.ID, first.CaregiverID, "accept")
	waitForState(t, eng, sh.ID, StateFilled)
	reply(t, eng, sh.ID, second.CaregiverID, "accept")

	require.Eventually(t, func() bool {
		return auditCount(t, eng, sh.ID, audit.KindReplyTooLate) == 1
	}, eventually, 10*time.Millisecond)

	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindCandidateAccepted))
	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindRejectionNotice))

	candidates, err := eng.ShiftStore().ListCandidates(context.Background(), sh.ID)
	require.NoError(t, err)
	accepted := 0
	for _, c := range candidates {
		if c.Status == StatusAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestConcurrentAcceptsProduceOneWinner(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("cg-%d", i)
	}
	seedCaregivers(t, conn, ids...)
	cfg := testConfig()
	cfg.Outreach.WaveSize = len(ids)
	eng, messenger := newTestEngine(t, conn, cfg)

	sh := openTestShift(t, eng)
	for range ids {
		messenger.waitOffer(t)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(caregiverID string) {
			defer wg.Done()
			reply(t, eng, sh.ID, caregiverID, "accept")
		}(id)
	}
	wg.Wait()

	waitForState(t, eng, sh.ID, StateFilled)
	require.Eventually(t, func() bool {
		return auditCount(t, eng, sh.ID, audit.KindReplyTooLate) == len(ids)-1
	}, eventually, 10*time.Millisecond)

	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindCandidateAccepted))
	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindDecisionRecorded))

	d, err := eng.ShiftStore().GetDecision(context.Background(), sh.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Contains(t, ids, d.WinnerID)
}

func TestDuplicateReplyIsIdempotent(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)

	r := gateway.InboundReply{
		ReplyID:     uuid.NewString(),
		ShiftID:     sh.ID,
		CaregiverID: offer.CaregiverID,
		Intent:      "accept",
	}
	require.NoError(t, eng.SubmitReply(context.Background(), r))
	waitForState(t, eng, sh.ID, StateFilled)
	require.NoError(t, eng.SubmitReply(context.Background(), r))

	require.Eventually(t, func() bool {
		return auditCount(t, eng, sh.ID, audit.KindReplyDuplicate) == 1
	}, eventually, 10*time.Millisecond)
	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindCandidateAccepted))
	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindDecisionRecorded))
}

// Scenario: the first candidate never replies. The wave deadline expires
// the offer, the next candidate accepts, and a late yes from the first is
// recorded without changing the assignment.
func TestDeadlineExpiryThenLateAccept(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1", "cg-2")
	cfg := testConfig()
	cfg.Outreach.WaveTimeoutSeconds = 1
	eng, messenger := newTestEngine(t, conn, cfg)

	sh := openTestShift(t, eng)
	first := messenger.waitOffer(t)
	second := messenger.waitOffer(t) // arrives after the 1s deadline
	assert.NotEqual(t, first.CaregiverID, second.CaregiverID)

	reply(t, eng, sh.ID, second.CaregiverID, "accept")
	waitForState(t, eng, sh.ID, StateFilled)

	reply(t, eng, sh.ID, first.CaregiverID, "accept")
	require.Eventually(t, func() bool {
		return auditCount(t, eng, sh.ID, audit.KindReplyTooLate) == 1
	}, eventually, 10*time.Millisecond)

	d, err := eng.ShiftStore().GetDecision(context.Background(), sh.ID)
	require.NoError(t, err)
	assert.Equal(t, second.CaregiverID, d.WinnerID)
	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindCandidateExpired))
}

// An accept arriving at the exact wave deadline has no privileged order:
// whichever event enters the shift's critical section first wins, and the
// audit trail must agree with the outcome either way.
func TestReplyAtWaveDeadlineResolvedBySerializationOrder(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)

	// Release the deadline event and the accept at the same instant.
	start := make(chan struct{})
	var wg sync.WaitGroup
	var deadlineErr, replyErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		deadlineErr = eng.deliver(context.Background(),
			evWaveDeadline{shiftID: sh.ID, ordinal: 1}, false)
	}()
	go func() {
		defer wg.Done()
		<-start
		replyErr = eng.SubmitReply(context.Background(), gateway.InboundReply{
			ReplyID:     uuid.NewString(),
			ShiftID:     sh.ID,
			CaregiverID: offer.CaregiverID,
			Intent:      "accept",
		})
	}()
	close(start)
	wg.Wait()
	require.NoError(t, deadlineErr)
	require.NoError(t, replyErr)

	// Wait for both events to be accounted for: exactly one of the two
	// classifications of the reply, and an expiry iff the deadline won.
	require.Eventually(t, func() bool {
		accepted := auditCount(t, eng, sh.ID, audit.KindCandidateAccepted)
		late := auditCount(t, eng, sh.ID, audit.KindReplyTooLate)
		expired := auditCount(t, eng, sh.ID, audit.KindCandidateExpired)
		return accepted+late == 1 && (accepted == 1 || expired == 1)
	}, eventually, 10*time.Millisecond)

	entries, err := eng.Audits().Stream(context.Background(), sh.ID)
	require.NoError(t, err)
	var first audit.Kind
	for _, e := range entries {
		if e.Kind == audit.KindCandidateAccepted || e.Kind == audit.KindCandidateExpired {
			first = e.Kind
			break
		}
	}

	switch first {
	case audit.KindCandidateAccepted:
		waitForState(t, eng, sh.ID, StateFilled)
		assert.Equal(t, 0, auditCount(t, eng, sh.ID, audit.KindReplyTooLate))
		d, err := eng.ShiftStore().GetDecision(context.Background(), sh.ID)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, offer.CaregiverID, d.WinnerID)
	case audit.KindCandidateExpired:
		waitForState(t, eng, sh.ID, StateUnfilled)
		assert.Equal(t, 0, auditCount(t, eng, sh.ID, audit.KindCandidateAccepted))
		assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindReplyTooLate))
	default:
		t.Fatal("neither an acceptance nor an expiry was recorded")
	}
}

func TestExhaustedWavesGoUnfilled(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)
	reply(t, eng, sh.ID, offer.CaregiverID, "decline")

	waitForState(t, eng, sh.ID, StateUnfilled)
	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindWavesExhausted))
	assert.GreaterOrEqual(t, auditCount(t, eng, sh.ID, audit.KindEscalationFired), 1)

	// A reply after the terminal transition is recorded, not applied.
	reply(t, eng, sh.ID, offer.CaregiverID, "accept")
	require.Eventually(t, func() bool {
		return auditCount(t, eng, sh.ID, audit.KindReplyTooLate) == 1
	}, eventually, 10*time.Millisecond)
	waitForState(t, eng, sh.ID, StateUnfilled)
}

func TestNoEligibleCandidates(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	waitForState(t, eng, sh.ID, StateUnfilled)
	assert.GreaterOrEqual(t, auditCount(t, eng, sh.ID, audit.KindEscalationFired), 1)
	assert.Equal(t, 0, auditCount(t, eng, sh.ID, audit.KindOfferSent))
	assert.GreaterOrEqual(t, messenger.noticeCount(), 1)
}

// Scenario: the committed winner withdraws. The decision is invalidated,
// the shift reopens, and outreach continues with caregivers who have not
// already declined or expired.
func TestWithdrawReopensShift(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1", "cg-2")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	first := messenger.waitOffer(t)
	reply(t, eng, sh.ID, first.CaregiverID, "accept")
	waitForState(t, eng, sh.ID, StateFilled)

	reply(t, eng, sh.ID, first.CaregiverID, "withdraw")
	second := messenger.waitOffer(t)
	assert.NotEqual(t, first.CaregiverID, second.CaregiverID)

	reply(t, eng, sh.ID, second.CaregiverID, "accept")
	waitForState(t, eng, sh.ID, StateFilled)

	d, err := eng.ShiftStore().GetDecision(context.Background(), sh.ID)
	require.NoError(t, err)
	assert.Equal(t, second.CaregiverID, d.WinnerID)

	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindCandidateWithdrawn))
	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindDecisionInvalidated))
	assert.Equal(t, 2, auditCount(t, eng, sh.ID, audit.KindDecisionRecorded))

	entries, err := eng.Audits().Stream(context.Background(), sh.ID)
	require.NoError(t, err)
	state, err := audit.Fold(entries)
	require.NoError(t, err)
	assert.Equal(t, "filled", state.ShiftState)
	assert.Equal(t, second.CaregiverID, state.WinnerID)
	assert.Equal(t, "withdrawn", state.CandidateStatus[first.CaregiverID])
}

func TestCancelShift(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)

	require.NoError(t, eng.CancelShift(context.Background(), sh.ID, "coordinator"))
	waitForState(t, eng, sh.ID, StateCancelled)

	d, err := eng.ShiftStore().GetDecision(context.Background(), sh.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, ReasonCancelled, d.Reason)
	assert.Empty(t, d.WinnerID)

	err = eng.CancelShift(context.Background(), sh.ID, "coordinator")
	assert.True(t, errors.IsInvalidTransitionError(err))
	assert.True(t, errors.IsShiftTerminalError(err))

	reply(t, eng, sh.ID, offer.CaregiverID, "accept")
	require.Eventually(t, func() bool {
		return auditCount(t, eng, sh.ID, audit.KindReplyTooLate) == 1
	}, eventually, 10*time.Millisecond)
	waitForState(t, eng, sh.ID, StateCancelled)
}

func TestForceAssign(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)
	reply(t, eng, sh.ID, offer.CaregiverID, "decline")
	waitForState(t, eng, sh.ID, StateUnfilled)

	// Dispatcher sources someone off-platform and records the assignment.
	seedCaregivers(t, conn, "cg-manual")
	require.NoError(t, eng.ForceAssign(context.Background(), sh.ID, "cg-manual", "dispatcher"))
	waitForState(t, eng, sh.ID, StateFilled)

	d, err := eng.ShiftStore().GetDecision(context.Background(), sh.ID)
	require.NoError(t, err)
	assert.Equal(t, "cg-manual", d.WinnerID)
	assert.Equal(t, ReasonManualOverride, d.Reason)

	err = eng.ForceAssign(context.Background(), sh.ID, "cg-1", "dispatcher")
	assert.True(t, errors.IsInvalidTransitionError(err))
	assert.True(t, errors.IsShiftTerminalError(err))
}

func TestManualReopenRestartsEligibility(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)
	reply(t, eng, sh.ID, offer.CaregiverID, "decline")
	waitForState(t, eng, sh.ID, StateUnfilled)

	// A new caregiver joined while the shift sat unfilled.
	seedCaregivers(t, conn, "cg-2")
	require.NoError(t, eng.ReopenShift(context.Background(), sh.ID, "dispatcher"))

	next := messenger.waitOffer(t)
	assert.Equal(t, "cg-2", next.CaregiverID, "prior declines must stay suppressed")

	reply(t, eng, sh.ID, next.CaregiverID, "accept")
	waitForState(t, eng, sh.ID, StateFilled)

	// Reopen is an edge out of unfilled only; a filled shift is terminal.
	err := eng.ReopenShift(context.Background(), sh.ID, "dispatcher")
	assert.True(t, errors.IsShiftTerminalError(err))
}

func TestReopenRejectedWhileOpen(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	messenger.waitOffer(t)

	err := eng.ReopenShift(context.Background(), sh.ID, "dispatcher")
	assert.True(t, errors.IsInvalidTransitionError(err))
	assert.False(t, errors.IsShiftTerminalError(err), "an open shift is not terminal")
}

func TestDeliveryFailureExpiresCandidate(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1", "cg-2")
	eng, messenger := newTestEngine(t, conn, nil)
	messenger.mu.Lock()
	messenger.failFor["cg-1"] = true
	messenger.mu.Unlock()

	sh := openTestShift(t, eng)

	// cg-1's send fails outright, so the offer moves on to cg-2 without
	// waiting for the wave deadline.
	offer := messenger.waitOffer(t)
	assert.Equal(t, "cg-2", offer.CaregiverID)

	require.Eventually(t, func() bool {
		return auditCount(t, eng, sh.ID, audit.KindOfferDeliveryFailed) == 1
	}, eventually, 10*time.Millisecond)
	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindCandidateExpired))
}

func TestFailedDeliveryConfirmationExpiresCandidate(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1", "cg-2")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)

	require.NoError(t, eng.SubmitDeliveryConfirmation(context.Background(), gateway.DeliveryConfirmation{
		ShiftID:     sh.ID,
		CaregiverID: offer.CaregiverID,
		Delivered:   false,
	}))

	next := messenger.waitOffer(t)
	assert.NotEqual(t, offer.CaregiverID, next.CaregiverID)
}

func TestRecoveryAdoptsOpenShifts(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1", "cg-2")

	cfg := testConfig()
	messenger := newScriptMessenger()
	eng := NewEngine(conn, messenger, nil, cfg, zap.NewNop().Sugar())
	require.NoError(t, eng.Start(context.Background()))

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)
	replyID := uuid.NewString()
	require.NoError(t, eng.SubmitReply(context.Background(), gateway.InboundReply{
		ReplyID:     replyID,
		ShiftID:     sh.ID,
		CaregiverID: offer.CaregiverID,
		Intent:      "decline",
	}))
	require.Eventually(t, func() bool {
		return auditCount(t, eng, sh.ID, audit.KindCandidateDeclined) == 1
	}, eventually, 10*time.Millisecond)
	// The decline already advanced outreach to the second caregiver.
	next := messenger.waitOffer(t)
	assert.NotEqual(t, offer.CaregiverID, next.CaregiverID)
	eng.Stop()

	// Fresh process over the same database. The adopted worker keeps the
	// in-flight offer live and the seen reply ids deduplicated.
	eng2, _ := newTestEngine(t, conn, cfg)

	require.NoError(t, eng2.SubmitReply(context.Background(), gateway.InboundReply{
		ReplyID:     replyID,
		ShiftID:     sh.ID,
		CaregiverID: offer.CaregiverID,
		Intent:      "decline",
	}))
	require.Eventually(t, func() bool {
		return auditCount(t, eng2, sh.ID, audit.KindReplyDuplicate) == 1
	}, eventually, 10*time.Millisecond)

	reply(t, eng2, sh.ID, next.CaregiverID, "accept")
	waitForState(t, eng2, sh.ID, StateFilled)
}

// A shift that goes unfilled before its fill deadline still owes a
// timed-out decision when the deadline arrives, even across a restart.
func TestRecoveryWritesTimedOutDecisionForUnfilledShift(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1")

	cfg := testConfig()
	messenger := newScriptMessenger()
	eng := NewEngine(conn, messenger, nil, cfg, zap.NewNop().Sugar())
	require.NoError(t, eng.Start(context.Background()))

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)
	reply(t, eng, sh.ID, offer.CaregiverID, "decline")
	waitForState(t, eng, sh.ID, StateUnfilled)

	// Unfilled ahead of the deadline: no decision row yet, reopen possible.
	d, err := eng.ShiftStore().GetDecision(context.Background(), sh.ID)
	require.NoError(t, err)
	require.Nil(t, d)
	eng.Stop()

	// The deadline passes while the process is down.
	_, err = conn.Exec(`UPDATE shifts SET fill_deadline = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute), sh.ID)
	require.NoError(t, err)

	eng2, _ := newTestEngine(t, conn, cfg)
	require.Eventually(t, func() bool {
		d, err := eng2.ShiftStore().GetDecision(context.Background(), sh.ID)
		return err == nil && d != nil
	}, eventually, 10*time.Millisecond)

	d, err = eng2.ShiftStore().GetDecision(context.Background(), sh.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonTimedOut, d.Reason)
	assert.Empty(t, d.WinnerID)
	waitForState(t, eng2, sh.ID, StateUnfilled)
}

func TestUnparseableReplyChangesNothing(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1")
	eng, messenger := newTestEngine(t, conn, nil)

	sh := openTestShift(t, eng)
	offer := messenger.waitOffer(t)
	reply(t, eng, sh.ID, offer.CaregiverID, "maybe later??")

	require.Eventually(t, func() bool {
		return auditCount(t, eng, sh.ID, audit.KindReplyUnparseable) == 1
	}, eventually, 10*time.Millisecond)
	waitForState(t, eng, sh.ID, StateOpen)

	candidates, err := eng.ShiftStore().ListCandidates(context.Background(), sh.ID)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, StatusOffered, candidates[0].Status)
}

func TestUrgentShiftUsesWiderWave(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	seedCaregivers(t, conn, "cg-1", "cg-2", "cg-3")
	eng, messenger := newTestEngine(t, conn, nil)

	// Fill deadline inside the urgent threshold: all three go out at once.
	start := time.Now().UTC().Add(time.Hour)
	sh, err := eng.OpenShift(context.Background(), ShiftSpec{
		ClientID:     "client-1",
		StartAt:      start,
		EndAt:        start.Add(4 * time.Hour),
		RequiredTags: []string{"cna"},
		FillDeadline: start,
	})
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[messenger.waitOffer(t).CaregiverID] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 1, auditCount(t, eng, sh.ID, audit.KindWaveOpened))
}
