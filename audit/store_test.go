package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	caretest "github.com/caretide/dispatch/internal/testing"
)

func TestAppendAssignsMonotonicSeqPerShift(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	e1, err := store.Append(ctx, "sh-1", KindShiftOpened, "system", nil)
	require.NoError(t, err)
	e2, err := store.Append(ctx, "sh-1", KindWaveOpened, "system", map[string]any{"wave": 1})
	require.NoError(t, err)
	other, err := store.Append(ctx, "sh-2", KindShiftOpened, "system", nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)
	assert.Equal(t, int64(1), other.Seq, "seq is per shift, not global")
}

func TestStreamReturnsEntriesInOrder(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	kinds := []Kind{KindShiftOpened, KindWaveOpened, KindOfferSent, KindReplyReceived}
	for _, kind := range kinds {
		_, err := store.Append(ctx, "sh-1", kind, "system", nil)
		require.NoError(t, err)
	}

	entries, err := store.Stream(ctx, "sh-1")
	require.NoError(t, err)
	require.Len(t, entries, len(kinds))
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Seq)
		assert.Equal(t, kinds[i], entry.Kind)
	}
}

func TestCountByKind(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, "sh-1", KindReplyTooLate, "system", nil)
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, "sh-1", KindShiftOpened, "system", nil)
	require.NoError(t, err)

	n, err := store.CountByKind(ctx, "sh-1", KindReplyTooLate)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSubscribersSeeAppends(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	store := NewStore(conn)

	var seen []Entry
	store.Subscribe(func(e Entry) { seen = append(seen, e) })

	_, err := store.Append(context.Background(), "sh-1", KindShiftOpened, "system", nil)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, KindShiftOpened, seen[0].Kind)
}

func TestFoldReconstructsFinalState(t *testing.T) {
	conn := caretest.CreateTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	// offer, decline, offer, accept: the round-trip scenario
	steps := []struct {
		kind    Kind
		payload map[string]any
	}{
		{KindShiftOpened, nil},
		{KindWaveOpened, map[string]any{"wave": 1}},
		{KindOfferSent, map[string]any{"caregiver_id": "cg-1"}},
		{KindCandidateDeclined, map[string]any{"caregiver_id": "cg-1"}},
		{KindWaveOpened, map[string]any{"wave": 2}},
		{KindOfferSent, map[string]any{"caregiver_id": "cg-2"}},
		{KindCandidateAccepted, map[string]any{"caregiver_id": "cg-2"}},
		{KindDecisionRecorded, map[string]any{"winner_id": "cg-2", "reason": "accepted"}},
		{KindShiftFilled, nil},
	}
	for _, step := range steps {
		_, err := store.Append(ctx, "sh-1", step.kind, "system", step.payload)
		require.NoError(t, err)
	}

	entries, err := store.Stream(ctx, "sh-1")
	require.NoError(t, err)

	state, err := Fold(entries)
	require.NoError(t, err)

	assert.Equal(t, "filled", state.ShiftState)
	assert.Equal(t, "cg-2", state.WinnerID)
	assert.Equal(t, "accepted", state.DecisionReason)
	assert.Equal(t, "declined", state.CandidateStatus["cg-1"])
	assert.Equal(t, "accepted", state.CandidateStatus["cg-2"])
	assert.Equal(t, 2, state.WavesOpened)
}

func TestFoldWithdrawInvalidatesDecision(t *testing.T) {
	entries := []Entry{
		{Seq: 1, Kind: KindShiftOpened},
		{Seq: 2, Kind: KindOfferSent, Payload: []byte(`{"caregiver_id":"cg-1"}`)},
		{Seq: 3, Kind: KindCandidateAccepted, Payload: []byte(`{"caregiver_id":"cg-1"}`)},
		{Seq: 4, Kind: KindDecisionRecorded, Payload: []byte(`{"winner_id":"cg-1","reason":"accepted"}`)},
		{Seq: 5, Kind: KindShiftFilled},
		{Seq: 6, Kind: KindCandidateWithdrawn, Payload: []byte(`{"caregiver_id":"cg-1"}`)},
		{Seq: 7, Kind: KindDecisionInvalidated},
		{Seq: 8, Kind: KindShiftReopened},
	}

	state, err := Fold(entries)
	require.NoError(t, err)

	assert.Equal(t, "open", state.ShiftState)
	assert.Empty(t, state.WinnerID)
	assert.Equal(t, "withdrawn", state.CandidateStatus["cg-1"])
}
