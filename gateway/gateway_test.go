package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseIntent(t *testing.T) {
	tests := []struct {
		raw    string
		intent Intent
		ok     bool
	}{
		{"accept", IntentAccept, true},
		{"ACCEPT", IntentAccept, true},
		{"  decline ", IntentDecline, true},
		{"withdraw", IntentWithdraw, true},
		{"yes please", "", false},
		{"", "", false},
		{"maybe", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			intent, ok := ParseIntent(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.intent, intent)
		})
	}
}

func TestLogMessengerFabricatesDeliveryIDs(t *testing.T) {
	m := NewLogMessenger(zap.NewNop().Sugar())

	id1, err := m.SendOffer(context.Background(), Offer{ShiftID: "sh-1", CaregiverID: "cg-1"})
	require.NoError(t, err)
	id2, err := m.SendOffer(context.Background(), Offer{ShiftID: "sh-1", CaregiverID: "cg-2"})
	require.NoError(t, err)

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)
	assert.NoError(t, m.SendNotice(context.Background(), Notice{Target: "dispatch@agency"}))
}

type countingMessenger struct {
	mu     sync.Mutex
	offers int
}

func (m *countingMessenger) SendOffer(context.Context, Offer) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers++
	return "dl-1", nil
}

func (m *countingMessenger) SendNotice(context.Context, Notice) error { return nil }

func TestRateLimitedMessengerDelegates(t *testing.T) {
	inner := &countingMessenger{}
	m := NewRateLimitedMessenger(inner, 600)

	for i := 0; i < 5; i++ {
		_, err := m.SendOffer(context.Background(), Offer{})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, inner.offers)
}

func TestRateLimitedMessengerHonorsContext(t *testing.T) {
	inner := &countingMessenger{}
	// One send per minute with a burst of 1: the second send must wait
	m := NewRateLimitedMessenger(inner, 1)

	_, err := m.SendOffer(context.Background(), Offer{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.SendOffer(ctx, Offer{})
	assert.Error(t, err)
	assert.Equal(t, 1, inner.offers)
}
