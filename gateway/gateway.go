// Package gateway defines the boundary to the SMS/voice messaging transport.
// The engine only emits offers and notices through the Messenger interface
// and consumes inbound replies; the transport itself (Twilio, a voice agent,
// etc.) lives outside this repository.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caretide/dispatch/roster"
)

// Offer is one outbound shift offer to a caregiver.
type Offer struct {
	ShiftID     string         `json:"shift_id"`
	CaregiverID string         `json:"caregiver_id"`
	Channel     roster.Channel `json:"channel"`
	Address     string         `json:"address"`
	ClientID    string         `json:"client_id"`
	ShiftStart  time.Time      `json:"shift_start"`
	ShiftEnd    time.Time      `json:"shift_end"`
	Deadline    time.Time      `json:"deadline"` // respond-by time shown to the caregiver
}

// Notice is an outbound informational message: a candidate-rejected notice
// to a caregiver, or an escalation notice to the human dispatcher.
type Notice struct {
	Target  string `json:"target"` // caregiver address or dispatcher target
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Messenger delivers offers and notices. Implementations must be safe for
// concurrent use; the engine calls them from multiple shift goroutines.
// Send calls happen outside any per-shift critical section, so a slow
// transport never blocks reply processing.
type Messenger interface {
	// SendOffer delivers an offer and returns the transport's delivery id.
	SendOffer(ctx context.Context, offer Offer) (deliveryID string, err error)

	// SendNotice delivers an informational message.
	SendNotice(ctx context.Context, notice Notice) error
}

// LogMessenger is a Messenger for development and single-node demos: it
// logs every send and fabricates delivery ids. No message leaves the host.
type LogMessenger struct {
	log *zap.SugaredLogger
}

// NewLogMessenger creates a LogMessenger.
func NewLogMessenger(log *zap.SugaredLogger) *LogMessenger {
	return &LogMessenger{log: log.Named("gateway")}
}

func (m *LogMessenger) SendOffer(_ context.Context, offer Offer) (string, error) {
	deliveryID := uuid.NewString()
	m.log.Infow("offer sent",
		"shift_id", offer.ShiftID,
		"caregiver_id", offer.CaregiverID,
		"channel", offer.Channel,
		"deadline", offer.Deadline,
		"delivery_id", deliveryID,
	)
	return deliveryID, nil
}

func (m *LogMessenger) SendNotice(_ context.Context, notice Notice) error {
	m.log.Infow("notice sent",
		"target", notice.Target,
		"subject", notice.Subject,
	)
	return nil
}
