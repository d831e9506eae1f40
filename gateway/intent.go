package gateway

import (
	"strings"
	"time"
)

// Intent is the structured meaning of a caregiver reply. The conversational
// AI layer upstream translates raw utterances into one of these; anything it
// cannot map arrives here as free text and is treated as a no-op.
type Intent string

const (
	IntentAccept   Intent = "accept"
	IntentDecline  Intent = "decline"
	IntentWithdraw Intent = "withdraw"
)

// ParseIntent maps an inbound intent string to the Intent enum. The second
// return is false for anything unmappable; such replies are recorded for
// human review but never change dispatch state.
func ParseIntent(raw string) (Intent, bool) {
	switch Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentAccept:
		return IntentAccept, true
	case IntentDecline:
		return IntentDecline, true
	case IntentWithdraw:
		return IntentWithdraw, true
	default:
		return "", false
	}
}

// InboundReply is a webhook-style reply event from the messaging gateway.
// Either DeliveryID or CaregiverID identifies the sender; ReplyID is the
// transport's message id and drives duplicate-delivery detection.
type InboundReply struct {
	ReplyID     string    `json:"reply_id"`
	DeliveryID  string    `json:"delivery_id,omitempty"`
	CaregiverID string    `json:"caregiver_id,omitempty"`
	ShiftID     string    `json:"shift_id"`
	Intent      string    `json:"intent"` // raw; parsed with ParseIntent
	ReceivedAt  time.Time `json:"received_at"`
}

// DeliveryConfirmation reports that the transport delivered (or definitively
// failed to deliver) a previously sent offer.
type DeliveryConfirmation struct {
	DeliveryID  string    `json:"delivery_id"`
	ShiftID     string    `json:"shift_id"`
	CaregiverID string    `json:"caregiver_id"`
	Delivered   bool      `json:"delivered"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}
