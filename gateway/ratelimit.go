package gateway

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/caretide/dispatch/errors"
)

// RateLimitedMessenger wraps a Messenger with an outbound rate limit so a
// burst of wave openings cannot flood the SMS/voice provider. Sends wait for
// a token; a cancelled context aborts the wait.
type RateLimitedMessenger struct {
	inner   Messenger
	limiter *rate.Limiter
}

// NewRateLimitedMessenger wraps inner with a sends-per-minute budget.
func NewRateLimitedMessenger(inner Messenger, maxSendsPerMinute int) *RateLimitedMessenger {
	return &RateLimitedMessenger{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(maxSendsPerMinute)/60.0), maxSendsPerMinute),
	}
}

func (m *RateLimitedMessenger) SendOffer(ctx context.Context, offer Offer) (string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "rate limit wait aborted")
	}
	return m.inner.SendOffer(ctx, offer)
}

func (m *RateLimitedMessenger) SendNotice(ctx context.Context, notice Notice) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limit wait aborted")
	}
	return m.inner.SendNotice(ctx, notice)
}
