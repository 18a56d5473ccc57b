package util

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests to a fixed number per minute. A nil
// *RateLimiter never blocks.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute with a burst of one. It returns nil when perMinute is not positive,
// which disables pacing.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1),
	}
}

// Wait blocks until a request may proceed or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return ctx.Err()
	}
	return rl.limiter.Wait(ctx)
}
