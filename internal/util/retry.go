package util

import (
	"context"
	"time"
)

// Sleeper pauses for d, returning early with ctx.Err() if ctx is cancelled.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns base * 2^attempt, the delay before retry number attempt+1.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base << attempt
}

// RetryPolicy calls an operation up to MaxAttempts times with exponential
// backoff starting at BaseDelay. Only errors accepted by Retryable are
// retried; a nil Retryable retries every error.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
	Sleep       Sleeper

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do runs fn until it succeeds, returns a non-retryable error, or the attempt
// budget is spent. The error of the final attempt is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			delay := Backoff(p.BaseDelay, attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt+1, delay, err)
			}
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
	}

	return err
}
