package venue

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is the one retry implementation shared by every venue call
// site. Exponential backoff with jitter, bounded attempts, and a
// retryable-error predicate.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the production policy: 3 attempts,
// 250ms base delay doubling up to 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Do runs fn, retrying transient failures until the attempt budget is
// spent or ctx is done. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}

// delay computes the backoff before the given (1-based) retry attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	d := base << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Jitter: 50-100% of the computed delay.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}
