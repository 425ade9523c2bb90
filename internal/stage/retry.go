package stage

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls how transient stage failures are retried: bounded
// attempts with exponential backoff and full jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the pipeline defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// Run invokes fn until it succeeds, fails permanently, or attempts are
// exhausted. It returns the number of attempts made alongside the final
// error. Context cancellation interrupts the backoff sleep immediately.
func (p RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt - 1, ctxErr
		}
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if !Retryable(err) || attempt == attempts {
			return attempt, err
		}
		select {
		case <-time.After(p.delay(attempt)):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}
	return attempts, err
}

// delay computes the sleep before the next attempt: full jitter over an
// exponentially growing window capped at MaxDelay.
func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	window := base << (attempt - 1)
	if p.MaxDelay > 0 && window > p.MaxDelay {
		window = p.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(window) + 1))
}
