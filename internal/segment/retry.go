package segment

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries and spaces them with truncated exponential
// backoff plus jitter.
type RetryPolicy struct {
	// MaxRetry is the number of retries after the first attempt. 0 disables
	// retrying, as used for optional image tracks.
	MaxRetry int
	// BaseDelay doubles per retry until MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the half-open upper bound of the random addition.
	Jitter time.Duration
}

// DefaultRetryPolicy returns the production policy: 3 retries, 200 ms base,
// 3 s cap, up to 200 ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetry:  3,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  3 * time.Second,
		Jitter:    200 * time.Millisecond,
	}
}

// Delay returns the backoff before retry number attempt (0-based):
// min(base·2^attempt, max) + jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}

// sleep waits for d or until ctx is done, whichever comes first. Pending
// retries release promptly on cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
