package export

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Retry and backoff defaults.
const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 1 * time.Second
	defaultMaxBackoff  = 60 * time.Second
	backoffFactor      = 2.0
	jitterFraction     = 0.25
)

// Backoff computes retry delays. Attempt 1 is the first retry.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay before retry number attempt, with ±25% jitter. A
// server-requested delay takes precedence when positive.
func (b Backoff) Delay(attempt int, requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}

	base := b.Base
	if base <= 0 {
		base = defaultBaseBackoff
	}

	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}

	d := float64(base) * math.Pow(backoffFactor, float64(max(attempt-1, 0)))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}

	jitter := d * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand

	return time.Duration(d + jitter)
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
