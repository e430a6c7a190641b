package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := Backoff{}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 60 * time.Second},
	}

	for _, tc := range tests {
		for range 20 {
			got := b.Delay(tc.attempt, 0)
			lo := time.Duration(float64(tc.want) * (1 - jitterFraction))
			hi := time.Duration(float64(tc.want) * (1 + jitterFraction))

			assert.GreaterOrEqual(t, got, lo, "attempt %d", tc.attempt)
			assert.LessOrEqual(t, got, hi, "attempt %d", tc.attempt)
		}
	}
}

func TestBackoff_RetryAfterWins(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}
	assert.Equal(t, 30*time.Second, b.Delay(1, 30*time.Second))
}

func TestRetryAfter_FromRemoteError(t *testing.T) {
	t.Parallel()

	err := &RemoteError{Service: ServiceDrive, StatusCode: 429, RetryAfter: 7 * time.Second, Err: ErrRateLimited}

	assert.Equal(t, 7*time.Second, retryAfter(err))
	assert.Zero(t, retryAfter(ErrTransientIO))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, classFatal, classify(ErrInvalidTransition))
	assert.Equal(t, classFatal, classify(ErrUnknownParent))
	assert.Equal(t, classAuth, classify(&RemoteError{Err: ErrAuth}))
	assert.Equal(t, classPermanent, classify(&RemoteError{Err: ErrNotFound}))
	assert.Equal(t, classPermanent, classify(ErrPermanent))
	assert.Equal(t, classRetryable, classify(&RemoteError{Err: ErrRateLimited}))
	assert.Equal(t, classRetryable, classify(context.DeadlineExceeded))
	assert.Equal(t, classRetryable, classify(errDigestMismatch))
}

func TestTimeSleep_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, timeSleep(ctx, time.Hour), context.Canceled)
}
