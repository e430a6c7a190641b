package export

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_DefaultBudgets(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(nil, testLogger(t))

	b := rl.Budget(ServiceDrive)
	assert.Equal(t, 10.0, b.Rate)
	assert.Equal(t, 20, b.Capacity)
	assert.InDelta(t, 20.0, b.Tokens, 0.001)

	unknown := rl.Budget(Service("calendar"))
	assert.Equal(t, defaultRate, unknown.Rate)
	assert.Equal(t, defaultBurst, unknown.Capacity)
}

func TestRateLimiter_Overrides(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(map[Service]RateConfig{ServicePhotos: {Rate: 1, Burst: 3}}, testLogger(t))

	b := rl.Budget(ServicePhotos)
	assert.Equal(t, 1.0, b.Rate)
	assert.Equal(t, 3, b.Capacity)
}

func TestRateLimiter_AcquireConsumesTokens(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(map[Service]RateConfig{ServiceDrive: {Rate: 0.001, Burst: 5}}, testLogger(t))

	require.NoError(t, rl.Acquire(context.Background(), ServiceDrive, 2))
	assert.InDelta(t, 3.0, rl.Budget(ServiceDrive).Tokens, 0.01)

	// Other services keep their own bucket.
	assert.InDelta(t, 10.0, rl.Budget(ServiceSheets).Tokens, 0.01)
}

func TestRateLimiter_AcquireHonoursContext(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(map[Service]RateConfig{ServiceDrive: {Rate: 0.001, Burst: 1}}, testLogger(t))
	require.NoError(t, rl.Acquire(context.Background(), ServiceDrive, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Error(t, rl.Acquire(ctx, ServiceDrive, 1))
}

func TestRateLimiter_CostAboveCapacity(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(map[Service]RateConfig{ServiceDrive: {Rate: 1, Burst: 2}}, testLogger(t))

	err := rl.Acquire(context.Background(), ServiceDrive, 3)
	assert.ErrorContains(t, err, "exceeds capacity")
}

// TestRateLimiter_WindowBound drives a bucket with a greedy caller on a
// simulated clock and checks every refill-interval window.
func TestRateLimiter_WindowBound(t *testing.T) {
	t.Parallel()

	const (
		perSecond = 10.0
		capacity  = 5
	)

	rl := NewRateLimiter(map[Service]RateConfig{ServiceDrive: {Rate: perSecond, Burst: capacity}}, testLogger(t))
	bucket := rl.bucket(ServiceDrive)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var grants []time.Time

	for step := range 3000 {
		now := start.Add(time.Duration(step) * time.Millisecond)
		for bucket.AllowN(now, 1) {
			grants = append(grants, now)
		}
	}

	require.NotEmpty(t, grants)

	interval := time.Duration(float64(time.Second) / perSecond)

	for i, from := range grants {
		inWindow := 0

		for _, g := range grants[i:] {
			if g.Sub(from) >= interval {
				break
			}

			inWindow++
		}

		assert.LessOrEqual(t, inWindow, capacity, "window starting %s", from.Sub(start))
	}

	// Over the whole run: capacity plus what the rate refilled.
	maxTotal := capacity + int(perSecond*3) + 1
	assert.LessOrEqual(t, len(grants), maxTotal)
	assert.GreaterOrEqual(t, len(grants), capacity)
}
