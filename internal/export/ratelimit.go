package export

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/time/rate"
)

// Default per-service budgets, in requests per second and bucket capacity.
// Photos has the tightest documented quota of the four services.
const (
	defaultRate  = 10.0
	defaultBurst = 20
)

var defaultBudgets = map[Service]RateConfig{
	ServiceDrive:  {Rate: 10, Burst: 20},
	ServiceSheets: {Rate: 5, Burst: 10},
	ServiceSlides: {Rate: 5, Burst: 10},
	ServicePhotos: {Rate: 5, Burst: 10},
}

// RateConfig is the configured budget for one service.
type RateConfig struct {
	Rate  float64 // tokens refilled per second
	Burst int     // bucket capacity
}

// RateBudget is a read-only view of one service's bucket.
type RateBudget struct {
	Service  Service
	Tokens   float64
	Rate     float64
	Capacity int
	At       time.Time
}

// RateLimiter holds one token bucket per service. Buckets refill lazily on
// each call and grant reservations in arrival order.
type RateLimiter struct {
	mu       stdsync.Mutex
	buckets  map[Service]*rate.Limiter
	fallback RateConfig
	logger   *slog.Logger
}

// NewRateLimiter creates a limiter seeded with the built-in budgets,
// overridden by overrides. Services absent from both use the default budget.
func NewRateLimiter(overrides map[Service]RateConfig, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[Service]*rate.Limiter),
		fallback: RateConfig{Rate: defaultRate, Burst: defaultBurst},
		logger:   logger,
	}

	for svc, rc := range defaultBudgets {
		rl.buckets[svc] = newBucket(rc)
	}

	for svc, rc := range overrides {
		rl.buckets[svc] = newBucket(rc)

		logger.Debug("rate limit configured",
			slog.String("service", string(svc)),
			slog.Float64("rate", rc.Rate),
			slog.Int("burst", rc.Burst),
		)
	}

	return rl
}

func newBucket(rc RateConfig) *rate.Limiter {
	burst := max(rc.Burst, 1)

	if rc.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}

	return rate.NewLimiter(rate.Limit(rc.Rate), burst)
}

func (rl *RateLimiter) bucket(svc Service) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[svc]
	if !ok {
		b = newBucket(rl.fallback)
		rl.buckets[svc] = b
	}

	return b
}

// Acquire blocks until cost tokens are available for svc or ctx ends.
func (rl *RateLimiter) Acquire(ctx context.Context, svc Service, cost int) error {
	if cost <= 0 {
		cost = 1
	}

	b := rl.bucket(svc)
	if cost > b.Burst() {
		return fmt.Errorf("export: rate limit %s: cost %d exceeds capacity %d", svc, cost, b.Burst())
	}

	if err := b.WaitN(ctx, cost); err != nil {
		return fmt.Errorf("export: rate limit %s: %w", svc, err)
	}

	return nil
}

// Budget reports the current state of svc's bucket.
func (rl *RateLimiter) Budget(svc Service) RateBudget {
	b := rl.bucket(svc)
	now := time.Now()

	return RateBudget{
		Service:  svc,
		Tokens:   b.TokensAt(now),
		Rate:     float64(b.Limit()),
		Capacity: b.Burst(),
		At:       now,
	}
}
