// Package loadctrl implements load governance for a scenario run: the
// shared goal-TPS rate limiter and the controllers that propose and
// enforce the goal.
package loadctrl

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Unlimited represents an unset TPS ceiling. The limiter short-circuits
// it entirely; no tokens are taken.
var Unlimited = math.Inf(1)

// RateLimiter is a token bucket shared by all workers of one scenario
// run. Refill rate is the goal TPS; burst capacity is one second's worth
// of tokens. Each transaction call acquires exactly one token and
// suspends cooperatively until one is available.
//
// A goal of 0 parks all acquirers until the rate is raised. Retuning via
// SetRate takes effect immediately for new acquisitions.
//
// Thread Safety: Safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter

	mu      sync.RWMutex
	goalTPS float64
	changed chan struct{} // closed and replaced on every SetRate

	totalAcquired atomic.Int64
	totalWaitTime atomic.Int64 // nanoseconds
	waitCount     atomic.Int64
}

// RateLimiterStats contains statistics about rate limiter usage.
type RateLimiterStats struct {
	// TotalAcquired is the total number of successful acquisitions.
	TotalAcquired int64
	// CurrentTPS is the currently configured goal TPS.
	CurrentTPS float64
	// AvgWaitTime is the average time spent waiting in Acquire calls.
	AvgWaitTime time.Duration
}

// NewRateLimiter creates a limiter enforcing the given goal TPS.
func NewRateLimiter(goalTPS float64) *RateLimiter {
	goalTPS = normalizeGoal(goalTPS)
	return &RateLimiter{
		limiter: rate.NewLimiter(limitFor(goalTPS), burstFor(goalTPS)),
		goalTPS: goalTPS,
		changed: make(chan struct{}),
	}
}

// Acquire blocks until a token is available, the rate is Unlimited, or
// the context is cancelled. A zero rate parks the caller until SetRate
// raises it.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.RLock()
		goal := l.goalTPS
		changed := l.changed
		l.mu.RUnlock()

		if math.IsInf(goal, 1) {
			l.totalAcquired.Add(1)
			return nil
		}
		if goal == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				continue
			}
		}

		start := time.Now()
		if err := l.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The wait is unsatisfiable at the current rate (e.g. the
			// next token lies past the context deadline). Park until the
			// rate changes instead of spinning.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				continue
			}
		}
		l.totalAcquired.Add(1)
		l.totalWaitTime.Add(int64(time.Since(start)))
		l.waitCount.Add(1)
		return nil
	}
}

// SetRate retunes the goal TPS. Parked acquirers are woken to observe
// the new rate.
func (l *RateLimiter) SetRate(goalTPS float64) {
	goalTPS = normalizeGoal(goalTPS)

	l.mu.Lock()
	defer l.mu.Unlock()
	if goalTPS == l.goalTPS {
		return
	}
	l.goalTPS = goalTPS
	l.limiter.SetLimit(limitFor(goalTPS))
	l.limiter.SetBurst(burstFor(goalTPS))
	close(l.changed)
	l.changed = make(chan struct{})
}

// CurrentRate returns the configured goal TPS.
func (l *RateLimiter) CurrentRate() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.goalTPS
}

// Stats returns current statistics about the rate limiter.
func (l *RateLimiter) Stats() RateLimiterStats {
	var avgWait time.Duration
	if n := l.waitCount.Load(); n > 0 {
		avgWait = time.Duration(l.totalWaitTime.Load() / n)
	}
	return RateLimiterStats{
		TotalAcquired: l.totalAcquired.Load(),
		CurrentTPS:    l.CurrentRate(),
		AvgWaitTime:   avgWait,
	}
}

func normalizeGoal(goalTPS float64) float64 {
	if math.IsNaN(goalTPS) || goalTPS < 0 {
		return 0
	}
	return goalTPS
}

func limitFor(goalTPS float64) rate.Limit {
	if math.IsInf(goalTPS, 1) {
		return rate.Inf
	}
	return rate.Limit(goalTPS)
}

// burstFor sizes the bucket at one second's worth of tokens. A zero goal
// keeps burst at 1 so waiters block on refill instead of erroring.
func burstFor(goalTPS float64) int {
	if math.IsInf(goalTPS, 1) {
		return math.MaxInt32
	}
	return max(1, int(goalTPS))
}
