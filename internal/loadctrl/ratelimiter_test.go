package loadctrl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BasicAcquire(t *testing.T) {
	l := NewRateLimiter(100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, l.Acquire(ctx))
	assert.Equal(t, 100.0, l.CurrentRate())

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.TotalAcquired)
	assert.Equal(t, 100.0, stats.CurrentTPS)
}

func TestRateLimiter_SetRate(t *testing.T) {
	l := NewRateLimiter(100)

	l.SetRate(200)
	assert.Equal(t, 200.0, l.CurrentRate())

	l.SetRate(0)
	assert.Equal(t, 0.0, l.CurrentRate())

	// Negative rates normalize to zero.
	l.SetRate(-5)
	assert.Equal(t, 0.0, l.CurrentRate())
}

func TestRateLimiter_UnlimitedShortCircuits(t *testing.T) {
	l := NewRateLimiter(Unlimited)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 10000; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	assert.Less(t, time.Since(start), time.Second, "unlimited acquisition must not wait")
}

func TestRateLimiter_ZeroParksUntilCancelled(t *testing.T) {
	l := NewRateLimiter(0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter_ZeroParksUntilRaised(t *testing.T) {
	l := NewRateLimiter(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	acquired := make(chan error, 1)
	go func() {
		acquired <- l.Acquire(ctx)
	}()

	// The worker must stay parked while the rate is zero.
	select {
	case err := <-acquired:
		t.Fatalf("acquired while parked: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	l.SetRate(1000)

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("raising the rate did not wake the parked worker")
	}
}

func TestRateLimiter_EnforcesRateUnderConcurrency(t *testing.T) {
	l := NewRateLimiter(200)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var acquired int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	deadline := time.Now().Add(500 * time.Millisecond)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				if l.Acquire(ctx) == nil {
					mu.Lock()
					acquired++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// 200 TPS over 0.5s plus the one-second burst allowance.
	assert.LessOrEqual(t, acquired, int64(200*1+200/2+50))
}

func TestRateLimiter_RetuneEffectiveImmediately(t *testing.T) {
	l := NewRateLimiter(1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Drain the initial burst token.
	require.NoError(t, l.Acquire(ctx))

	// At 1 TPS the next token is a second away; retuning to a high rate
	// must make it available almost immediately.
	l.SetRate(10000)
	start := time.Now()
	require.NoError(t, l.Acquire(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
