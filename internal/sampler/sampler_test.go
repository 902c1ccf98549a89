package sampler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BalterLoadTesting/balter/internal/config"
	"github.com/BalterLoadTesting/balter/internal/hook"
)

func testTuning() config.Tuning {
	t := config.DefaultTuning()
	t.WindowRingSize = 4
	return t
}

// record drives count transactions into the hook.
func record(h *hook.Hook, count int, failEvery int) {
	for i := 0; i < count; i++ {
		ok := failEvery == 0 || i%failEvery != 0
		h.Record("tx", ok, 10*time.Millisecond)
	}
}

func newTestSampler(h *hook.Hook, tuning config.Tuning, onSnap func(*hook.Snapshot)) *Sampler {
	return New(h, tuning, nil, func() int { return 10 }, nil, onSnap)
}

func TestSampler_PublishesAfterConvergence(t *testing.T) {
	h := hook.New("tx", 2048, nil)
	var published []*hook.Snapshot
	s := newTestSampler(h, testTuning(), func(snap *hook.Snapshot) {
		published = append(published, snap)
	})

	// Four identical windows of 100 transactions over 200ms each.
	for i := 0; i < 4; i++ {
		record(h, 100, 0)
		s.tick(200 * time.Millisecond)
	}

	require.Len(t, published, 1)
	snap := published[0]
	assert.InDelta(t, 500, snap.MeasuredTPS, 25, "100 tx / 200ms windows converge near 500 TPS")
	assert.Equal(t, 0.0, snap.ErrorRate)
	assert.Equal(t, 10, snap.Concurrency)
	assert.NotEmpty(t, snap.Latencies)
}

func TestSampler_HoldsWhileNoisy(t *testing.T) {
	h := hook.New("tx", 2048, nil)
	var published int
	s := newTestSampler(h, testTuning(), func(*hook.Snapshot) { published++ })

	for _, count := range []int{100, 400, 60, 300} {
		record(h, count, 0)
		s.tick(200 * time.Millisecond)
	}

	assert.Zero(t, published, "a noisy TPS signal must not converge")
}

func TestSampler_ZeroSnapshotForDeadSUT(t *testing.T) {
	h := hook.New("tx", 2048, nil)
	var published []*hook.Snapshot
	s := newTestSampler(h, testTuning(), func(snap *hook.Snapshot) {
		published = append(published, snap)
	})

	for i := 0; i < 4; i++ {
		s.tick(200 * time.Millisecond)
	}

	require.NotEmpty(t, published)
	assert.Equal(t, 0.0, published[0].MeasuredTPS)
	assert.Empty(t, published[0].Latencies, "no samples means no quantiles, never NaN")
}

func TestSampler_ErrorRateInSnapshot(t *testing.T) {
	h := hook.New("tx", 2048, nil)
	var last *hook.Snapshot
	s := newTestSampler(h, testTuning(), func(snap *hook.Snapshot) { last = snap })

	for i := 0; i < 4; i++ {
		record(h, 100, 10) // every 10th fails
		s.tick(200 * time.Millisecond)
	}

	require.NotNil(t, last)
	assert.InDelta(t, 0.1, last.ErrorRate, 0.01)
}

func TestSampler_AdaptiveIntervalWidens(t *testing.T) {
	h := hook.New("tx", 2048, nil)
	tuning := testTuning()
	s := newTestSampler(h, tuning, nil)

	// Fewer than SampleCountMin transactions: interval doubles.
	record(h, 10, 0)
	s.tick(200 * time.Millisecond)
	assert.Equal(t, 400*time.Millisecond, s.Interval())

	// Doubling saturates at the maximum.
	for i := 0; i < 10; i++ {
		s.tick(s.Interval())
	}
	assert.Equal(t, tuning.SampleIntervalMax, s.Interval())
}

func TestSampler_AdaptiveIntervalNarrows(t *testing.T) {
	h := hook.New("tx", 2048, nil)
	tuning := testTuning()
	s := newTestSampler(h, tuning, nil)

	// More than SampleCountMax transactions: interval halves.
	record(h, int(tuning.SampleCountMax)+1, 0)
	s.tick(200 * time.Millisecond)
	assert.Equal(t, tuning.SampleIntervalMin, s.Interval())
}

func TestSampler_IncludesConfiguredQuantile(t *testing.T) {
	h := hook.New("tx", 2048, nil)
	var last *hook.Snapshot
	s := New(h, testTuning(), nil, func() int { return 1 }, []float64{0.75},
		func(snap *hook.Snapshot) { last = snap })

	for i := 0; i < 4; i++ {
		record(h, 100, 0)
		s.tick(200 * time.Millisecond)
	}

	require.NotNil(t, last)
	_, ok := last.Latencies[0.75]
	assert.True(t, ok)
}
