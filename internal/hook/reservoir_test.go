package hook

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservoir_Empty(t *testing.T) {
	r := NewReservoir(16)

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Samples())

	_, ok := r.Quantile(0.95)
	assert.False(t, ok, "empty reservoir must not produce a quantile")
}

func TestReservoir_InsertAndQuantile(t *testing.T) {
	r := NewReservoir(128)

	for i := 1; i <= 100; i++ {
		r.Insert(time.Duration(i) * time.Millisecond)
	}

	assert.Equal(t, 100, r.Len())

	p50, ok := r.Quantile(0.5)
	require.True(t, ok)
	assert.InDelta(t, 50*time.Millisecond, p50, float64(5*time.Millisecond))

	p99, ok := r.Quantile(0.99)
	require.True(t, ok)
	assert.GreaterOrEqual(t, p99, 95*time.Millisecond)
}

func TestReservoir_WrapsOldestFirst(t *testing.T) {
	r := NewReservoir(8)

	for i := 0; i < 80; i++ {
		r.Insert(time.Second)
	}

	assert.Equal(t, 8, r.Len())
	assert.Len(t, r.Samples(), 8)
}

func TestReservoir_RejectsInvalidQuantiles(t *testing.T) {
	r := NewReservoir(8)
	r.Insert(time.Millisecond)

	for _, q := range []float64{0.0, 1.0, -0.5, 1.5} {
		_, ok := r.Quantile(q)
		assert.False(t, ok, "quantile %v must be rejected", q)
	}
}

func TestReservoir_NegativeSamplesFiltered(t *testing.T) {
	r := NewReservoir(8)
	r.Insert(-time.Second)

	assert.Equal(t, 0, r.Len())
}

func TestReservoir_ConcurrentInsert(t *testing.T) {
	r := NewReservoir(2048)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Insert(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2048, r.Len())
	p50, ok := r.Quantile(0.5)
	require.True(t, ok)
	assert.Equal(t, time.Millisecond, p50)
}
