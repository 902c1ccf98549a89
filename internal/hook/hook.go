// Package hook implements the per-run transaction recording endpoint.
// Instrumented transactions locate the active Hook through the ambient
// context and record outcome and latency into it; the sampler reads the
// accumulated counters and publishes converged snapshots.
package hook

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/BalterLoadTesting/balter/internal/metrics"
)

// Hook is the recording endpoint for one scenario run. The counter and
// reservoir updates are two relaxed atomic increments and one ring store,
// with no locks and no allocation. Record then emits to the metrics sink,
// building the metric name per call and taking whatever locks the sink
// takes.
//
// Thread Safety: Safe for concurrent use by any number of workers.
type Hook struct {
	name string

	successCount atomic.Uint64
	errorCount   atomic.Uint64

	reservoir *Reservoir
	snapshot  atomic.Pointer[Snapshot]

	limiter Limiter
	sink    metrics.Sink
}

// Limiter is the token-acquisition surface the hook exposes to
// instrumented transactions. The driver installs the run's rate limiter
// here so that every transaction call pays exactly one token.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Snapshot is an immutable window of measurements published by the
// sampler and read by the controllers. Replaced wholesale; never mutated.
type Snapshot struct {
	// MeasuredTPS is the converged transactions-per-second estimate.
	MeasuredTPS float64
	// ErrorRate is the fraction of transactions that failed in the window.
	ErrorRate float64
	// Latencies maps quantile to observed latency. Quantiles with no
	// samples are absent rather than NaN.
	Latencies map[float64]time.Duration
	// SampleWindow is the measurement window the snapshot covers.
	SampleWindow time.Duration
	// Concurrency is the worker count the window was measured at.
	Concurrency int
	// Taken is when the snapshot was published.
	Taken time.Time
}

// New creates a hook for the named scenario.
func New(name string, reservoirCapacity int, sink metrics.Sink) *Hook {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Hook{
		name:      name,
		reservoir: NewReservoir(reservoirCapacity),
		sink:      sink,
	}
}

// Name returns the scenario name the hook records for.
func (h *Hook) Name() string {
	return h.name
}

// SetLimiter installs the rate limiter transactions acquire from.
func (h *Hook) SetLimiter(l Limiter) {
	h.limiter = l
}

// Limiter returns the installed rate limiter, or nil.
func (h *Hook) Limiter() Limiter {
	return h.limiter
}

// Record registers one completed transaction.
func (h *Hook) Record(txName string, success bool, latency time.Duration) {
	if success {
		h.successCount.Add(1)
		h.sink.IncCounter(txName+"_success", 1)
	} else {
		h.errorCount.Add(1)
		h.sink.IncCounter(txName+"_error", 1)
	}
	h.reservoir.Insert(latency)
	h.sink.ObserveLatency(txName+"_latency", latency)
}

// Totals returns the monotonic success and error counts.
func (h *Hook) Totals() (success, errors uint64) {
	return h.successCount.Load(), h.errorCount.Load()
}

// Reservoir returns the latency reservoir.
func (h *Hook) Reservoir() *Reservoir {
	return h.reservoir
}

// Publish atomically replaces the latest snapshot.
func (h *Hook) Publish(s *Snapshot) {
	h.snapshot.Store(s)
}

// Latest returns the most recently published snapshot, or nil before the
// first publication.
func (h *Hook) Latest() *Snapshot {
	return h.snapshot.Load()
}

// Sink returns the metrics sink the hook emits into.
func (h *Hook) Sink() metrics.Sink {
	return h.sink
}
