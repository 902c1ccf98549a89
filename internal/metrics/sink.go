// Package metrics provides the emission sink the engine reports into.
// The engine only depends on the Sink interface; the Prometheus
// implementation is the batteries-included default.
package metrics

import "time"

// Sink receives counter, histogram and gauge updates from the engine.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Sink interface {
	// IncCounter increments the named monotonic counter.
	IncCounter(name string, delta uint64)

	// ObserveLatency records one latency observation into the named
	// histogram.
	ObserveLatency(name string, latency time.Duration)

	// SetGauge sets the named gauge to the given value.
	SetGauge(name string, value float64)
}

// NopSink discards all updates. It is the default sink for runs that do
// not opt in to metrics emission.
type NopSink struct{}

// IncCounter implements Sink.
func (NopSink) IncCounter(string, uint64) {}

// ObserveLatency implements Sink.
func (NopSink) ObserveLatency(string, time.Duration) {}

// SetGauge implements Sink.
func (NopSink) SetGauge(string, float64) {}
