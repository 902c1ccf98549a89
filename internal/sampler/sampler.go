// Package sampler turns the hook's raw counters into converged
// measurement snapshots. One sampler goroutine runs per scenario; it
// adapts its window to the observed transaction volume and publishes a
// snapshot only when the TPS signal has stabilized, so the controllers
// react to measurements rather than noise.
package sampler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BalterLoadTesting/balter/internal/config"
	"github.com/BalterLoadTesting/balter/internal/hook"
)

// DefaultQuantiles are always included in published snapshots alongside
// any constraint-configured quantile.
var DefaultQuantiles = []float64{0.50, 0.90, 0.95, 0.99}

// Sampler periodically reads counter deltas off a hook, tests the TPS
// signal for convergence, and publishes snapshots.
//
// Run it from exactly one goroutine.
type Sampler struct {
	hook        *hook.Hook
	tuning      config.Tuning
	logger      *zap.Logger
	concurrency func() int
	onSnapshot  func(*hook.Snapshot)
	quantiles   []float64

	interval    time.Duration
	baseSuccess uint64
	baseErrors  uint64
	ring        *windowRing
}

// New creates a sampler for the given hook. concurrency reports the live
// worker count for snapshot labeling; onSnapshot is invoked after each
// publication and may be nil.
func New(
	h *hook.Hook,
	tuning config.Tuning,
	logger *zap.Logger,
	concurrency func() int,
	quantiles []float64,
	onSnapshot func(*hook.Snapshot),
) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	qs := make([]float64, 0, len(DefaultQuantiles)+len(quantiles))
	qs = append(qs, DefaultQuantiles...)
	for _, q := range quantiles {
		if !containsQuantile(qs, q) {
			qs = append(qs, q)
		}
	}
	return &Sampler{
		hook:        h,
		tuning:      tuning,
		logger:      logger,
		concurrency: concurrency,
		onSnapshot:  onSnapshot,
		quantiles:   qs,
		interval:    tuning.SampleInterval,
		ring:        newWindowRing(tuning.WindowRingSize),
	}
}

// Run executes the sampling loop until the context is cancelled. It
// never fails; degenerate inputs are filtered before publication.
func (s *Sampler) Run(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			s.tick(now.Sub(last))
			last = now
			timer.Reset(s.interval)
		}
	}
}

// Interval returns the current measurement window.
func (s *Sampler) Interval() time.Duration {
	return s.interval
}

func (s *Sampler) tick(dt time.Duration) {
	if dt <= 0 {
		return
	}

	success, errs := s.hook.Totals()
	deltaTotal := (success + errs) - (s.baseSuccess + s.baseErrors)
	deltaErrs := errs - s.baseErrors
	s.baseSuccess = success
	s.baseErrors = errs

	s.ring.push(window{
		tps:   float64(deltaTotal) / dt.Seconds(),
		total: deltaTotal,
		errs:  deltaErrs,
	})
	s.adaptInterval(deltaTotal)

	if !s.ring.full() {
		return
	}

	mean := s.ring.mean()
	if mean == 0 {
		// Dead SUT or a zeroed rate limiter. Publish the zero snapshot so
		// the controllers can hold position instead of scaling blind.
		s.publish(0)
		return
	}
	if cv := s.ring.cv(); cv > s.tuning.ConvergenceCV {
		s.logger.Debug("tps signal not converged",
			zap.Float64("mean", mean),
			zap.Float64("cv", cv))
		return
	}
	s.publish(mean)
}

// adaptInterval widens the window when too few transactions land in it
// and narrows it when too many do, within the configured bounds.
func (s *Sampler) adaptInterval(count uint64) {
	switch {
	case count < s.tuning.SampleCountMin:
		s.interval = min(s.interval*2, s.tuning.SampleIntervalMax)
	case count > s.tuning.SampleCountMax:
		s.interval = max(s.interval/2, s.tuning.SampleIntervalMin)
	}
}

func (s *Sampler) publish(meanTPS float64) {
	latencies := make(map[float64]time.Duration, len(s.quantiles))
	for _, q := range s.quantiles {
		if d, ok := s.hook.Reservoir().Quantile(q); ok {
			latencies[q] = d
		}
	}

	snap := &hook.Snapshot{
		MeasuredTPS:  meanTPS,
		ErrorRate:    s.ring.errorRate(),
		Latencies:    latencies,
		SampleWindow: s.interval,
		Concurrency:  s.concurrency(),
		Taken:        time.Now(),
	}
	s.hook.Publish(snap)

	s.logger.Debug("snapshot published",
		zap.Float64("measured_tps", snap.MeasuredTPS),
		zap.Float64("error_rate", snap.ErrorRate),
		zap.Int("concurrency", snap.Concurrency))

	if s.onSnapshot != nil {
		s.onSnapshot(snap)
	}
}

func containsQuantile(qs []float64, q float64) bool {
	for _, have := range qs {
		if have == q {
			return true
		}
	}
	return false
}
