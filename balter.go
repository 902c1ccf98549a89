// Package balter is a load-testing engine. A scenario is an async loop
// of work invoking instrumented transactions; the engine runs many
// concurrent instances of it and regulates their rate and parallelism
// until observed behavior converges to the configured constraints: a TPS
// ceiling, an error-rate target, a latency target at a quantile, and an
// optional wall-clock duration.
package balter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/BalterLoadTesting/balter/internal/config"
	"github.com/BalterLoadTesting/balter/internal/loadctrl"
	"github.com/BalterLoadTesting/balter/internal/metrics"
)

// Errors returned by the builder.
var (
	// ErrInvalidScenario is returned by Run when the builder was
	// misconfigured. It is the engine's only user-visible failure.
	ErrInvalidScenario = errors.New("balter: invalid scenario")
)

// ScenarioFunc is one pass of a user scenario. The engine calls it in a
// loop from every worker; transactions invoked under ctx are
// instrumented automatically.
type ScenarioFunc func(ctx context.Context)

// Hint seeds the controllers with starting points.
type Hint struct {
	// ConcurrencyStart is the initial worker count. Default: 10.
	ConcurrencyStart int
	// InitialTPS seeds the error-rate and latency controllers' search.
	// Default: 256.
	InitialTPS float64
}

// Sink is the metrics emission interface a run reports into.
type Sink = metrics.Sink

// PrometheusSink re-exports the bundled Prometheus sink.
type PrometheusSink = metrics.PrometheusSink

// PrometheusSinkConfig configures the bundled Prometheus sink.
type PrometheusSinkConfig = metrics.PrometheusSinkConfig

// NewPrometheusSink creates the bundled Prometheus sink.
func NewPrometheusSink(cfg PrometheusSinkConfig) *PrometheusSink {
	return metrics.NewPrometheusSink(cfg)
}

// Tuning holds the engine's tunable constants.
type Tuning = config.Tuning

// DefaultTuning returns the engine defaults.
func DefaultTuning() Tuning {
	return config.DefaultTuning()
}

// LoadTuning reads tuning overrides from a YAML file.
func LoadTuning(path string) (Tuning, error) {
	return config.LoadTuning(path)
}

// Scenario is the fluent builder for one load-testing run. Builder
// methods record constraints; Run drives the scenario until a terminal
// condition and returns RunStats.
//
// A Scenario value is not safe for concurrent mutation, but independent
// Run calls on distinct Scenario values may execute concurrently in one
// process.
type Scenario struct {
	name string
	fn   ScenarioFunc

	tpsMax          float64
	errRateMax      float64 // 0 = unset
	latencyTarget   time.Duration
	latencyQuantile float64 // 0 = unset
	duration        time.Duration
	hint            Hint
	stability       bool

	logger *zap.Logger
	sink   metrics.Sink
	tuning config.Tuning

	err error // first builder misconfiguration, surfaced by Run
}

// NewScenario creates a builder around the scenario body.
func NewScenario(name string, fn ScenarioFunc) *Scenario {
	return &Scenario{
		name:   name,
		fn:     fn,
		tpsMax: loadctrl.Unlimited,
		logger: zap.NewNop(),
		sink:   metrics.NopSink{},
		tuning: config.DefaultTuning(),
	}
}

// TPS caps the transaction rate. 0 halts all transactions until the cap
// is raised by a later run; math.MaxUint32 behaves as unbounded.
func (s *Scenario) TPS(tps uint32) *Scenario {
	if tps == math.MaxUint32 {
		s.tpsMax = loadctrl.Unlimited
	} else {
		s.tpsMax = float64(tps)
	}
	return s
}

// ErrorRate targets a maximum observed error rate in (0, 1).
func (s *Scenario) ErrorRate(rate float64) *Scenario {
	if math.IsNaN(rate) || rate <= 0 || rate >= 1 {
		s.fail(fmt.Errorf("%w: error rate %v outside (0, 1)", ErrInvalidScenario, rate))
		return s
	}
	s.errRateMax = rate
	return s
}

// Latency targets a maximum latency at the given quantile. The quantile
// must be in the open interval (0, 1) and the target positive.
func (s *Scenario) Latency(target time.Duration, quantile float64) *Scenario {
	if target <= 0 {
		s.fail(fmt.Errorf("%w: latency target must be positive, got %v", ErrInvalidScenario, target))
		return s
	}
	if math.IsNaN(quantile) || quantile <= 0 || quantile >= 1 {
		s.fail(fmt.Errorf("%w: latency quantile %v outside (0, 1)", ErrInvalidScenario, quantile))
		return s
	}
	s.latencyTarget = target
	s.latencyQuantile = quantile
	return s
}

// Duration bounds the run's wall clock. Without it the run continues
// until the context is cancelled or, with Stability, until all active
// controllers report stable.
func (s *Scenario) Duration(d time.Duration) *Scenario {
	if d < 0 {
		s.fail(fmt.Errorf("%w: duration cannot be negative", ErrInvalidScenario))
		return s
	}
	s.duration = d
	return s
}

// WithHint seeds the controllers. Zero fields keep their current value,
// so hints set by earlier builder calls are preserved.
func (s *Scenario) WithHint(h Hint) *Scenario {
	if h.ConcurrencyStart < 0 || h.InitialTPS < 0 {
		s.fail(fmt.Errorf("%w: hints cannot be negative", ErrInvalidScenario))
		return s
	}
	if h.ConcurrencyStart > 0 {
		s.hint.ConcurrencyStart = h.ConcurrencyStart
	}
	if h.InitialTPS > 0 {
		s.hint.InitialTPS = h.InitialTPS
	}
	return s
}

// ConcurrencyStart sets the initial worker count. Default: 10.
func (s *Scenario) ConcurrencyStart(n int) *Scenario {
	if n <= 0 {
		s.fail(fmt.Errorf("%w: concurrency start must be positive", ErrInvalidScenario))
		return s
	}
	s.hint.ConcurrencyStart = n
	return s
}

// Stability makes all-controllers-stable a terminal condition for runs
// without a duration.
func (s *Scenario) Stability() *Scenario {
	s.stability = true
	return s
}

// WithLogger attaches a structured logger. Default: no-op.
func (s *Scenario) WithLogger(logger *zap.Logger) *Scenario {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithSink attaches a metrics sink. Default: no-op.
func (s *Scenario) WithSink(sink Sink) *Scenario {
	if sink != nil {
		s.sink = sink
	}
	return s
}

// WithTuning overrides the engine tuning constants.
func (s *Scenario) WithTuning(t Tuning) *Scenario {
	if err := t.Validate(); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrInvalidScenario, err))
		return s
	}
	s.tuning = t
	return s
}

// Run drives the scenario until a terminal condition and returns its
// statistics. The only error it returns is builder misconfiguration;
// engine degradations are reflected in RunStats.
func (s *Scenario) Run(ctx context.Context) (RunStats, error) {
	if err := s.validate(); err != nil {
		return RunStats{}, err
	}
	return newDriver(s).run(ctx)
}

func (s *Scenario) validate() error {
	if s.err != nil {
		return s.err
	}
	if s.name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScenario)
	}
	if s.fn == nil {
		return fmt.Errorf("%w: scenario function is required", ErrInvalidScenario)
	}
	return nil
}

func (s *Scenario) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}
