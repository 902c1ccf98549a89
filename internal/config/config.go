// Package config holds the engine tuning knobs. Every threshold and step
// size the sampler and controllers use lives here so that a deployment
// can override them from a YAML file without rebuilding.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Errors returned by the config package.
var (
	// ErrInvalidTuning is returned when a tuning value is out of range.
	ErrInvalidTuning = errors.New("config: invalid tuning")
)

// Tuning contains the tunable constants of the engine.
//
// The zero value is not usable; start from DefaultTuning and override.
type Tuning struct {
	// ReservoirCapacity is the number of latency samples retained per run.
	ReservoirCapacity int `yaml:"reservoirCapacity" json:"reservoirCapacity"`

	// SampleInterval is the sampler's starting measurement window.
	SampleInterval time.Duration `yaml:"sampleInterval" json:"sampleInterval"`

	// SampleIntervalMin is the floor the window shrinks to under high load.
	SampleIntervalMin time.Duration `yaml:"sampleIntervalMin" json:"sampleIntervalMin"`

	// SampleIntervalMax is the ceiling the window grows to under low load.
	SampleIntervalMax time.Duration `yaml:"sampleIntervalMax" json:"sampleIntervalMax"`

	// SampleCountMin doubles the window when fewer transactions land in it.
	SampleCountMin uint64 `yaml:"sampleCountMin" json:"sampleCountMin"`

	// SampleCountMax halves the window when more transactions land in it.
	SampleCountMax uint64 `yaml:"sampleCountMax" json:"sampleCountMax"`

	// WindowRingSize is how many trailing windows the convergence test sees.
	WindowRingSize int `yaml:"windowRingSize" json:"windowRingSize"`

	// ConvergenceCV is the coefficient-of-variation threshold below which
	// the measured TPS signal is declared converged.
	ConvergenceCV float64 `yaml:"convergenceCV" json:"convergenceCV"`

	// GoalTolerance is the relative band around goal TPS treated as "met".
	GoalTolerance float64 `yaml:"goalTolerance" json:"goalTolerance"`

	// SlopeThreshold is the normalized TPS-per-worker slope below which
	// added concurrency is judged to no longer raise throughput.
	SlopeThreshold float64 `yaml:"slopeThreshold" json:"slopeThreshold"`

	// SlopeObservations is how many (concurrency, tps) points the slope
	// fit uses.
	SlopeObservations int `yaml:"slopeObservations" json:"slopeObservations"`

	// ConcurrencyStart is the initial worker count.
	ConcurrencyStart int `yaml:"concurrencyStart" json:"concurrencyStart"`

	// ConcurrencyDoubleCeiling is the worker count up to which growth
	// doubles; beyond it growth is linear.
	ConcurrencyDoubleCeiling int `yaml:"concurrencyDoubleCeiling" json:"concurrencyDoubleCeiling"`

	// ConcurrencyMax is the hard worker ceiling.
	ConcurrencyMax int `yaml:"concurrencyMax" json:"concurrencyMax"`

	// LinearGrowthFraction is the fraction of the current pool added per
	// step once past the doubling ceiling.
	LinearGrowthFraction float64 `yaml:"linearGrowthFraction" json:"linearGrowthFraction"`

	// StalenessFactor times the sample window is the snapshot age past
	// which controllers refuse to act.
	StalenessFactor float64 `yaml:"stalenessFactor" json:"stalenessFactor"`

	// ErrorRateInitialTPS is the error-rate controller's starting ceiling.
	ErrorRateInitialTPS float64 `yaml:"errorRateInitialTPS" json:"errorRateInitialTPS"`

	// ErrorRateSmallStep is the relative increment used in fine approach.
	ErrorRateSmallStep float64 `yaml:"errorRateSmallStep" json:"errorRateSmallStep"`

	// ErrorRateMarginFrac sizes the band under the target as a fraction of
	// it: an error rate below target*(1-ErrorRateMarginFrac) counts as
	// undershoot and raises the goal (doubling in BigStep, a small step
	// otherwise).
	ErrorRateMarginFrac float64 `yaml:"errorRateMarginFrac" json:"errorRateMarginFrac"`

	// ErrorRateStableAfter is how many consecutive in-tolerance windows
	// declare the controller stable.
	ErrorRateStableAfter int `yaml:"errorRateStableAfter" json:"errorRateStableAfter"`

	// LatencyIncreaseFar is the multiplicative increase applied while the
	// observed quantile is well below target.
	LatencyIncreaseFar float64 `yaml:"latencyIncreaseFar" json:"latencyIncreaseFar"`

	// LatencyIncreaseNear is the increase applied inside the approach band.
	LatencyIncreaseNear float64 `yaml:"latencyIncreaseNear" json:"latencyIncreaseNear"`

	// LatencyNearRatio is the observed/target ratio at which the fine
	// approach begins.
	LatencyNearRatio float64 `yaml:"latencyNearRatio" json:"latencyNearRatio"`

	// LatencyBackoffFloor bounds how hard a single overshoot cuts the goal.
	LatencyBackoffFloor float64 `yaml:"latencyBackoffFloor" json:"latencyBackoffFloor"`

	// DrainGrace is how long the driver waits for workers to exit before
	// abandoning them.
	DrainGrace time.Duration `yaml:"drainGrace" json:"drainGrace"`

	// CrashWindow and CrashFraction define the failure budget: if more
	// than CrashFraction of the pool crashes within CrashWindow the run
	// terminates.
	CrashWindow   time.Duration `yaml:"crashWindow" json:"crashWindow"`
	CrashFraction float64       `yaml:"crashFraction" json:"crashFraction"`
}

// DefaultTuning returns the engine defaults.
func DefaultTuning() Tuning {
	return Tuning{
		ReservoirCapacity:        2048,
		SampleInterval:           200 * time.Millisecond,
		SampleIntervalMin:        100 * time.Millisecond,
		SampleIntervalMax:        2 * time.Second,
		SampleCountMin:           50,
		SampleCountMax:           5000,
		WindowRingSize:           8,
		ConvergenceCV:            0.05,
		GoalTolerance:            0.05,
		SlopeThreshold:           0.2,
		SlopeObservations:        4,
		ConcurrencyStart:         10,
		ConcurrencyDoubleCeiling: 2000,
		ConcurrencyMax:           10000,
		LinearGrowthFraction:     0.25,
		StalenessFactor:          3.0,
		ErrorRateInitialTPS:      256,
		ErrorRateSmallStep:       0.10,
		ErrorRateMarginFrac:      0.25,
		ErrorRateStableAfter:     3,
		LatencyIncreaseFar:       1.20,
		LatencyIncreaseNear:      1.05,
		LatencyNearRatio:         0.7,
		LatencyBackoffFloor:      0.5,
		DrainGrace:               time.Second,
		CrashWindow:              10 * time.Second,
		CrashFraction:            0.5,
	}
}

// Validate checks that all tuning values are in range.
func (t *Tuning) Validate() error {
	if t.ReservoirCapacity <= 0 {
		return fmt.Errorf("%w: reservoirCapacity must be positive", ErrInvalidTuning)
	}
	if t.SampleIntervalMin <= 0 || t.SampleIntervalMax < t.SampleIntervalMin {
		return fmt.Errorf("%w: sample interval bounds are inverted", ErrInvalidTuning)
	}
	if t.SampleInterval < t.SampleIntervalMin || t.SampleInterval > t.SampleIntervalMax {
		return fmt.Errorf("%w: sampleInterval outside [min, max]", ErrInvalidTuning)
	}
	if t.WindowRingSize < 2 {
		return fmt.Errorf("%w: windowRingSize must be at least 2", ErrInvalidTuning)
	}
	if t.ConvergenceCV <= 0 || t.ConvergenceCV >= 1 {
		return fmt.Errorf("%w: convergenceCV must be in (0, 1)", ErrInvalidTuning)
	}
	if t.GoalTolerance <= 0 || t.GoalTolerance >= 1 {
		return fmt.Errorf("%w: goalTolerance must be in (0, 1)", ErrInvalidTuning)
	}
	if t.SlopeObservations < 2 {
		return fmt.Errorf("%w: slopeObservations must be at least 2", ErrInvalidTuning)
	}
	if t.ConcurrencyStart <= 0 || t.ConcurrencyStart > t.ConcurrencyMax {
		return fmt.Errorf("%w: concurrencyStart outside (0, concurrencyMax]", ErrInvalidTuning)
	}
	if t.ConcurrencyDoubleCeiling <= 0 || t.ConcurrencyDoubleCeiling > t.ConcurrencyMax {
		return fmt.Errorf("%w: concurrencyDoubleCeiling outside (0, concurrencyMax]", ErrInvalidTuning)
	}
	if t.LinearGrowthFraction <= 0 {
		return fmt.Errorf("%w: linearGrowthFraction must be positive", ErrInvalidTuning)
	}
	if t.ErrorRateInitialTPS <= 0 {
		return fmt.Errorf("%w: errorRateInitialTPS must be positive", ErrInvalidTuning)
	}
	if t.ErrorRateStableAfter <= 0 {
		return fmt.Errorf("%w: errorRateStableAfter must be positive", ErrInvalidTuning)
	}
	if t.LatencyBackoffFloor <= 0 || t.LatencyBackoffFloor >= 1 {
		return fmt.Errorf("%w: latencyBackoffFloor must be in (0, 1)", ErrInvalidTuning)
	}
	if t.CrashFraction <= 0 || t.CrashFraction > 1 {
		return fmt.Errorf("%w: crashFraction must be in (0, 1]", ErrInvalidTuning)
	}
	return nil
}

// LoadTuning reads tuning overrides from a YAML file. Fields absent from
// the file keep their defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()

	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}
