package loadctrl

import (
	"math"

	"go.uber.org/zap"

	"github.com/BalterLoadTesting/balter/internal/config"
	"github.com/BalterLoadTesting/balter/internal/hook"
)

// CCState is the concurrency controller's state.
type CCState int

const (
	// CCTpsLimited means added concurrency no longer raises TPS; the SUT
	// or the host is the bottleneck.
	CCTpsLimited CCState = -1
	// CCStable means measured TPS is within tolerance of the goal.
	CCStable CCState = 0
	// CCWorking means the pool is still growing toward the goal.
	CCWorking CCState = 1
)

// String returns the state name.
func (s CCState) String() string {
	switch s {
	case CCTpsLimited:
		return "tps_limited"
	case CCStable:
		return "stable"
	case CCWorking:
		return "working"
	default:
		return "unknown"
	}
}

// Observation is one (concurrency, converged TPS) pair.
type Observation struct {
	Concurrency int
	TPS         float64
}

// ConcurrencyController finds the minimum worker count at which measured
// TPS reaches the goal, or concludes the SUT is the bottleneck via a
// least-squares slope fit over recent observations.
//
// Not safe for concurrent use; the driver owns it.
type ConcurrencyController struct {
	tuning config.Tuning
	logger *zap.Logger

	state        CCState
	observations []Observation
	maxTPS       float64
	limitedCap   float64
	lastGoal     float64
}

// NewConcurrencyController creates a controller starting in Working.
func NewConcurrencyController(tuning config.Tuning, logger *zap.Logger) *ConcurrencyController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConcurrencyController{
		tuning:     tuning,
		logger:     logger,
		state:      CCWorking,
		limitedCap: Unlimited,
		lastGoal:   Unlimited,
	}
}

// State returns the controller state.
func (c *ConcurrencyController) State() CCState {
	return c.state
}

// ProposedCap returns the TPS ceiling imposed by bottleneck detection,
// or Unlimited while the SUT keeps up.
func (c *ConcurrencyController) ProposedCap() float64 {
	return c.limitedCap
}

// Observations returns the retained (concurrency, TPS) pairs.
func (c *ConcurrencyController) Observations() []Observation {
	return c.observations
}

// Update consumes a converged snapshot and returns the desired worker
// count. The driver guarantees the snapshot is fresh; a zero-TPS
// snapshot holds the current count unchanged.
func (c *ConcurrencyController) Update(snap *hook.Snapshot, goalTPS float64) int {
	current := snap.Concurrency

	// A goal lowered below the bottleneck cap invalidates the verdict
	// reached at the old, higher rate. The cap itself binding the goal
	// does not.
	if goalTPS < c.lastGoal && goalTPS < c.limitedCap && c.state == CCTpsLimited {
		c.state = CCWorking
		c.limitedCap = Unlimited
	}
	c.lastGoal = goalTPS

	if snap.MeasuredTPS == 0 {
		return current
	}

	c.observe(Observation{Concurrency: current, TPS: snap.MeasuredTPS})
	if snap.MeasuredTPS > c.maxTPS {
		c.maxTPS = snap.MeasuredTPS
	}

	if withinGoal(snap.MeasuredTPS, goalTPS, c.tuning.GoalTolerance) {
		// Meeting a goal capped at the bottleneck keeps the verdict.
		if c.state != CCTpsLimited {
			c.state = CCStable
		}
		// The goal fell well below what this pool demonstrably sustains;
		// drain half the workers.
		if !math.IsInf(goalTPS, 1) && c.maxTPS > 2*goalTPS && current > 1 {
			c.logger.Debug("halving worker pool",
				zap.Float64("goal_tps", goalTPS),
				zap.Float64("max_observed_tps", c.maxTPS),
				zap.Int("concurrency", current))
			return max(current/2, 1)
		}
		return current
	}

	if c.state != CCTpsLimited && c.slopeLimited() {
		c.state = CCTpsLimited
		c.limitedCap = c.maxTPS
		c.logger.Info("sut is tps limited",
			zap.Float64("cap_tps", c.limitedCap),
			zap.Int("concurrency", current))
		return current
	}
	if c.state == CCTpsLimited {
		return current
	}

	c.state = CCWorking
	return c.grow(current)
}

// observe appends an observation, replacing the previous one when the
// concurrency did not change, and keeps only the slope window.
func (c *ConcurrencyController) observe(o Observation) {
	n := len(c.observations)
	if n > 0 && c.observations[n-1].Concurrency == o.Concurrency {
		c.observations[n-1] = o
		return
	}
	c.observations = append(c.observations, o)
	if len(c.observations) > c.tuning.SlopeObservations {
		c.observations = c.observations[len(c.observations)-c.tuning.SlopeObservations:]
	}
}

// grow doubles the pool up to the doubling ceiling, then adds linearly.
func (c *ConcurrencyController) grow(current int) int {
	if current >= c.tuning.ConcurrencyMax {
		return current
	}
	var next int
	if current < c.tuning.ConcurrencyDoubleCeiling {
		next = min(current*2, c.tuning.ConcurrencyDoubleCeiling)
	} else {
		next = current + int(math.Ceil(c.tuning.LinearGrowthFraction*float64(current)))
	}
	return min(next, c.tuning.ConcurrencyMax)
}

// slopeLimited fits tps = a*concurrency + b over the retained
// observations and compares the slope against the overall
// TPS-per-worker scale. The test is invariant under positive scaling of
// the concurrency axis.
func (c *ConcurrencyController) slopeLimited() bool {
	if len(c.observations) < c.tuning.SlopeObservations {
		return false
	}

	slope, ok := olsSlope(c.observations)
	if !ok {
		return false
	}

	var maxTPS, maxConc float64
	for _, o := range c.observations {
		maxTPS = math.Max(maxTPS, o.TPS)
		maxConc = math.Max(maxConc, float64(o.Concurrency))
	}
	if maxTPS <= 0 || maxConc <= 0 {
		return false
	}
	norm := maxTPS / maxConc
	return slope/norm < c.tuning.SlopeThreshold
}

// olsSlope returns the ordinary-least-squares slope of TPS against
// concurrency. ok is false when all observations share one concurrency.
func olsSlope(obs []Observation) (float64, bool) {
	n := float64(len(obs))
	var sumX, sumY, sumXY, sumXX float64
	for _, o := range obs {
		x := float64(o.Concurrency)
		sumX += x
		sumY += o.TPS
		sumXY += x * o.TPS
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, false
	}
	return (n*sumXY - sumX*sumY) / denom, true
}

func withinGoal(measured, goal, tolerance float64) bool {
	if math.IsInf(goal, 1) {
		return false
	}
	return measured >= goal*(1-tolerance)
}
