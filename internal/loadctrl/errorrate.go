package loadctrl

import (
	"math"

	"go.uber.org/zap"

	"github.com/BalterLoadTesting/balter/internal/config"
)

// ERCState is the error-rate controller's state.
type ERCState int

const (
	// ERCStable means the observed error rate has held inside the target
	// band for several consecutive windows.
	ERCStable ERCState = 0
	// ERCBigStep means the controller is still searching by doubling and
	// halving.
	ERCBigStep ERCState = 1
	// ERCSmallStep means the controller is fine-tuning with small
	// relative steps.
	ERCSmallStep ERCState = 2
)

// String returns the state name.
func (s ERCState) String() string {
	switch s {
	case ERCStable:
		return "stable"
	case ERCBigStep:
		return "big_step"
	case ERCSmallStep:
		return "small_step"
	default:
		return "unknown"
	}
}

// ErrorRateController proposes a TPS ceiling that keeps the observed
// error rate at or under the target. It searches coarsely by doubling,
// backs off by halving on overshoot, then converges with small steps.
//
// Not safe for concurrent use; the driver owns it.
type ErrorRateController struct {
	tuning config.Tuning
	logger *zap.Logger

	target      float64
	goal        float64
	state       ERCState
	inTolerance int
}

// NewErrorRateController creates a controller targeting the given error
// rate. initialTPS seeds the search; pass 0 to use the tuned default.
func NewErrorRateController(target, initialTPS float64, tuning config.Tuning, logger *zap.Logger) *ErrorRateController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initialTPS <= 0 || math.IsInf(initialTPS, 1) {
		initialTPS = tuning.ErrorRateInitialTPS
	}
	return &ErrorRateController{
		tuning: tuning,
		logger: logger,
		target: target,
		goal:   initialTPS,
		state:  ERCBigStep,
	}
}

// Goal returns the currently proposed TPS ceiling.
func (c *ErrorRateController) Goal() float64 {
	return c.goal
}

// State returns the controller state.
func (c *ErrorRateController) State() ERCState {
	return c.state
}

// Stable reports whether the controller has converged.
func (c *ErrorRateController) Stable() bool {
	return c.state == ERCStable
}

// Update consumes one converged window's error rate and returns the new
// proposed TPS ceiling.
func (c *ErrorRateController) Update(errorRate float64) float64 {
	if math.IsNaN(errorRate) {
		return c.goal
	}

	margin := c.target * c.tuning.ErrorRateMarginFrac

	switch {
	case errorRate > c.target:
		if c.state == ERCBigStep {
			c.goal /= 2
		} else {
			c.goal *= 1 - c.tuning.ErrorRateSmallStep
		}
		c.state = ERCSmallStep
		c.inTolerance = 0
	case errorRate < c.target-margin:
		if c.state == ERCBigStep {
			c.goal *= 2
		} else {
			c.goal *= 1 + c.tuning.ErrorRateSmallStep
			c.state = ERCSmallStep
		}
		c.inTolerance = 0
	default:
		// Inside the band. A coarse search that lands here goes straight
		// to fine-tuning.
		if c.state == ERCBigStep {
			c.state = ERCSmallStep
		}
		c.inTolerance++
		if c.inTolerance >= c.tuning.ErrorRateStableAfter {
			c.state = ERCStable
		}
	}

	c.goal = math.Max(c.goal, 1)
	c.logger.Debug("error rate controller step",
		zap.Float64("error_rate", errorRate),
		zap.Float64("target", c.target),
		zap.Float64("goal_tps", c.goal),
		zap.String("state", c.state.String()))
	return c.goal
}
