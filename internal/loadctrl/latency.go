package loadctrl

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/BalterLoadTesting/balter/internal/config"
)

// LatencyController proposes a TPS ceiling that keeps the observed
// latency quantile at or under the target duration. It is an
// additive-increase / multiplicative-decrease loop keyed off the ratio
// of observed to target latency.
//
// Not safe for concurrent use; the driver owns it.
type LatencyController struct {
	tuning config.Tuning
	logger *zap.Logger

	target   time.Duration
	quantile float64
	goal     float64

	inBand int
}

// NewLatencyController creates a controller holding the given quantile
// at or under target. initialTPS seeds the search; pass 0 to use the
// tuned default.
func NewLatencyController(target time.Duration, quantile, initialTPS float64, tuning config.Tuning, logger *zap.Logger) *LatencyController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initialTPS <= 0 || math.IsInf(initialTPS, 1) {
		initialTPS = tuning.ErrorRateInitialTPS
	}
	return &LatencyController{
		tuning:   tuning,
		logger:   logger,
		target:   target,
		quantile: quantile,
		goal:     initialTPS,
	}
}

// Goal returns the currently proposed TPS ceiling.
func (c *LatencyController) Goal() float64 {
	return c.goal
}

// Quantile returns the configured quantile.
func (c *LatencyController) Quantile() float64 {
	return c.quantile
}

// Stable reports whether the observed quantile has sat in the approach
// band for several consecutive windows.
func (c *LatencyController) Stable() bool {
	return c.inBand >= c.tuning.ErrorRateStableAfter
}

// Update consumes one converged window's quantile latency and returns
// the new proposed TPS ceiling. Zero or negative observations mean the
// window had no usable samples and leave the goal untouched.
func (c *LatencyController) Update(observed time.Duration) float64 {
	if observed <= 0 {
		return c.goal
	}

	r := float64(observed) / float64(c.target)
	switch {
	case r < c.tuning.LatencyNearRatio:
		c.goal *= c.tuning.LatencyIncreaseFar
		c.inBand = 0
	case r <= 1.0:
		c.goal *= c.tuning.LatencyIncreaseNear
		c.inBand++
	default:
		c.goal *= math.Max(c.tuning.LatencyBackoffFloor, 1/r)
		c.inBand = 0
	}

	c.goal = math.Max(c.goal, 1)
	c.logger.Debug("latency controller step",
		zap.Duration("observed", observed),
		zap.Duration("target", c.target),
		zap.Float64("ratio", r),
		zap.Float64("goal_tps", c.goal))
	return c.goal
}
