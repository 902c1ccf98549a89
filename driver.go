package balter

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BalterLoadTesting/balter/internal/hook"
	"github.com/BalterLoadTesting/balter/internal/loadctrl"
	"github.com/BalterLoadTesting/balter/internal/pool"
	"github.com/BalterLoadTesting/balter/internal/sampler"
)

// driver owns one scenario run: the hook, the rate limiter, the worker
// pool, the sampler, and the three controllers whose proposed ceilings
// compose by minimum into the live goal TPS.
type driver struct {
	sc     *Scenario
	logger *zap.Logger
	runID  string

	hook    *hook.Hook
	limiter *loadctrl.RateLimiter
	workers *pool.Pool

	cc  *loadctrl.ConcurrencyController
	erc *loadctrl.ErrorRateController
	lc  *loadctrl.LatencyController

	goalTPS float64

	snapshots chan *hook.Snapshot
	abortCh   chan struct{}
	aborted   bool
	abortWhy  string
}

func newDriver(s *Scenario) *driver {
	runID := uuid.NewString()
	logger := s.logger.With(
		zap.String("scenario", s.name),
		zap.String("run_id", runID),
	)

	d := &driver{
		sc:        s,
		logger:    logger,
		runID:     runID,
		hook:      hook.New(s.name, s.tuning.ReservoirCapacity, s.sink),
		cc:        loadctrl.NewConcurrencyController(s.tuning, logger),
		snapshots: make(chan *hook.Snapshot, 1),
		abortCh:   make(chan struct{}),
	}
	if s.errRateMax > 0 {
		d.erc = loadctrl.NewErrorRateController(s.errRateMax, s.hint.InitialTPS, s.tuning, logger)
	}
	if s.latencyQuantile > 0 {
		d.lc = loadctrl.NewLatencyController(s.latencyTarget, s.latencyQuantile, s.hint.InitialTPS, s.tuning, logger)
	}

	d.goalTPS = d.composeGoal()
	d.limiter = loadctrl.NewRateLimiter(d.goalTPS)
	d.hook.SetLimiter(d.limiter)

	d.workers = pool.New(d.runPass, logger, pool.Config{
		CrashWindow:   s.tuning.CrashWindow,
		CrashFraction: s.tuning.CrashFraction,
		OnBudgetExceeded: func() {
			close(d.abortCh)
		},
	})
	return d
}

// runPass executes one pass of the user scenario body.
func (d *driver) runPass(ctx context.Context) {
	d.sc.fn(ctx)
}

func (d *driver) run(parent context.Context) (RunStats, error) {
	runCtx, cancel := context.WithCancel(parent)
	defer cancel()
	runCtx = hook.WithHook(runCtx, d.hook)

	start := time.Now()
	d.logger.Info("scenario run starting",
		zap.Float64("goal_tps", d.goalTPS),
		zap.Int("concurrency_start", d.concurrencyStart()),
		zap.Duration("duration", d.sc.duration))

	d.workers.Start(runCtx, d.concurrencyStart())

	smp := sampler.New(d.hook, d.sc.tuning, d.logger, d.workers.Size,
		d.configuredQuantiles(), d.enqueueSnapshot)
	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		smp.Run(runCtx)
	}()

	var expire <-chan time.Time
	if d.sc.duration > 0 {
		timer := time.NewTimer(d.sc.duration)
		defer timer.Stop()
		expire = timer.C
	}

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-expire:
			break loop
		case <-d.abortCh:
			d.aborted = true
			d.abortWhy = fmt.Sprintf("worker crash budget exceeded (%d crashes)", d.workers.TotalCrashes())
			break loop
		case snap := <-d.snapshots:
			d.handleSnapshot(snap)
			if d.sc.stability && d.allStable() {
				d.logger.Info("all controllers stable, terminating")
				break loop
			}
		}
	}

	cancel()
	drained := d.workers.Stop(d.sc.tuning.DrainGrace)
	<-samplerDone

	stats := d.finalStats(time.Since(start))
	if !drained {
		stats.Aborted = true
		if stats.AbortReason == "" {
			stats.AbortReason = "workers abandoned past drain grace"
		}
	}
	d.logger.Info("scenario run finished",
		zap.Float64("actual_tps", stats.ActualTPS),
		zap.Float64("error_rate", stats.ErrorRate),
		zap.Uint64("transactions", stats.TotalTransactions()),
		zap.Bool("tps_limited", stats.TpsLimited))
	return stats, nil
}

// enqueueSnapshot hands a snapshot to the driver loop without blocking
// the sampler; an unconsumed older snapshot is simply superseded.
func (d *driver) enqueueSnapshot(snap *hook.Snapshot) {
	select {
	case d.snapshots <- snap:
	default:
		select {
		case <-d.snapshots:
		default:
		}
		select {
		case d.snapshots <- snap:
		default:
		}
	}
}

func (d *driver) handleSnapshot(snap *hook.Snapshot) {
	if age := time.Since(snap.Taken); age > time.Duration(d.sc.tuning.StalenessFactor*float64(snap.SampleWindow)) {
		d.logger.Debug("discarding stale snapshot", zap.Duration("age", age))
		return
	}

	if snap.MeasuredTPS > 0 {
		if d.erc != nil {
			d.erc.Update(snap.ErrorRate)
		}
		if d.lc != nil {
			// A missing quantile means the reservoir had no usable
			// samples; Update treats zero as no-op.
			d.lc.Update(snap.Latencies[d.lc.Quantile()])
		}
	}

	d.goalTPS = d.composeGoal()
	d.limiter.SetRate(d.goalTPS)

	desired := d.cc.Update(snap, d.goalTPS)
	if desired != d.workers.Size() {
		d.workers.Resize(desired)
	}

	d.emitGauges(snap)
}

// composeGoal folds the user ceiling and every controller proposal into
// the enforced goal via a minimum, so any violated constraint lowers the
// ceiling without cross-coupling.
func (d *driver) composeGoal() float64 {
	goal := d.sc.tpsMax
	if d.erc != nil {
		goal = math.Min(goal, d.erc.Goal())
	}
	if d.lc != nil {
		goal = math.Min(goal, d.lc.Goal())
	}
	if d.cc != nil {
		goal = math.Min(goal, d.cc.ProposedCap())
	}
	return goal
}

func (d *driver) allStable() bool {
	if st := d.cc.State(); st != loadctrl.CCStable && st != loadctrl.CCTpsLimited {
		return false
	}
	if d.erc != nil && !d.erc.Stable() {
		return false
	}
	if d.lc != nil && !d.lc.Stable() {
		return false
	}
	return true
}

func (d *driver) emitGauges(snap *hook.Snapshot) {
	sink := d.hook.Sink()
	prefix := "balter_" + d.sc.name + "_"

	sink.SetGauge(prefix+"concurrency", float64(d.workers.Size()))
	sink.SetGauge(prefix+"goal_tps", boundedGauge(d.goalTPS))
	sink.SetGauge(prefix+"measured_tps", snap.MeasuredTPS)
	sink.SetGauge(prefix+"error_rate", snap.ErrorRate)
	sink.SetGauge(prefix+"cc_state", float64(d.cc.State()))
	if d.erc != nil {
		sink.SetGauge(prefix+"erc_goal_tps", boundedGauge(d.erc.Goal()))
		sink.SetGauge(prefix+"erc_state", float64(d.erc.State()))
	}
	if d.lc != nil {
		sink.SetGauge(prefix+"lc_goal_tps", boundedGauge(d.lc.Goal()))
	}
}

// boundedGauge maps an unlimited ceiling to -1 so dashboards are not
// fed infinities.
func boundedGauge(v float64) float64 {
	if math.IsInf(v, 1) {
		return -1
	}
	return v
}

func (d *driver) concurrencyStart() int {
	if d.sc.hint.ConcurrencyStart > 0 {
		return d.sc.hint.ConcurrencyStart
	}
	return d.sc.tuning.ConcurrencyStart
}

func (d *driver) configuredQuantiles() []float64 {
	if d.lc != nil {
		return []float64{d.lc.Quantile()}
	}
	return nil
}

func (d *driver) finalStats(elapsed time.Duration) RunStats {
	success, errs := d.hook.Totals()
	total := success + errs

	stats := RunStats{
		RunID:             d.runID,
		Scenario:          d.sc.name,
		TotalSuccess:      success,
		TotalError:        errs,
		DurationElapsed:   elapsed,
		TpsLimited:        d.cc.State() == loadctrl.CCTpsLimited,
		WorkerCrashes:     d.workers.TotalCrashes(),
		LatencyByQuantile: make(map[float64]time.Duration),
	}
	if d.aborted {
		stats.Aborted = true
		stats.AbortReason = d.abortWhy
	}
	if elapsed > 0 {
		stats.ActualTPS = float64(total) / elapsed.Seconds()
	}
	if total > 0 {
		stats.ErrorRate = float64(errs) / float64(total)
	}

	quantiles := append([]float64{}, sampler.DefaultQuantiles...)
	if d.lc != nil {
		quantiles = append(quantiles, d.lc.Quantile())
	}
	for _, q := range quantiles {
		if lat, ok := d.hook.Reservoir().Quantile(q); ok {
			stats.LatencyByQuantile[q] = lat
		}
	}
	return stats
}
