// Package pool manages the dynamic set of worker goroutines that execute
// a scenario body in a loop. The driver resizes the pool as the
// concurrency controller directs and drains it cooperatively on
// shutdown.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Runner executes one full pass of the scenario body. The pool calls it
// repeatedly until the worker is stopped.
type Runner func(ctx context.Context)

// Pool is a resizable set of loop workers.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	runner Runner
	logger *zap.Logger

	workersMu sync.Mutex
	workers   []*worker
	nextID    int
	ctx       context.Context

	wg        sync.WaitGroup
	isRunning atomic.Bool
	size      atomic.Int32

	// Crash budget
	crashWindow    time.Duration
	crashFraction  float64
	crashMu        sync.Mutex
	crashTimes     []time.Time
	totalCrashes   atomic.Int64
	budgetExceeded atomic.Bool
	onBudget       func()
}

// Config holds configuration for creating a pool.
type Config struct {
	// CrashWindow is the trailing window crash counts are measured over.
	CrashWindow time.Duration
	// CrashFraction of the pool crashing within CrashWindow trips the
	// failure budget.
	CrashFraction float64
	// OnBudgetExceeded is invoked at most once when the budget trips.
	OnBudgetExceeded func()
}

// worker is a single scenario loop goroutine.
type worker struct {
	id      int
	stopCh  chan struct{}
	stopped atomic.Bool
}

// New creates a pool executing runner.
func New(runner Runner, logger *zap.Logger, config Config) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CrashWindow <= 0 {
		config.CrashWindow = 10 * time.Second
	}
	if config.CrashFraction <= 0 {
		config.CrashFraction = 0.5
	}
	return &Pool{
		runner:        runner,
		logger:        logger,
		crashWindow:   config.CrashWindow,
		crashFraction: config.CrashFraction,
		onBudget:      config.OnBudgetExceeded,
	}
}

// Start spawns the initial workers.
func (p *Pool) Start(ctx context.Context, n int) {
	if p.isRunning.Swap(true) {
		return
	}
	p.workersMu.Lock()
	p.ctx = ctx
	p.spawnLocked(n)
	p.workersMu.Unlock()
}

// Resize grows or shrinks the pool to target workers. Shrunk workers
// finish their current pass before exiting.
func (p *Pool) Resize(target int) {
	if !p.isRunning.Load() || target < 0 {
		return
	}

	p.workersMu.Lock()
	current := len(p.workers)
	var toStop []*worker
	switch {
	case target > current:
		p.spawnLocked(target - current)
	case target < current:
		toStop = make([]*worker, 0, current-target)
		for len(p.workers) > target {
			idx := len(p.workers) - 1
			toStop = append(toStop, p.workers[idx])
			p.workers = p.workers[:idx]
		}
		p.size.Store(int32(target))
	}
	p.workersMu.Unlock()

	// Signal outside the lock; exiting workers re-enter pool accounting.
	for _, w := range toStop {
		w.stop()
	}
}

// Stop signals every worker and waits up to grace for them to drain.
// It returns false if any worker was abandoned still running.
func (p *Pool) Stop(grace time.Duration) bool {
	if !p.isRunning.Swap(false) {
		return true
	}

	p.workersMu.Lock()
	workers := p.workers
	p.workers = nil
	p.size.Store(0)
	p.workersMu.Unlock()

	for _, w := range workers {
		w.stop()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		p.logger.Warn("abandoning workers past drain grace",
			zap.Duration("grace", grace))
		return false
	}
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	return int(p.size.Load())
}

// TotalCrashes returns how many scenario passes ended in a panic.
func (p *Pool) TotalCrashes() int64 {
	return p.totalCrashes.Load()
}

// BudgetExceeded reports whether the crash budget has tripped.
func (p *Pool) BudgetExceeded() bool {
	return p.budgetExceeded.Load()
}

// stop signals the worker to exit after its current pass.
func (w *worker) stop() {
	if w.stopped.Swap(true) {
		return
	}
	close(w.stopCh)
}

func (p *Pool) spawnLocked(n int) {
	for i := 0; i < n; i++ {
		w := &worker{id: p.nextID, stopCh: make(chan struct{})}
		p.nextID++
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.run(w)
	}
	p.size.Store(int32(len(p.workers)))
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()

	ctx := p.ctx
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}
		p.pass(ctx, w)
	}
}

// pass executes one scenario iteration, converting a panic into a crash
// record. The looping worker itself is the replacement for the crashed
// pass, so the pool size holds steady under isolated failures.
func (p *Pool) pass(ctx context.Context, w *worker) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("scenario worker crashed",
				zap.Int("worker", w.id),
				zap.Any("panic", r))
			p.recordCrash()
		}
	}()
	p.runner(ctx)
}

func (p *Pool) recordCrash() {
	p.totalCrashes.Add(1)

	now := time.Now()
	cutoff := now.Add(-p.crashWindow)

	p.crashMu.Lock()
	p.crashTimes = append(p.crashTimes, now)
	valid := 0
	for _, t := range p.crashTimes {
		if t.After(cutoff) {
			break
		}
		valid++
	}
	p.crashTimes = p.crashTimes[valid:]
	recent := len(p.crashTimes)
	p.crashMu.Unlock()

	size := p.Size()
	if size > 0 && float64(recent) > p.crashFraction*float64(size) {
		if !p.budgetExceeded.Swap(true) && p.onBudget != nil {
			p.logger.Warn("worker crash budget exceeded",
				zap.Int("recent_crashes", recent),
				zap.Int("pool_size", size))
			p.onBudget()
		}
	}
}
