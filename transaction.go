package balter

import (
	"context"
	"time"

	"github.com/BalterLoadTesting/balter/internal/hook"
)

// Transaction wraps an async unit of work into an instrumented
// transaction. The wrapper locates the active run through the context,
// acquires one rate-limiter token, times the inner call, records outcome
// and latency, and returns the original result unchanged. Called outside
// a scenario, it is a transparent pass-through.
func Transaction[T any](name string, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		h, ok := hook.FromContext(ctx)
		if !ok {
			return fn(ctx)
		}
		if err := acquire(ctx, h); err != nil {
			var zero T
			return zero, err
		}
		start := time.Now()
		res, err := fn(ctx)
		h.Record(name, err == nil, time.Since(start))
		return res, err
	}
}

// Transaction1 is Transaction for a single-argument function.
func Transaction1[A, T any](name string, fn func(context.Context, A) (T, error)) func(context.Context, A) (T, error) {
	return func(ctx context.Context, a A) (T, error) {
		wrapped := Transaction(name, func(ctx context.Context) (T, error) {
			return fn(ctx, a)
		})
		return wrapped(ctx)
	}
}

// Transaction2 is Transaction for a two-argument function.
func Transaction2[A, B, T any](name string, fn func(context.Context, A, B) (T, error)) func(context.Context, A, B) (T, error) {
	return func(ctx context.Context, a A, b B) (T, error) {
		wrapped := Transaction(name, func(ctx context.Context) (T, error) {
			return fn(ctx, a, b)
		})
		return wrapped(ctx)
	}
}

// Record is the low-level instrumentation surface for callers that time
// work themselves. It acquires no token; pair it with Acquire when the
// work should count against the rate limit.
func Record(ctx context.Context, name string, start time.Time, err error) {
	if h, ok := hook.FromContext(ctx); ok {
		h.Record(name, err == nil, time.Since(start))
	}
}

// Acquire takes one rate-limiter token from the active run, blocking
// until one is available. Outside a scenario it returns immediately.
func Acquire(ctx context.Context) error {
	h, ok := hook.FromContext(ctx)
	if !ok {
		return nil
	}
	return acquire(ctx, h)
}

func acquire(ctx context.Context, h *hook.Hook) error {
	lim := h.Limiter()
	if lim == nil {
		return nil
	}
	return lim.Acquire(ctx)
}
