// Package e2e exercises the engine end to end against synthetic systems
// under test with controllable throughput ceilings, error curves, and
// latency curves.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"golang.org/x/time/rate"
)

// ErrOverloaded is the failure the synthetic services return when their
// injected error curve fires.
var ErrOverloaded = errors.New("mocksut: overloaded")

// order is the payload the synthetic order service fabricates.
type order struct {
	ID       string
	Customer string
	Product  string
	Amount   float64
}

// rateMeter estimates the recent call rate over a sliding window so the
// synthetic services can make their behavior a function of offered load.
type rateMeter struct {
	mu     sync.Mutex
	window time.Duration
	calls  []time.Time
}

func newRateMeter(window time.Duration) *rateMeter {
	return &rateMeter{window: window}
}

// observe registers a call and returns the current calls-per-second
// estimate.
func (m *rateMeter) observe() float64 {
	now := time.Now()
	cutoff := now.Add(-m.window)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, now)
	valid := 0
	for _, t := range m.calls {
		if t.After(cutoff) {
			break
		}
		valid++
	}
	m.calls = m.calls[valid:]
	return float64(len(m.calls)) / m.window.Seconds()
}

// orderService fabricates order payloads instantly; an optional ceiling,
// error curve, or latency curve shapes its behavior.
type orderService struct {
	faker *gofakeit.Faker
	calls atomic.Int64

	// ceiling bounds sustained throughput, emulating a saturated SUT.
	ceiling *rate.Limiter

	// errProb maps the recent call rate to a failure probability.
	meter   *rateMeter
	errProb func(callRate float64) float64

	// latency maps the recent call rate to a service time.
	latency func(callRate float64) time.Duration
}

func newOrderService(seed uint64) *orderService {
	return &orderService{
		faker: gofakeit.New(seed),
		meter: newRateMeter(500 * time.Millisecond),
	}
}

// Calls returns the total number of placed orders.
func (s *orderService) Calls() int64 {
	return s.calls.Load()
}

// PlaceOrder is the unit of work the e2e scenarios drive.
func (s *orderService) PlaceOrder(ctx context.Context) (order, error) {
	s.calls.Add(1)

	if s.ceiling != nil {
		if err := s.ceiling.Wait(ctx); err != nil {
			return order{}, err
		}
	}

	callRate := s.meter.observe()
	if s.latency != nil {
		select {
		case <-ctx.Done():
			return order{}, ctx.Err()
		case <-time.After(s.latency(callRate)):
		}
	}
	if s.errProb != nil && rand.Float64() < s.errProb(callRate) {
		return order{}, fmt.Errorf("%w: at %.0f calls/s", ErrOverloaded, callRate)
	}

	return order{
		ID:       s.faker.UUID(),
		Customer: s.faker.Name(),
		Product:  s.faker.ProductName(),
		Amount:   s.faker.Price(1, 500),
	}, nil
}
