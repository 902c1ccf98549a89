package balter

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BalterLoadTesting/balter/internal/config"
	"github.com/BalterLoadTesting/balter/internal/loadctrl"
)

func noopScenario(ctx context.Context) {
	time.Sleep(time.Millisecond)
}

func TestScenario_BuilderValidation(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Scenario
	}{
		{"empty name", func() *Scenario {
			return NewScenario("", noopScenario)
		}},
		{"nil function", func() *Scenario {
			return NewScenario("run", nil)
		}},
		{"error rate at zero", func() *Scenario {
			return NewScenario("run", noopScenario).ErrorRate(0)
		}},
		{"error rate at one", func() *Scenario {
			return NewScenario("run", noopScenario).ErrorRate(1)
		}},
		{"error rate NaN", func() *Scenario {
			return NewScenario("run", noopScenario).ErrorRate(math.NaN())
		}},
		{"latency quantile at zero", func() *Scenario {
			return NewScenario("run", noopScenario).Latency(time.Second, 0)
		}},
		{"latency quantile at one", func() *Scenario {
			return NewScenario("run", noopScenario).Latency(time.Second, 1)
		}},
		{"latency target zero", func() *Scenario {
			return NewScenario("run", noopScenario).Latency(0, 0.95)
		}},
		{"negative duration", func() *Scenario {
			return NewScenario("run", noopScenario).Duration(-time.Second)
		}},
		{"zero concurrency start", func() *Scenario {
			return NewScenario("run", noopScenario).ConcurrencyStart(0)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Run(context.Background())
			assert.ErrorIs(t, err, ErrInvalidScenario)
		})
	}
}

func TestScenario_FirstBuilderErrorWins(t *testing.T) {
	s := NewScenario("run", noopScenario).
		ErrorRate(2).
		Latency(0, 0.5)

	_, err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrInvalidScenario)
	assert.Contains(t, err.Error(), "error rate")
}

func TestScenario_TPSMaxUint32IsUnbounded(t *testing.T) {
	s := NewScenario("run", noopScenario).TPS(math.MaxUint32)
	assert.Equal(t, loadctrl.Unlimited, s.tpsMax)
}

func TestScenario_WithTuningRejectsInvalid(t *testing.T) {
	bad := config.DefaultTuning()
	bad.ConvergenceCV = 5

	_, err := NewScenario("run", noopScenario).WithTuning(bad).Run(context.Background())
	assert.ErrorIs(t, err, ErrInvalidScenario)
}

func TestScenario_ValidBuilderChains(t *testing.T) {
	s := NewScenario("checkout", noopScenario).
		TPS(500).
		ErrorRate(0.05).
		Latency(100*time.Millisecond, 0.95).
		Duration(time.Minute).
		ConcurrencyStart(20).
		WithHint(Hint{InitialTPS: 100}).
		Stability()

	require.NoError(t, s.validate())
	assert.Equal(t, 500.0, s.tpsMax)
	assert.Equal(t, 0.05, s.errRateMax)
	assert.Equal(t, 0.95, s.latencyQuantile)
	assert.Equal(t, 20, s.hint.ConcurrencyStart)
}
