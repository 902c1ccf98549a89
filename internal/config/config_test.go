package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTuning_IsValid(t *testing.T) {
	tuning := DefaultTuning()
	assert.NoError(t, tuning.Validate())
}

func TestTuning_ValidateRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Tuning)
	}{
		{"zero reservoir", func(tu *Tuning) { tu.ReservoirCapacity = 0 }},
		{"inverted intervals", func(tu *Tuning) { tu.SampleIntervalMax = tu.SampleIntervalMin / 2 }},
		{"interval outside bounds", func(tu *Tuning) { tu.SampleInterval = 10 * time.Second }},
		{"tiny window ring", func(tu *Tuning) { tu.WindowRingSize = 1 }},
		{"cv at one", func(tu *Tuning) { tu.ConvergenceCV = 1.0 }},
		{"tolerance at zero", func(tu *Tuning) { tu.GoalTolerance = 0 }},
		{"single slope observation", func(tu *Tuning) { tu.SlopeObservations = 1 }},
		{"concurrency start past max", func(tu *Tuning) { tu.ConcurrencyStart = tu.ConcurrencyMax + 1 }},
		{"zero initial tps", func(tu *Tuning) { tu.ErrorRateInitialTPS = 0 }},
		{"backoff floor at one", func(tu *Tuning) { tu.LatencyBackoffFloor = 1.0 }},
		{"crash fraction above one", func(tu *Tuning) { tu.CrashFraction = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tuning := DefaultTuning()
			tt.mutate(&tuning)
			assert.ErrorIs(t, tuning.Validate(), ErrInvalidTuning)
		})
	}
}

func TestLoadTuning_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"convergenceCV: 0.1\nconcurrencyStart: 25\n"), 0o600))

	tuning, err := LoadTuning(path)
	require.NoError(t, err)

	assert.Equal(t, 0.1, tuning.ConvergenceCV)
	assert.Equal(t, 25, tuning.ConcurrencyStart)
	// Untouched fields keep defaults.
	assert.Equal(t, 2048, tuning.ReservoirCapacity)
}

func TestLoadTuning_RejectsInvalidOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("convergenceCV: 7\n"), 0o600))

	_, err := LoadTuning(path)
	assert.ErrorIs(t, err, ErrInvalidTuning)
}

func TestLoadTuning_MissingFile(t *testing.T) {
	_, err := LoadTuning(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
