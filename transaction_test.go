package balter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BalterLoadTesting/balter/internal/hook"
)

func TestTransaction_PassThroughOutsideScenario(t *testing.T) {
	tx := Transaction("fetch", func(ctx context.Context) (string, error) {
		return "payload", nil
	})

	res, err := tx(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "payload", res)
}

func TestTransaction_RecordsIntoActiveHook(t *testing.T) {
	h := hook.New("run", 128, nil)
	ctx := hook.WithHook(context.Background(), h)

	failing := errors.New("downstream unavailable")
	tx := Transaction("fetch", func(ctx context.Context) (int, error) {
		return 0, failing
	})
	okTx := Transaction("fetch", func(ctx context.Context) (int, error) {
		return 42, nil
	})

	res, err := okTx(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, res)

	_, err = tx(ctx)
	assert.ErrorIs(t, err, failing)

	success, errs := h.Totals()
	assert.Equal(t, uint64(1), success)
	assert.Equal(t, uint64(1), errs)
	assert.Equal(t, 2, h.Reservoir().Len())
}

func TestTransaction_ResultUnchanged(t *testing.T) {
	h := hook.New("run", 128, nil)
	ctx := hook.WithHook(context.Background(), h)

	type order struct{ ID string }
	want := order{ID: "ord-1"}
	tx := Transaction("create_order", func(ctx context.Context) (order, error) {
		return want, nil
	})

	got, err := tx(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTransaction1_ForwardsArgument(t *testing.T) {
	h := hook.New("run", 128, nil)
	ctx := hook.WithHook(context.Background(), h)

	tx := Transaction1("lookup", func(ctx context.Context, id int) (int, error) {
		return id * 2, nil
	})

	got, err := tx(ctx, 21)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	success, _ := h.Totals()
	assert.Equal(t, uint64(1), success)
}

func TestTransaction2_ForwardsArguments(t *testing.T) {
	tx := Transaction2("sum", func(ctx context.Context, a, b int) (int, error) {
		return a + b, nil
	})

	got, err := tx(context.Background(), 40, 2)
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestRecord_LowLevelInstrumentation(t *testing.T) {
	h := hook.New("run", 128, nil)
	ctx := hook.WithHook(context.Background(), h)

	start := time.Now().Add(-50 * time.Millisecond)
	Record(ctx, "manual", start, nil)
	Record(ctx, "manual", start, errors.New("failed"))

	success, errs := h.Totals()
	assert.Equal(t, uint64(1), success)
	assert.Equal(t, uint64(1), errs)

	// Outside a scenario Record is a no-op.
	Record(context.Background(), "manual", start, nil)
	success, errs = h.Totals()
	assert.Equal(t, uint64(2), success+errs)
}

func TestAcquire_NoOpOutsideScenario(t *testing.T) {
	assert.NoError(t, Acquire(context.Background()))
}
