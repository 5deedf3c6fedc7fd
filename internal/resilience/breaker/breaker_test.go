package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/ephemeral"
	"github.com/vorion/intentengine/internal/metrics"
)

func newTestBreaker(cfg Config) *Breaker {
	store := ephemeral.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	return New("trustEngine", store, cfg, m, nil)
}

func TestExecuteStaysClosedOnSuccess(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, func(context.Context) error { return nil })
		require.NoError(t, err)
	}
	state, _, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestExecuteOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 3})
	ctx := context.Background()
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, func(context.Context) error { return failing })
		assert.ErrorIs(t, err, failing)
	}

	state, _, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	err = b.Execute(ctx, func(context.Context) error { return nil })
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.CodeCircuitOpen, apiErr.Code)
}

func TestExecuteTransitionsToHalfOpenAfterResetTimeout(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	failing := errors.New("boom")

	err := b.Execute(ctx, func(context.Context) error { return failing })
	assert.ErrorIs(t, err, failing)

	state, _, _ := b.Status(ctx)
	assert.Equal(t, StateOpen, state)

	time.Sleep(30 * time.Millisecond)

	err = b.Execute(ctx, func(context.Context) error { return nil })
	require.NoError(t, err)

	state, _, _ = b.Status(ctx)
	assert.Equal(t, StateClosed, state)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	failing := errors.New("boom")

	_ = b.Execute(ctx, func(context.Context) error { return failing })
	time.Sleep(30 * time.Millisecond)

	err := b.Execute(ctx, func(context.Context) error { return failing })
	assert.ErrorIs(t, err, failing)

	state, _, _ := b.Status(ctx)
	assert.Equal(t, StateOpen, state)
}

func TestForceOpenAndForceClose(t *testing.T) {
	b := newTestBreaker(Config{})
	ctx := context.Background()

	require.NoError(t, b.ForceOpen(ctx))
	open, err := b.IsOpen(ctx)
	require.NoError(t, err)
	assert.True(t, open)

	require.NoError(t, b.ForceClose(ctx))
	open, err = b.IsOpen(ctx)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestReset(t *testing.T) {
	b := newTestBreaker(Config{FailureThreshold: 1})
	ctx := context.Background()
	_ = b.Execute(ctx, func(context.Context) error { return errors.New("boom") })

	require.NoError(t, b.Reset(ctx))
	state, failures, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
	assert.Equal(t, 0, failures)
}
