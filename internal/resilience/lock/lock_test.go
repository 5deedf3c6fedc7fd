package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion/intentengine/internal/ephemeral"
)

func TestAcquireAndRelease(t *testing.T) {
	store := ephemeral.NewMemoryStore()
	locker := New(store)
	ctx := context.Background()

	handle, ok, err := locker.Acquire(ctx, "dedupe:t1:fp1", Options{LockTimeout: time.Second, AcquireTimeout: time.Second})
	require.NoError(t, err)
	require.True(t, ok)

	released, err := handle.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestSecondAcquireBlocksUntilTimeout(t *testing.T) {
	store := ephemeral.NewMemoryStore()
	locker := New(store)
	ctx := context.Background()

	_, ok, err := locker.Acquire(ctx, "key", Options{LockTimeout: time.Second, AcquireTimeout: time.Second})
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.Acquire(ctx, "key", Options{
		LockTimeout:    time.Second,
		AcquireTimeout: 100 * time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, ok, "second acquirer must not obtain the lock while the first holds it")
}

func TestAcquireSucceedsAfterFirstReleases(t *testing.T) {
	store := ephemeral.NewMemoryStore()
	locker := New(store)
	ctx := context.Background()

	first, ok, err := locker.Acquire(ctx, "key", Options{LockTimeout: time.Second, AcquireTimeout: time.Second})
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = first.Release(ctx)
	}()

	second, ok, err := locker.Acquire(ctx, "key", Options{
		LockTimeout:    time.Second,
		AcquireTimeout: time.Second,
		RetryDelay:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, ok)
	_, _ = second.Release(ctx)
}

func TestReleaseByWrongHolderFails(t *testing.T) {
	store := ephemeral.NewMemoryStore()
	locker := New(store)
	ctx := context.Background()

	_, ok, err := locker.Acquire(ctx, "key", Options{LockTimeout: time.Second, AcquireTimeout: time.Second})
	require.NoError(t, err)
	require.True(t, ok)

	fakeHandle := &Handle{store: store, key: "key", token: "not-the-real-token"}
	released, err := fakeHandle.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)
}
