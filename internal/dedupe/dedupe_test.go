package dedupe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/ephemeral"
	"github.com/vorion/intentengine/internal/resilience/lock"
)

type fakeLookup struct {
	mu   sync.Mutex
	rows map[string]string // tenant|fingerprint -> intentID
}

func newFakeLookup() *fakeLookup { return &fakeLookup{rows: map[string]string{}} }

func (f *fakeLookup) FindByFingerprint(ctx context.Context, tenant, fingerprint string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.rows[tenant+"|"+fingerprint]
	return id, ok, nil
}

func (f *fakeLookup) insert(tenant, fingerprint, intentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[tenant+"|"+fingerprint] = intentID
}

func TestFingerprintStableForSameBucket(t *testing.T) {
	svc := New("secret", time.Minute, newFakeLookup(), nil, nil, nil)
	now := time.Now()
	fp1 := svc.Fingerprint("t1", "e1", "goal", "{}", "default", "idem-1", now)
	fp2 := svc.Fingerprint("t1", "e1", "goal", "{}", "default", "idem-1", now.Add(time.Second))
	assert.Equal(t, fp1, fp2)
}

func TestFingerprintDiffersAcrossWindow(t *testing.T) {
	svc := New("secret", time.Minute, newFakeLookup(), nil, nil, nil)
	now := time.Now()
	fp1 := svc.Fingerprint("t1", "e1", "goal", "{}", "default", "idem-1", now)
	fp2 := svc.Fingerprint("t1", "e1", "goal", "{}", "default", "idem-1", now.Add(2*time.Minute))
	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintFallsBackToPlainHashWhenNoSecret(t *testing.T) {
	svc := New("", time.Minute, newFakeLookup(), nil, nil, nil)
	now := time.Now()
	fp := svc.Fingerprint("t1", "e1", "goal", "{}", "default", "idem-1", now)
	assert.NotEmpty(t, fp)
}

func TestReserveNewWhenAbsent(t *testing.T) {
	store := ephemeral.NewMemoryStore()
	locker := lock.New(store)
	lookup := newFakeLookup()
	svc := New("secret", time.Minute, lookup, locker, store, nil)

	res, err := svc.Reserve(context.Background(), "t1", "fp1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, res.Outcome)
}

func TestReserveDuplicateWhenAlreadyPresent(t *testing.T) {
	store := ephemeral.NewMemoryStore()
	locker := lock.New(store)
	lookup := newFakeLookup()
	lookup.insert("t1", "fp1", "intent-1")
	svc := New("secret", time.Minute, lookup, locker, store, nil)

	res, err := svc.Reserve(context.Background(), "t1", "fp1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, "intent-1", res.ExistingIntent)
}

func TestReserveRaceResolvedWhenInsertedDuringLock(t *testing.T) {
	store := ephemeral.NewMemoryStore()
	locker := lock.New(store)
	lookup := newFakeLookup()
	svc := New("secret", time.Minute, lookup, locker, store, nil)

	// Simulate a concurrent winner by holding the lock ourselves and
	// inserting the row while Reserve waits for it — Reserve's first lookup
	// misses, so it must observe the race_resolved path when it re-checks.
	handle, ok, err := locker.Acquire(context.Background(), "intent:dedupe:t1:fp1", lock.Options{
		LockTimeout: 50 * time.Millisecond, AcquireTimeout: time.Second,
	})
	require.NoError(t, err)
	require.True(t, ok)

	var wg sync.WaitGroup
	var res Result
	var resErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, resErr = svc.Reserve(context.Background(), "t1", "fp1")
	}()

	time.Sleep(20 * time.Millisecond) // Reserve has looked up and is waiting on the lock
	lookup.insert("t1", "fp1", "intent-winner")

	time.Sleep(60 * time.Millisecond) // let lock expire before releasing
	_, _ = handle.Release(context.Background())
	wg.Wait()

	require.NoError(t, resErr)
	assert.Equal(t, OutcomeRaceResolved, res.Outcome)
	assert.Equal(t, "intent-winner", res.ExistingIntent)
}

func TestReserveFailsLockedWhenTimeoutAndStillAbsent(t *testing.T) {
	store := ephemeral.NewMemoryStore()
	locker := lock.New(store)
	lookup := newFakeLookup()
	svc := New("secret", time.Minute, lookup, locker, store, nil)

	handle, ok, err := locker.Acquire(context.Background(), "intent:dedupe:t1:fp1", lock.Options{
		LockTimeout: time.Minute, AcquireTimeout: time.Second,
	})
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _, _ = handle.Release(context.Background()) }()

	_, err = svc.Reserve(context.Background(), "t1", "fp1")
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.CodeIntentLocked, apiErr.Code)
}
