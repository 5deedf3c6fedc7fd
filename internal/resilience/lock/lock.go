// Package lock implements the distributed lock (C2, spec §4.2):
// lease-based mutual exclusion over a string key in the shared ephemeral
// store, with bounded acquire timeout, exponential backoff, and
// compare-and-delete release.
package lock

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/vorion/intentengine/internal/ephemeral"
)

// ErrAcquireTimeout is returned when acquire_timeout elapses without
// obtaining the lock.
var ErrAcquireTimeout = errors.New("lock: acquire timed out")

// Options configures one Acquire call (spec §4.2's parameter list).
type Options struct {
	LockTimeout    time.Duration // TTL of the lock record once held
	AcquireTimeout time.Duration // total time willing to retry
	RetryDelay     time.Duration // base delay between attempts
	MaxRetryDelay  time.Duration // cap on exponential backoff
	Jitter         float64       // fraction of delay randomized, e.g. 0.2
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 10 * time.Second
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = time.Second
	}
	if o.Jitter <= 0 {
		o.Jitter = 0.2
	}
	return o
}

// Handle represents a held lock. Release must be called exactly once.
type Handle struct {
	store ephemeral.Store
	key   string
	token string
}

// Locker is the C2 component.
type Locker struct {
	store ephemeral.Store
}

// New builds a Locker over store.
func New(store ephemeral.Store) *Locker {
	return &Locker{store: store}
}

// Acquire attempts to obtain key with exponential-backoff retries bounded
// by opts.AcquireTimeout. ok is false (with a nil handle and nil error) if
// the timeout elapsed without acquiring — this is an expected outcome, not
// a failure, per spec §4.2 ("acquired=false" result).
func (l *Locker) Acquire(ctx context.Context, key string, opts Options) (handle *Handle, ok bool, err error) {
	opts = opts.withDefaults()
	token := uuid.NewString()
	deadline := time.Now().Add(opts.AcquireTimeout)
	delay := opts.RetryDelay

	for attempt := 0; ; attempt++ {
		acquired, setErr := l.store.SetNX(ctx, key, token, opts.LockTimeout)
		if setErr != nil {
			return nil, false, setErr
		}
		if acquired {
			return &Handle{store: l.store, key: key, token: token}, true, nil
		}

		if time.Now().After(deadline) {
			return nil, false, nil
		}

		sleep := jittered(delay, opts.Jitter)
		if remaining := time.Until(deadline); sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > opts.MaxRetryDelay {
			delay = opts.MaxRetryDelay
		}
	}
}

func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	spread := float64(base) * jitter
	offset := (rand.Float64()*2 - 1) * spread
	result := float64(base) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

// Release performs a compare-and-delete: only the holder's token may
// release the key. A false return (with nil error) means the lock had
// already expired or been taken over by another holder — logged by the
// caller, not fatal (spec §4.2: "a holder may find its lock has expired").
func (h *Handle) Release(ctx context.Context) (bool, error) {
	return h.store.CompareAndDelete(ctx, h.key, h.token)
}
