// Package ephemeral defines the shared, process-fleet-wide coordination
// store backing the rate limiter (C1), distributed lock (C2), circuit
// breaker (C3), dedupe service (C4), and webhook subsystem (C9) — spec §5's
// "ephemeral store" and §6's key layout. Every multi-step operation is
// exposed as a single atomic primitive so callers never see a TOCTOU gap.
package ephemeral

import (
	"context"
	"time"
)

// SlidingWindowResult is the outcome of an atomic check-and-consume call
// (spec §4.1).
type SlidingWindowResult struct {
	Allowed   bool
	Current   int
	Limit     int
	ResetInS  int
}

// Store is the coordination primitive surface. Implementations must make
// CheckAndConsumeSlidingWindow, SetNX, and CompareAndDelete atomic with
// respect to concurrent callers across the whole process fleet (spec §5:
// "all multi-step operations use the store's atomic-script facility").
type Store interface {
	// CheckAndConsumeSlidingWindow implements spec §4.1's single-key sliding
	// window algorithm as one indivisible operation.
	CheckAndConsumeSlidingWindow(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (SlidingWindowResult, error)

	// CheckAndConsumeCombined implements spec §4.1's "combined tenant+entity
	// variant": both keys are checked and only incremented if both pass.
	// blockedKey is "" when allowed is true, else whichever of tenantKey /
	// entityKey blocked the request.
	CheckAndConsumeCombined(ctx context.Context, tenantKey, entityKey string, window time.Duration, tenantLimit, entityLimit int, now time.Time) (allowed bool, blockedKey string, tenantResult, entityResult SlidingWindowResult, err error)

	// SetNX sets key to value with the given TTL only if key is currently
	// absent, returning whether it set. Used by the distributed lock (C2)
	// for set-if-absent acquisition.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals
	// expected, returning whether it deleted (C2 release).
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Get returns the raw string value at key, or ("", false, nil) if
	// absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value at key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) error

	// ZAddTimestamp adds member to a sorted set at the caller-supplied score
	// (a timestamp), used for the webhook delivery-index key layout.
	ZAddTimestamp(ctx context.Context, key, member string, score float64, ttl time.Duration) error

	// ZRangeByScore returns members scored within [min, max].
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// Close releases any underlying connections.
	Close() error
}
