// Package dedupe implements the dedupe service (C4, spec §4.4): fingerprint
// computation plus a race-safe reservation built on the distributed lock
// (C2) and a fast ephemeral marker.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/ephemeral"
	"github.com/vorion/intentengine/internal/resilience/lock"
	"github.com/vorion/intentengine/internal/vcrypto"
)

// Outcome classifies how a Reserve call resolved, for the dedupe metrics
// series (spec §6 "deduplication (by outcome)").
type Outcome string

const (
	OutcomeNew         Outcome = "new"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeRaceResolved Outcome = "race_resolved"
)

// Lookup resolves an existing intent id for (tenant, fingerprint), if any.
// Backed by the durable store in production; the dedupe service only ever
// needs this one read.
type Lookup interface {
	FindByFingerprint(ctx context.Context, tenant, fingerprint string) (intentID string, found bool, err error)
}

// Result is the outcome of a Reserve call.
type Result struct {
	Outcome        Outcome
	ExistingIntent string // set when Outcome != OutcomeNew
}

// Service is the C4 component.
type Service struct {
	secret       string
	window       time.Duration
	lookup       Lookup
	locker       *lock.Locker
	store        ephemeral.Store
	log          *logrus.Entry
	warnedPlain  bool
}

// New builds a Service. secret must be non-empty in production; an empty
// secret falls back to a plain (unkeyed) hash with a one-time warning (spec
// §4.4: "A development fallback to plain hash is permitted but must log a
// warning once").
func New(secret string, window time.Duration, lookup Lookup, locker *lock.Locker, store ephemeral.Store, log *logrus.Entry) *Service {
	return &Service{secret: secret, window: window, lookup: lookup, locker: locker, store: store, log: log}
}

// Fingerprint computes the dedupe fingerprint for a submission (spec §4.4):
// HMAC(secret, tenant‖entity‖goal‖canonical(context)‖type‖idempotencyKey‖floor(now/window)).
func (s *Service) Fingerprint(tenant, entity, goal string, canonicalContext string, intentType, idempotencyKey string, now time.Time) string {
	bucket := now.Unix() / int64(s.window.Seconds())
	message := fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%s\x00%s\x00%d",
		tenant, entity, goal, canonicalContext, intentType, idempotencyKey, bucket)

	if s.secret == "" {
		if !s.warnedPlain && s.log != nil {
			s.log.Warn("dedupe: no secret configured, falling back to plain hash (not for production use)")
			s.warnedPlain = true
		}
		sum := sha256.Sum256([]byte(message))
		return hex.EncodeToString(sum[:])
	}
	return vcrypto.SignHMACSHA256([]byte(s.secret), []byte(message))
}

func markerKey(tenant, fingerprint string) string {
	return "intent:dedupe:marker:" + tenant + ":" + fingerprint
}

func lockKey(tenant, fingerprint string) string {
	return "intent:dedupe:" + tenant + ":" + fingerprint
}

// Reserve implements the spec §4.4 procedure: lookup, lock, re-check,
// reserve. The caller proceeds to insert the intent row only when Outcome
// == OutcomeNew; any other outcome means an existing intent id is
// authoritative and no new row should be created.
func (s *Service) Reserve(ctx context.Context, tenant, fingerprint string) (Result, error) {
	if existing, found, err := s.lookup.FindByFingerprint(ctx, tenant, fingerprint); err != nil {
		return Result{}, apierrors.Wrap(apierrors.CodeInternal, "dedupe lookup failed", err)
	} else if found {
		return Result{Outcome: OutcomeDuplicate, ExistingIntent: existing}, nil
	}

	handle, acquired, err := s.locker.Acquire(ctx, lockKey(tenant, fingerprint), lock.Options{
		LockTimeout:    5 * time.Second,
		AcquireTimeout: 3 * time.Second,
	})
	if err != nil {
		return Result{}, apierrors.Wrap(apierrors.CodeInternal, "dedupe lock acquire failed", err)
	}
	if !acquired {
		if existing, found, err := s.lookup.FindByFingerprint(ctx, tenant, fingerprint); err != nil {
			return Result{}, apierrors.Wrap(apierrors.CodeInternal, "dedupe lookup failed", err)
		} else if found {
			return Result{Outcome: OutcomeRaceResolved, ExistingIntent: existing}, nil
		}
		return Result{}, apierrors.Locked(lockKey(tenant, fingerprint))
	}
	defer func() {
		if ok, relErr := handle.Release(ctx); !ok && relErr == nil && s.log != nil {
			s.log.WithField("key", lockKey(tenant, fingerprint)).Debug("dedupe lock already expired at release")
		}
	}()

	if existing, found, err := s.lookup.FindByFingerprint(ctx, tenant, fingerprint); err != nil {
		return Result{}, apierrors.Wrap(apierrors.CodeInternal, "dedupe lookup failed", err)
	} else if found {
		return Result{Outcome: OutcomeRaceResolved, ExistingIntent: existing}, nil
	}

	if err := s.store.Set(ctx, markerKey(tenant, fingerprint), "1", s.window); err != nil {
		return Result{}, apierrors.Wrap(apierrors.CodeInternal, "dedupe marker set failed", err)
	}

	return Result{Outcome: OutcomeNew}, nil
}
