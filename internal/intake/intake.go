// Package intake implements the Intake Service (C6, spec §4.6): the single
// synchronous entry point a submission passes through before it becomes a
// durable intent row and an intake-stage job. Grounded on the same
// multi-step, fail-fast-then-commit shape as the teacher's
// services/intent/submission_service.go (validate → gate → reserve →
// persist → enqueue), generalized to this engine's consent/trust/dedupe/
// concurrency gates.
package intake

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/collaborators"
	"github.com/vorion/intentengine/internal/dedupe"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/metrics"
	"github.com/vorion/intentengine/internal/queue"
	"github.com/vorion/intentengine/internal/redact"
	"github.com/vorion/intentengine/internal/resilience/ratelimit"
	"github.com/vorion/intentengine/internal/storage"
	"github.com/vorion/intentengine/internal/vcrypto"
)

// BreakerExecutor is the narrow circuit-breaker seam intake needs for the
// trust-gate lookup, duplicated from internal/pipeline's identical
// declaration rather than imported, since intake has no other reason to
// depend on the pipeline package.
type BreakerExecutor interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// Config is the subset of *config.Config the intake service consults,
// narrowed to an interface so this package carries no import-cycle risk on
// internal/config.
type Config interface {
	MinTrustLevelFor(intentType string) int
	MaxInFlightFor(tenant string) int
	// RedactionPaths and EncryptionEnabled are named distinctly from
	// *config.Config's SensitivePaths/EncryptContext fields: a method can't
	// share a field's name on the same struct, so internal/engine adapts
	// the concrete config into this interface under these names.
	RedactionPaths() []string
	EncryptionEnabled() bool
}

// Submission is one inbound request to admit a new intent (spec §4.6, §6
// submit()).
type Submission struct {
	Tenant         string
	Entity         string
	User           string // the consent subject; usually == Entity, kept distinct per spec §4.6 step 3
	Goal           string
	Type           string
	Priority       int
	Context        map[string]interface{}
	Metadata       map[string]interface{}
	IdempotencyKey string

	BypassConsent   bool
	BypassTrustGate bool
}

// Service is the C6 component.
type Service struct {
	Intents     storage.IntentStore
	Consent     collaborators.ConsentRegistry
	Trust       collaborators.TrustProvider
	TrustGuard  BreakerExecutor
	Dedupe      *dedupe.Service
	RateLimiter *ratelimit.Limiter
	Cipher      *vcrypto.EnvelopeCipher // nil disables context/metadata encryption regardless of config
	Config      Config
	IntakeQ     queue.Queue
	Metrics     *metrics.Metrics
	Log         *logrus.Entry
}

const contextCipherPurpose = "intent-context"

// Submit runs the full spec §4.6 admission sequence, returning the
// persisted (or, for a deduped resubmission, the pre-existing) intent.
func (s *Service) Submit(ctx context.Context, sub Submission) (intent.Intent, error) {
	// Step 1: validate shape.
	if sub.Tenant == "" {
		return intent.Intent{}, apierrors.Validation("tenant", "required")
	}
	if err := redact.ValidateShape(sub.Context, sub.Metadata); err != nil {
		return intent.Intent{}, err
	}

	// Cross-cutting ingress guard (C1): the rate limiter fails closed per
	// spec §4.1 ("a store outage blocks ingress"), so a limiter error is
	// itself the synchronous failure, not something to degrade around.
	if s.RateLimiter != nil {
		res, err := s.RateLimiter.CheckAndConsume(ctx, sub.Tenant, sub.Type)
		if err != nil {
			return intent.Intent{}, err
		}
		if !res.Allowed {
			return intent.Intent{}, apierrors.RateLimited(res.RetryAfterS)
		}
	}

	// Step 2: record context size.
	if s.Metrics != nil {
		s.Metrics.ContextSizeBytes.Observe(float64(redact.ContextSizeBytes(sub.Context)))
	}

	// Step 3: consent check.
	if !sub.BypassConsent && s.Consent != nil {
		granted, err := s.Consent.HasConsent(ctx, sub.Tenant, sub.User, collaborators.ConsentDataProcessing)
		if err != nil {
			return intent.Intent{}, apierrors.Wrap(apierrors.CodeInternal, "consent check", err)
		}
		if !granted {
			return intent.Intent{}, apierrors.ConsentRequired(string(collaborators.ConsentDataProcessing), "not granted or revoked")
		}
	}

	// Step 4: trust gate.
	required := 0
	if s.Config != nil {
		required = s.Config.MinTrustLevelFor(sub.Type)
	}
	if !sub.BypassTrustGate && s.Trust != nil {
		score, err := s.fetchTrust(ctx, sub.Tenant, sub.Entity)
		if err != nil {
			// No safe default at ingress: a submission the engine cannot
			// score is treated as untrusted (spec §7's fail-closed
			// posture), unlike the stage worker's cached-snapshot fallback.
			return intent.Intent{}, apierrors.TrustInsufficient(required, 0)
		}
		if score.Level < required {
			return intent.Intent{}, apierrors.TrustInsufficient(required, score.Level)
		}
	}

	// Step 5: dedupe reservation.
	fingerprint := s.Dedupe.Fingerprint(sub.Tenant, sub.Entity, sub.Goal, canonicalize(sub.Context), sub.Type, sub.IdempotencyKey, time.Now())
	reservation, err := s.Dedupe.Reserve(ctx, sub.Tenant, fingerprint)
	if err != nil {
		return intent.Intent{}, err
	}
	if reservation.Outcome != dedupe.OutcomeNew {
		existing, found, err := s.Intents.Get(ctx, reservation.ExistingIntent, sub.Tenant)
		if err != nil {
			return intent.Intent{}, apierrors.Wrap(apierrors.CodeInternal, "fetch deduped intent", err)
		}
		if !found {
			return intent.Intent{}, apierrors.NotFound("intent", reservation.ExistingIntent)
		}
		return existing, nil
	}

	// Step 6: tenant concurrency enforcement.
	maxInFlight := 0
	if s.Config != nil {
		maxInFlight = s.Config.MaxInFlightFor(sub.Tenant)
	}
	active, err := s.Intents.CountActive(ctx, sub.Tenant)
	if err != nil {
		return intent.Intent{}, apierrors.Wrap(apierrors.CodeInternal, "count active intents", err)
	}
	if s.Config != nil && active >= maxInFlight {
		return intent.Intent{}, apierrors.RateLimited(0)
	}

	// Step 7: persist with redaction (and optional encryption) applied.
	sensitivePaths := []string(nil)
	if s.Config != nil {
		sensitivePaths = s.Config.RedactionPaths()
	}
	redactedContext := redact.Apply(sub.Context, sensitivePaths)
	redactedMetadata := redact.Apply(sub.Metadata, sensitivePaths)

	if s.Cipher != nil && s.Config != nil && s.Config.EncryptionEnabled() {
		sealedContext, err := s.seal(redactedContext)
		if err != nil {
			return intent.Intent{}, apierrors.Wrap(apierrors.CodeInternal, "seal context", err)
		}
		sealedMetadata, err := s.seal(redactedMetadata)
		if err != nil {
			return intent.Intent{}, apierrors.Wrap(apierrors.CodeInternal, "seal metadata", err)
		}
		redactedContext, redactedMetadata = sealedContext, sealedMetadata
	}

	in := intent.Intent{
		Tenant:            sub.Tenant,
		Entity:            sub.Entity,
		Goal:              sub.Goal,
		Type:              sub.Type,
		Priority:          sub.Priority,
		Context:           redactedContext,
		Metadata:          redactedMetadata,
		Status:            intent.StatusPending,
		DedupeFingerprint: fingerprint,
	}
	stored, _, err := s.Intents.InsertWithInitialEvent(ctx, in, intent.Event{
		Type:    "intent.submitted",
		Payload: map[string]interface{}{"type": sub.Type, "priority": sub.Priority},
	})
	if err != nil {
		return intent.Intent{}, err
	}
	if s.Metrics != nil {
		s.Metrics.IntentSubmissions.WithLabelValues(sub.Tenant, "new").Inc()
	}

	// Step 8: enqueue. Per spec §4.6: failures here are logged and
	// surfaced as metrics, but the intent row stays — resubmission is a
	// reconciliation concern out of this engine's scope.
	if err := s.IntakeQ.Enqueue(ctx, intent.StageJob{
		Stage:    intent.StageIntake,
		IntentID: stored.ID,
		Tenant:   stored.Tenant,
	}); err != nil {
		if s.Log != nil {
			s.Log.WithField("intent_id", stored.ID).WithError(err).Error("enqueue intake job failed; intent row persisted for reconciliation")
		}
		if s.Metrics != nil {
			s.Metrics.IntentSubmissions.WithLabelValues(sub.Tenant, "enqueue_failed").Inc()
		}
	}

	return stored, nil
}

func (s *Service) fetchTrust(ctx context.Context, tenant, entity string) (collaborators.TrustScore, error) {
	var score collaborators.TrustScore
	if s.TrustGuard == nil {
		return s.Trust.GetTrust(ctx, tenant, entity)
	}
	err := s.TrustGuard.Execute(ctx, func(ctx context.Context) error {
		sc, err := s.Trust.GetTrust(ctx, tenant, entity)
		if err != nil {
			return err
		}
		score = sc
		return nil
	})
	return score, err
}

func (s *Service) seal(data map[string]interface{}) (map[string]interface{}, error) {
	if len(data) == 0 {
		return data, nil
	}
	plaintext, err := marshalCanonical(data)
	if err != nil {
		return nil, err
	}
	envelope, err := s.Cipher.Encrypt(contextCipherPurpose, plaintext)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"_sealed": envelope}, nil
}

// Unseal reverses seal for a caller reading a persisted intent back out
// (e.g. get()/get_with_events() in internal/engine), given the same
// cipher. Returns data unchanged if it was never sealed.
func Unseal(cipher *vcrypto.EnvelopeCipher, data map[string]interface{}) (map[string]interface{}, error) {
	envelope, ok := data["_sealed"].(string)
	if !ok {
		return data, nil
	}
	plaintext, err := cipher.Decrypt(contextCipherPurpose, envelope)
	if err != nil {
		return nil, err
	}
	return unmarshalCanonical(plaintext)
}
