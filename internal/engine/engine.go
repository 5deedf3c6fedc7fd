// Package engine assembles the intent governance pipeline's component
// registry (C1-C10, spec §9: "a single registry of component handles
// constructed at startup... no initialization at module load time, no
// mutual imports between components"). Build wires every collaborator,
// storage backend, and stage worker into one Engine value; nothing in this
// package runs at import time.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/collaborators"
	"github.com/vorion/intentengine/internal/config"
	"github.com/vorion/intentengine/internal/dedupe"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/ephemeral"
	"github.com/vorion/intentengine/internal/eventlog"
	"github.com/vorion/intentengine/internal/intake"
	"github.com/vorion/intentengine/internal/logging"
	"github.com/vorion/intentengine/internal/metrics"
	"github.com/vorion/intentengine/internal/pipeline"
	"github.com/vorion/intentengine/internal/queue"
	"github.com/vorion/intentengine/internal/queue/memqueue"
	"github.com/vorion/intentengine/internal/queue/pgqueue"
	"github.com/vorion/intentengine/internal/resilience/breaker"
	"github.com/vorion/intentengine/internal/resilience/lock"
	"github.com/vorion/intentengine/internal/resilience/ratelimit"
	"github.com/vorion/intentengine/internal/sandbox"
	"github.com/vorion/intentengine/internal/shutdown"
	"github.com/vorion/intentengine/internal/storage"
	"github.com/vorion/intentengine/internal/storage/memstore"
	"github.com/vorion/intentengine/internal/storage/postgres"
	"github.com/vorion/intentengine/internal/vcrypto"
	"github.com/vorion/intentengine/internal/webhookdispatch"
)

const (
	trustBreakerName  = "trustEngine"
	policyBreakerName = "policyEngine"
)

// Collaborators lets a caller override any of the deliberately-out-of-scope
// subsystems (spec §1's non-goals: trust scoring, rule language, policy
// engine, sandbox runtime). Any field left nil gets the zero-configuration
// default from internal/collaborators/defaults.go (or, for Sandbox, this
// engine's own in-process adapter).
type Collaborators struct {
	Trust   collaborators.TrustProvider
	Rules   collaborators.RuleEngine
	Policy  collaborators.PolicyEngine
	Consent collaborators.ConsentRegistry
	Sandbox collaborators.SandboxRunner
	Audit   collaborators.AuditSink
	Proofs  collaborators.ProofRecorder
}

// Deps are the already-connected, externally-owned resources Build needs.
// A nil DB selects the in-memory storage/queue backends (tests, demos); a
// nil Ephemeral store selects an in-process sliding-window/lock/breaker
// substitute for a real Redis deployment.
type Deps struct {
	DB        *sqlx.DB
	Ephemeral ephemeral.Store
	Registry  *prometheus.Registry
	Logger    *logging.Logger

	Collaborators Collaborators
}

// Engine is the constructed component registry: every exported field is a
// handle spec §6's external interface methods (in intents.go, webhooks.go,
// dlq.go, circuits.go) are built on top of.
type Engine struct {
	Config *config.Config
	Log    *logging.Logger
	Metrics *metrics.Metrics

	Intents     storage.IntentStore
	DeadLetters storage.DeadLetterStore
	WebhookStore storage.WebhookStore

	Cipher *vcrypto.EnvelopeCipher

	EventLog    *eventlog.Writer
	Dedupe      *dedupe.Service
	RateLimiter *ratelimit.Limiter
	Lock        *lock.Locker

	TrustBreaker  *breaker.Breaker
	PolicyBreaker *breaker.Breaker

	Intake   *intake.Service
	Webhooks *webhookdispatch.Dispatcher
	Sandbox  collaborators.SandboxRunner

	Shutdown *shutdown.Coordinator

	queue   queue.Queue
	runners []*pipeline.Runner
}

// Build constructs every component and wires the four stage workers, but
// does not start them — call Start to launch the pollers (spec §9: workers
// start only after the registry is fully assembled).
func Build(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	log := deps.Logger
	if log == nil {
		log = logging.NewFromEnv("intentengine")
	}
	baseEntry := logrus.NewEntry(log.Logger)

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	eph := deps.Ephemeral
	if eph == nil {
		eph = ephemeral.NewMemoryStore()
	}

	adapter := configAdapter{Config: cfg}

	var (
		intentStore  storage.IntentStore
		dlStore      storage.DeadLetterStore
		whStore      storage.WebhookStore
		stageQueue   queue.Queue
		eventStore   eventlog.Store
	)
	if deps.DB != nil {
		store := postgres.New(deps.DB)
		intentStore, dlStore, whStore = store.IntentStore, store.DeadLetterStore, store.WebhookStore
		eventStore = store.IntentStore
		stageQueue = pgqueue.New(deps.DB)
	} else {
		store := memstore.New()
		intentStore, dlStore, whStore = store.IntentStore, store.DeadLetterStore, store.WebhookStore
		eventStore = store.IntentStore
		stageQueue = memqueue.New()
	}

	cipher, err := vcrypto.NewEnvelopeCipher(cfg.EncryptionMasterSecret)
	if err != nil {
		return nil, fmt.Errorf("engine: build envelope cipher: %w", err)
	}

	locker := lock.New(eph)
	dedupeWindow := secondsToDuration(cfg.DedupeTimestampWindowSeconds)
	dedupeSvc := dedupe.New(cfg.DedupeSecret, dedupeWindow, intentStore, locker, eph, baseEntry.WithField("component", "dedupe"))
	rateLimiter := ratelimit.New(eph, adapter, m)

	trustBreaker := breaker.New(trustBreakerName, eph, breakerConfigFor(cfg, trustBreakerName), m, baseEntry.WithField("breaker", trustBreakerName))
	policyBreaker := breaker.New(policyBreakerName, eph, breakerConfigFor(cfg, policyBreakerName), m, baseEntry.WithField("breaker", policyBreakerName))

	col := resolveCollaborators(deps.Collaborators, baseEntry)

	webhookCfg := webhookdispatch.Config{
		TimeoutMs:               cfg.Webhook.TimeoutMs,
		RetryAttempts:           cfg.Webhook.RetryAttempts,
		RetryDelayMs:            cfg.Webhook.RetryDelayMs,
		AllowDNSChange:          cfg.Webhook.AllowDNSChange,
		CircuitFailureThreshold: cfg.Webhook.CircuitFailureThreshold,
		CircuitResetTimeoutMs:   cfg.Webhook.CircuitResetTimeoutMs,
	}
	dispatcher := webhookdispatch.New(whStore, cipher, eph, m, baseEntry.WithField("component", "webhookdispatch"), webhookCfg)

	intakeSvc := &intake.Service{
		Intents:     intentStore,
		Consent:     col.Consent,
		Trust:       col.Trust,
		TrustGuard:  trustBreaker,
		Dedupe:      dedupeSvc,
		RateLimiter: rateLimiter,
		Cipher:      cipher,
		Config:      adapter,
		IntakeQ:     stageQueue,
		Metrics:     m,
		Log:         baseEntry.WithField("component", "intake"),
	}

	e := &Engine{
		Config:        cfg,
		Log:           log,
		Metrics:       m,
		Intents:       intentStore,
		DeadLetters:   dlStore,
		WebhookStore:  whStore,
		Cipher:        cipher,
		EventLog:      eventlog.New(eventStore),
		Dedupe:        dedupeSvc,
		RateLimiter:   rateLimiter,
		Lock:          locker,
		TrustBreaker:  trustBreaker,
		PolicyBreaker: policyBreaker,
		Intake:        intakeSvc,
		Webhooks:      dispatcher,
		Sandbox:       col.Sandbox,
		Shutdown:      shutdown.New(baseEntry.WithField("component", "shutdown")),
		queue:         stageQueue,
	}

	e.buildRunners(col, baseEntry)
	return e, nil
}

func resolveCollaborators(c Collaborators, log *logrus.Entry) Collaborators {
	if c.Trust == nil {
		c.Trust = collaborators.NewStaticTrustProvider(collaborators.TrustScore{Score: 50, Level: 1})
	}
	if c.Rules == nil {
		c.Rules = collaborators.AllowAllRuleEngine{}
	}
	if c.Policy == nil {
		c.Policy = collaborators.AllowAllPolicyEngine{}
	}
	if c.Consent == nil {
		c.Consent = collaborators.AlwaysConsentedRegistry{}
	}
	if c.Sandbox == nil {
		c.Sandbox = sandbox.New(log.WithField("component", "sandbox"))
	}
	if c.Audit == nil {
		c.Audit = collaborators.LoggingAuditSink{Log: log.WithField("component", "audit")}
	}
	if c.Proofs == nil {
		c.Proofs = collaborators.NoopProofRecorder{}
	}
	return c
}

func breakerConfigFor(cfg *config.Config, name string) breaker.Config {
	rule, ok := cfg.CircuitBreakers[name]
	if !ok {
		return breaker.Config{}
	}
	return breaker.Config{
		FailureThreshold: rule.FailureThreshold,
		ResetTimeout:     rule.ResetTimeout,
		HalfOpenMax:      rule.HalfOpenMax,
	}
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// Start launches every stage worker's pollers and registers each with the
// shutdown coordinator (spec §4.9 step 2: "cancel each worker"). ctx
// governs the lifetime of the pollers; cancel it (or call e.Shutdown.
// Shutdown) to stop them.
func (e *Engine) Start(ctx context.Context) {
	for _, r := range e.runners {
		workerCtx, cancel := context.WithCancel(ctx)
		e.Shutdown.RegisterWorker(cancel)
		r.Start(workerCtx)
	}
}

func (e *Engine) buildRunners(col Collaborators, log *logrus.Entry) {
	failures := &pipeline.Coordinator{
		Policy: pipeline.RetryPolicy{
			MaxRetries: e.Config.MaxRetries,
			BaseDelay:  time.Duration(e.Config.RetryBackoffMs) * time.Millisecond,
		},
		Intents:     e.Intents,
		DeadLetters: e.DeadLetters,
		Audit:       col.Audit,
		Log:         log.WithField("component", "retry"),
	}

	intakeWorker := &pipeline.IntakeWorker{
		Intents:    e.Intents,
		Trust:      col.Trust,
		TrustGuard: e.TrustBreaker,
		EventLog:   e.EventLog,
		Audit:      col.Audit,
		EvaluateQ:  e.queue,
		Log:        log.WithField("worker", "intake"),
	}
	evaluateWorker := &pipeline.EvaluateWorker{
		Intents:     e.Intents,
		Rules:       col.Rules,
		Policies:    col.Policy,
		PolicyGuard: e.PolicyBreaker,
		DecisionQ:   e.queue,
		Log:         log.WithField("worker", "evaluate"),
	}
	decisionWorker := &pipeline.DecisionWorker{
		Intents:    e.Intents,
		Trust:      col.Trust,
		TrustGuard: e.TrustBreaker,
		Gates:      configAdapter{Config: e.Config},
		Limits:     configAdapter{Config: e.Config},
		Proofs:     col.Proofs,
		Webhooks:   e.Webhooks,
		ExecuteQ:   e.queue,
		Metrics:    e.Metrics,
		Log:        log.WithField("worker", "decision"),
	}
	executeWorker := &pipeline.ExecuteWorker{
		Intents:  e.Intents,
		Sandbox:  e.Sandbox,
		Audit:    col.Audit,
		Webhooks: e.Webhooks,
		Metrics:  e.Metrics,
		Log:      log.WithField("worker", "execute"),
	}

	concurrency := e.Config.QueueConcurrency
	jobTimeout := time.Duration(e.Config.JobTimeoutMs) * time.Millisecond

	e.runners = []*pipeline.Runner{
		{Stage: intent.StageIntake, Queue: e.queue, Concurrency: concurrency, Visibility: jobTimeout, Handle: intakeWorker.Handle, Failures: failures, Metrics: e.Metrics, Log: log, ShuttingDown: e.Shutdown.IsShuttingDown},
		{Stage: intent.StageEvaluate, Queue: e.queue, Concurrency: concurrency, Visibility: jobTimeout, Handle: evaluateWorker.Handle, Failures: failures, Metrics: e.Metrics, Log: log, ShuttingDown: e.Shutdown.IsShuttingDown},
		{Stage: intent.StageDecision, Queue: e.queue, Concurrency: concurrency, Visibility: jobTimeout, Handle: decisionWorker.Handle, Failures: failures, Metrics: e.Metrics, Log: log, ShuttingDown: e.Shutdown.IsShuttingDown},
		{Stage: intent.StageExecute, Queue: e.queue, Concurrency: e.sandboxConcurrency(), Visibility: jobTimeout, Handle: executeWorker.Handle, Failures: failures, Metrics: e.Metrics, Log: log, ShuttingDown: e.Shutdown.IsShuttingDown},
	}
}

// sandboxConcurrency additionally bounds the execute stage by
// cognigate.maxConcurrent (spec §5: "execute stage is additionally bounded
// by sandbox concurrency"), taking the lesser of the two caps.
func (e *Engine) sandboxConcurrency() int {
	c := e.Config.QueueConcurrency
	if max := e.Config.Sandbox.MaxConcurrent; max > 0 && max < c {
		return max
	}
	return c
}
