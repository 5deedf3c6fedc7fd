// Package metrics defines the Prometheus series the intent engine emits
// (spec §6). A single Metrics value is constructed once at startup and torn
// down by the shutdown coordinator; nothing here registers at module load.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every named series from spec §6's metrics surface.
type Metrics struct {
	registry *prometheus.Registry

	// Intent lifecycle
	IntentSubmissions    *prometheus.CounterVec
	StatusTransitions    *prometheus.CounterVec
	IntentsByStatus      *prometheus.GaugeVec
	ProcessingDuration   *prometheus.HistogramVec
	ContextSizeBytes     prometheus.Histogram

	// Trust
	TrustGateEvaluations   *prometheus.CounterVec
	TrustLevelAtSubmission prometheus.Histogram
	TrustDrift             prometheus.Histogram
	TrustDegradations      *prometheus.CounterVec
	DecisionTrustFetchTime prometheus.Histogram

	// Queue
	QueueDepth      *prometheus.GaugeVec
	QueueActive     *prometheus.GaugeVec
	QueueProcessed  *prometheus.CounterVec
	QueueDuration   *prometheus.HistogramVec
	DLQSize         *prometheus.GaugeVec

	// Circuit breakers
	BreakerState        *prometheus.GaugeVec
	BreakerStateChanges *prometheus.CounterVec
	BreakerTrips        *prometheus.CounterVec
	BreakerExecutions   *prometheus.CounterVec

	// Rate limiting
	RateLimitChecks *prometheus.CounterVec
	RateLimitUsage  *prometheus.GaugeVec
	RateLimitDenied *prometheus.CounterVec

	// Webhooks
	WebhookDeliveries     *prometheus.CounterVec
	WebhookBatchDuration  prometheus.Histogram
	WebhookConcurrency    prometheus.Gauge
	WebhookCircuitState   *prometheus.GaugeVec

	// Execution
	ExecutionTotal      *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ExecutionMemoryPeak prometheus.Histogram
	ExecutionInProgress prometheus.Gauge

	// Locks
	LockContention *prometheus.CounterVec

	// Dedup
	DedupOutcomes *prometheus.CounterVec

	// Policy
	PolicyEvaluations *prometheus.CounterVec
	PolicyDuration    prometheus.Histogram
	PolicyOverrides   prometheus.Counter
	PolicyCacheHits   *prometheus.CounterVec
}

// New constructs and registers every series against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests, multiple
// instances in one process) — the engine never touches the global default
// registry implicitly.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,

		IntentSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intent_submissions_total", Help: "Intent submissions by tenant and outcome.",
		}, []string{"tenant", "outcome"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intent_status_transitions_total", Help: "Status transitions by from/to state.",
		}, []string{"from", "to"}),
		IntentsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "intents_current_by_status", Help: "Current intent count by status.",
		}, []string{"status"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "intent_stage_processing_duration_seconds", Help: "Per-stage processing duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		ContextSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "intent_context_size_bytes", Help: "Recorded intent context size.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),

		TrustGateEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trust_gate_evaluations_total", Help: "Trust gate pass/fail counts by stage.",
		}, []string{"stage", "result"}),
		TrustLevelAtSubmission: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "trust_level_at_submission", Help: "Trust level recorded at intake.",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		}),
		TrustDrift: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "trust_drift", Help: "Snapshot score minus decision-time score.",
			Buckets: []float64{-100, -50, -20, -5, 0, 5, 20, 50, 100},
		}),
		TrustDegradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trust_degradation_events_total", Help: "Trust degradation events by severity.",
		}, []string{"severity"}),
		DecisionTrustFetchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "trust_decision_fetch_duration_seconds", Help: "Decision-time trust fetch duration.",
			Buckets: prometheus.DefBuckets,
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth", Help: "Pending jobs per queue.",
		}, []string{"queue"}),
		QueueActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_active", Help: "In-flight jobs per queue.",
		}, []string{"queue"}),
		QueueProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_processed_total", Help: "Completed jobs per queue by outcome.",
		}, []string{"queue", "outcome"}),
		QueueDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "queue_processing_duration_seconds", Help: "Job handler duration per queue.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		DLQSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dead_letter_queue_size", Help: "Dead-letter records by origin queue.",
		}, []string{"queue"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state", Help: "0=closed 1=half_open 2=open.",
		}, []string{"name"}),
		BreakerStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total", Help: "State transitions by name/from/to.",
		}, []string{"name", "from", "to"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total", Help: "Times a breaker opened.",
		}, []string{"name"}),
		BreakerExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_executions_total", Help: "Executions by name/outcome.",
		}, []string{"name", "outcome"}),

		RateLimitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_checks_total", Help: "check_and_consume calls by tenant/type/entity scope.",
		}, []string{"scope"}),
		RateLimitUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_limit_usage_ratio", Help: "current/limit ratio by scope key.",
		}, []string{"scope"}),
		RateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_denials_total", Help: "Denied checks by scope key.",
		}, []string{"scope"}),

		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total", Help: "Deliveries by outcome.",
		}, []string{"outcome"}),
		WebhookBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "webhook_dispatch_batch_duration_seconds", Help: "Time to fan out one event to all subscriptions.",
			Buckets: prometheus.DefBuckets,
		}),
		WebhookConcurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_dispatch_concurrency_in_use", Help: "Semaphore slots currently held.",
		}),
		WebhookCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "webhook_circuit_state", Help: "0=closed 1=half_open 2=open, by subscription.",
		}, []string{"subscription"}),

		ExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_total", Help: "Execute-stage outcomes.",
		}, []string{"outcome"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "execution_duration_seconds", Help: "Execute-stage wall time by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		ExecutionMemoryPeak: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "execution_memory_peak_bytes", Help: "Sampled peak RSS during execution.",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 12),
		}),
		ExecutionInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execution_in_progress", Help: "Currently executing intents.",
		}),

		LockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lock_contention_total", Help: "Lock acquisitions by outcome.",
		}, []string{"outcome"}),

		DedupOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dedupe_outcomes_total", Help: "Dedupe reservation outcomes.",
		}, []string{"outcome"}),

		PolicyEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_evaluations_total", Help: "Policy evaluations by outcome.",
		}, []string{"outcome"}),
		PolicyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "policy_evaluation_duration_seconds", Help: "Policy evaluation duration.",
			Buckets: prometheus.DefBuckets,
		}),
		PolicyOverrides: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_overrides_total", Help: "Times policy action was more restrictive than rule action.",
		}),
		PolicyCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_cache_total", Help: "Policy cache hits/misses.",
		}, []string{"result"}),
	}

	for _, c := range m.collectors() {
		reg.MustRegister(c)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.IntentSubmissions, m.StatusTransitions, m.IntentsByStatus, m.ProcessingDuration, m.ContextSizeBytes,
		m.TrustGateEvaluations, m.TrustLevelAtSubmission, m.TrustDrift, m.TrustDegradations, m.DecisionTrustFetchTime,
		m.QueueDepth, m.QueueActive, m.QueueProcessed, m.QueueDuration, m.DLQSize,
		m.BreakerState, m.BreakerStateChanges, m.BreakerTrips, m.BreakerExecutions,
		m.RateLimitChecks, m.RateLimitUsage, m.RateLimitDenied,
		m.WebhookDeliveries, m.WebhookBatchDuration, m.WebhookConcurrency, m.WebhookCircuitState,
		m.ExecutionTotal, m.ExecutionDuration, m.ExecutionMemoryPeak, m.ExecutionInProgress,
		m.LockContention, m.DedupOutcomes,
		m.PolicyEvaluations, m.PolicyDuration, m.PolicyOverrides, m.PolicyCacheHits,
	}
}

// Registry returns the backing registry, e.g. for an external collaborator
// to expose it over its own /metrics endpoint (out of scope here).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// BreakerStateValue maps a breaker state name to the gauge's numeric
// encoding used above.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
