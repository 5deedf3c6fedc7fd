package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/collaborators"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/domain/webhook"
	"github.com/vorion/intentengine/internal/metrics"
	"github.com/vorion/intentengine/internal/queue"
	"github.com/vorion/intentengine/internal/storage"
)

// TrustGateConfig resolves the minimum trust level an intent type requires,
// mirroring config.Config.MinTrustLevelFor without importing internal/config
// (avoids a dependency cycle; internal/engine wires the real *config.Config
// in).
type TrustGateConfig interface {
	MinTrustLevelFor(intentType string) int
}

// SandboxLimitsConfig resolves the resource limits an approved execution
// runs under (spec's cognigate.* family — a single tenant-wide cap, not
// per intent type).
type SandboxLimitsConfig interface {
	Limits() collaborators.ResourceLimits
}

// DecisionWorker is the C7 decision-stage handler (spec §4.7.4): re-fetch
// live trust, compute drift, enforce the trust gate, combine rule/policy
// actions under the total order, transition the intent, record a proof,
// emit webhooks, and on approval enqueue execution.
type DecisionWorker struct {
	Intents     storage.IntentStore
	Trust       collaborators.TrustProvider
	TrustGuard  BreakerExecutor
	Gates       TrustGateConfig
	Limits      SandboxLimitsConfig
	Proofs      collaborators.ProofRecorder
	Webhooks    WebhookEmitter
	ExecuteQ    queue.Queue
	Metrics     *metrics.Metrics
	Log         *logrus.Entry
}

// Handle implements Handler for the decision queue.
func (w *DecisionWorker) Handle(ctx context.Context, job intent.StageJob) error {
	in, found, err := w.Intents.Get(ctx, job.IntentID, job.Tenant)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "fetch intent at decision", err)
	}
	if !found {
		return apierrors.NotFound("intent", job.IntentID)
	}
	if in.Status == intent.StatusCancelled {
		return nil
	}

	live := w.fetchLiveTrust(ctx, in)
	if err := w.Intents.UpdateTrustCurrent(ctx, in.ID, in.Tenant, live.Score, live.Level); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "update trust current", err)
	}
	w.recordDrift(in, live)

	ruleAction := collaborators.Action(stringField(job.Payload, "rule_action"))
	policyAction := collaborators.Action(stringField(job.Payload, "policy_action"))

	requiredLevel := 0
	if w.Gates != nil {
		requiredLevel = w.Gates.MinTrustLevelFor(in.Type)
	}
	gatePassed := live.Level >= requiredLevel
	if err := w.Intents.RecordEvaluation(ctx, intent.Evaluation{
		IntentID: in.ID,
		Kind:     intent.EvaluationTrustGate,
		Data: map[string]interface{}{
			"required_level": requiredLevel,
			"actual_level":   live.Level,
			"passed":         gatePassed,
		},
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "record trust-gate evaluation", err)
	}

	finalAction := collaborators.MostRestrictive(ruleAction, policyAction)
	if finalAction != ruleAction && w.Metrics != nil {
		w.Metrics.PolicyOverrides.Inc()
	}
	if !gatePassed {
		// Fail closed: a trust-gate miss can only make the outcome more
		// restrictive than whatever rules/policy concluded (spec §4.7.4:
		// "trust gate: fail closed to denied if live_level < required").
		finalAction = collaborators.MostRestrictive(finalAction, collaborators.ActionDeny)
	}

	to, event := w.statusFor(finalAction, in)
	if _, err := w.Intents.TransitionStatus(ctx, in.ID, in.Tenant, to, event, &intent.Evaluation{
		Kind: intent.EvaluationDecision,
		Data: map[string]interface{}{
			"action":          string(finalAction),
			"rule_action":     string(ruleAction),
			"policy_action":   string(policyAction),
			"trust_gate_pass": gatePassed,
		},
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "transition to decision outcome", err)
	}

	w.recordProof(in, finalAction, gatePassed)
	w.emitWebhook(in, to)

	if to == intent.StatusApproved {
		limits := collaborators.ResourceLimits{}
		if w.Limits != nil {
			limits = w.Limits.Limits()
		}
		return w.ExecuteQ.Enqueue(ctx, intent.StageJob{
			Stage:    intent.StageExecute,
			IntentID: in.ID,
			Tenant:   in.Tenant,
			TraceID:  job.TraceID,
			Payload: map[string]interface{}{
				"max_memory_mb":   limits.MaxMemoryMB,
				"max_cpu_percent": limits.MaxCPUPercent,
				"timeout_ms":      limits.Timeout.Milliseconds(),
			},
		})
	}
	return nil
}

// statusFor maps a final action to its resulting status and event (spec
// §4.7.4: terminate/deny → denied, escalate → escalated, limit/monitor/
// allow → approved).
func (w *DecisionWorker) statusFor(action collaborators.Action, in intent.Intent) (intent.Status, intent.Event) {
	switch action {
	case collaborators.ActionTerminate, collaborators.ActionDeny:
		return intent.StatusDenied, intent.Event{Type: "intent.denied", Payload: map[string]interface{}{"action": string(action)}}
	case collaborators.ActionEscalate:
		return intent.StatusEscalated, intent.Event{Type: "intent.escalated", Payload: map[string]interface{}{"action": string(action)}}
	default: // limit, monitor, allow all approve; "limit" constrains resources downstream, not the decision itself
		return intent.StatusApproved, intent.Event{Type: "intent.approved", Payload: map[string]interface{}{"action": string(action)}}
	}
}

func (w *DecisionWorker) fetchLiveTrust(ctx context.Context, in intent.Intent) collaborators.TrustScore {
	var score collaborators.TrustScore
	execErr := w.TrustGuard.Execute(ctx, func(ctx context.Context) error {
		s, err := w.Trust.GetTrust(ctx, in.Tenant, in.Entity)
		if err != nil {
			return err
		}
		score = s
		return nil
	})
	if execErr != nil {
		return collaborators.TrustScore{Score: in.TrustSnapshotScore, Level: in.TrustSnapshotLevel}
	}
	return score
}

// recordDrift observes the snapshot-vs-live delta and tags severity buckets
// (spec §4.7.4 step 2: log when |drift| >= 20).
func (w *DecisionWorker) recordDrift(in intent.Intent, live collaborators.TrustScore) {
	if w.Metrics == nil {
		return
	}
	drift := in.TrustSnapshotScore - live.Score
	w.Metrics.TrustDrift.Observe(float64(drift))

	abs := drift
	if abs < 0 {
		abs = -abs
	}
	severity := "none"
	switch {
	case abs >= 100:
		severity = "critical"
	case abs >= 50:
		severity = "major"
	case abs >= 20:
		severity = "notable"
	}
	if severity != "none" {
		w.Metrics.TrustDegradations.WithLabelValues(severity).Inc()
		if w.Log != nil {
			w.Log.WithField("intent_id", in.ID).WithField("drift", drift).Warn("trust drift exceeds threshold")
		}
	}
}

func (w *DecisionWorker) recordProof(in intent.Intent, action collaborators.Action, gatePassed bool) {
	if w.Proofs == nil {
		return
	}
	go func() {
		if err := w.Proofs.RecordProof(context.Background(), in.Tenant, in.ID, map[string]interface{}{
			"action":          string(action),
			"trust_gate_pass": gatePassed,
		}); err != nil && w.Log != nil {
			w.Log.WithField("intent_id", in.ID).WithError(err).Warn("proof record failed")
		}
	}()
}

func (w *DecisionWorker) emitWebhook(in intent.Intent, to intent.Status) {
	if w.Webhooks == nil {
		return
	}
	var kind webhook.EventKind
	switch to {
	case intent.StatusApproved:
		kind = webhook.EventIntentApproved
	case intent.StatusDenied:
		kind = webhook.EventIntentDenied
	case intent.StatusEscalated:
		kind = webhook.EventIntentEscalated
	default:
		return
	}
	go func() {
		if err := w.Webhooks.Emit(context.Background(), in.Tenant, string(kind), map[string]interface{}{
			"intent_id": in.ID,
			"entity":    in.Entity,
			"type":      in.Type,
		}); err != nil && w.Log != nil {
			w.Log.WithField("intent_id", in.ID).WithError(err).Warn("webhook emit failed")
		}
	}()
}

func stringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
