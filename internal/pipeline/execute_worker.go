package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/collaborators"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/metrics"
	"github.com/vorion/intentengine/internal/storage"
)

// ExecuteWorker is the C7 execute-stage handler (spec §4.7.5): re-verify
// the intent is still approved, run it in the sandbox under its resource
// limits, and record the outcome. Unlike the trust/policy lookups earlier
// in the pipeline, the sandbox call has no safe default — an error returned
// by the sandbox runner is a job failure that goes through the retry/DLQ
// coordinator, while a non-success outcome marks the intent failed (spec §7:
// "breaker-rejected calls... are failures when the caller has no fallback
// (execute stage)").
type ExecuteWorker struct {
	Intents  storage.IntentStore
	Sandbox  collaborators.SandboxRunner
	Audit    collaborators.AuditSink
	Webhooks WebhookEmitter
	Metrics  *metrics.Metrics
	Log      *logrus.Entry
}

// Handle implements Handler for the execute queue.
func (w *ExecuteWorker) Handle(ctx context.Context, job intent.StageJob) error {
	in, found, err := w.Intents.Get(ctx, job.IntentID, job.Tenant)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "fetch intent at execute", err)
	}
	if !found {
		return apierrors.NotFound("intent", job.IntentID)
	}
	if in.Status != intent.StatusApproved {
		// Already cancelled, already executed by a duplicate delivery, or
		// otherwise moved on: nothing to do (spec §4.7.5: "re-verify status
		// is still approved").
		return nil
	}

	if _, err := w.Intents.TransitionStatus(ctx, in.ID, in.Tenant, intent.StatusExecuting, intent.Event{
		Type: "intent.executing",
	}, nil); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "transition approved to executing", err)
	}

	limits := collaborators.ResourceLimits{
		MaxMemoryMB:   intField(job.Payload, "max_memory_mb"),
		MaxCPUPercent: intField(job.Payload, "max_cpu_percent"),
		Timeout:       time.Duration(intField(job.Payload, "timeout_ms")) * time.Millisecond,
	}

	start := time.Now()
	result, execErr := w.Sandbox.Execute(ctx, in.Tenant, in.Entity, in.Goal, in.Context, limits)
	if w.Metrics != nil {
		w.Metrics.ExecutionDuration.WithLabelValues(string(result.Outcome)).Observe(time.Since(start).Seconds())
		w.Metrics.ExecutionMemoryPeak.Observe(float64(result.MemoryPeakMB) * (1 << 20))
	}
	if execErr != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "sandbox execution", execErr)
	}

	if result.Outcome == collaborators.ExecutionSuccess {
		return w.complete(ctx, in, result)
	}
	return w.fail(ctx, in, result)
}

func (w *ExecuteWorker) complete(ctx context.Context, in intent.Intent, result collaborators.ExecutionResult) error {
	if _, err := w.Intents.TransitionStatus(ctx, in.ID, in.Tenant, intent.StatusCompleted, intent.Event{
		Type:    "intent.completed",
		Payload: map[string]interface{}{"memory_peak_mb": result.MemoryPeakMB, "output": result.Output},
	}, nil); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "transition executing to completed", err)
	}
	w.observe("success")
	w.audit(in, "execute.completed", map[string]interface{}{"memory_peak_mb": result.MemoryPeakMB})
	w.webhook(in)
	return nil
}

// fail marks an intent's execution failed. Per spec §4.7.5 / §4.8,
// intent.failed has no webhook catalogue entry — only audited, never
// delivered.
func (w *ExecuteWorker) fail(ctx context.Context, in intent.Intent, result collaborators.ExecutionResult) error {
	if _, err := w.Intents.TransitionStatus(ctx, in.ID, in.Tenant, intent.StatusFailed, intent.Event{
		Type:    "intent.execution_failed",
		Payload: map[string]interface{}{"outcome": string(result.Outcome), "error": result.ErrorMessage},
	}, &intent.Evaluation{
		Kind:       intent.EvaluationError,
		Data:       map[string]interface{}{"outcome": string(result.Outcome), "error": result.ErrorMessage},
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "transition executing to failed", err)
	}
	w.observe(string(result.Outcome))
	w.audit(in, "execute.failed", map[string]interface{}{"outcome": string(result.Outcome), "error": result.ErrorMessage})
	return nil
}

func (w *ExecuteWorker) observe(outcome string) {
	if w.Metrics == nil {
		return
	}
	w.Metrics.ExecutionTotal.WithLabelValues(outcome).Inc()
}

func (w *ExecuteWorker) audit(in intent.Intent, action string, details map[string]interface{}) {
	if w.Audit == nil {
		return
	}
	go func() {
		if err := w.Audit.Record(context.Background(), in.Tenant, in.ID, action, details); err != nil && w.Log != nil {
			w.Log.WithField("intent_id", in.ID).WithError(err).Warn("audit record failed")
		}
	}()
}

func (w *ExecuteWorker) webhook(in intent.Intent) {
	if w.Webhooks == nil {
		return
	}
	go func() {
		if err := w.Webhooks.Emit(context.Background(), in.Tenant, "intent.completed", map[string]interface{}{
			"intent_id": in.ID,
			"entity":    in.Entity,
			"type":      in.Type,
		}); err != nil && w.Log != nil {
			w.Log.WithField("intent_id", in.ID).WithError(err).Warn("webhook emit failed")
		}
	}()
}

func intField(payload map[string]interface{}, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
