package pipeline

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/collaborators"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/eventlog"
	"github.com/vorion/intentengine/internal/queue"
	"github.com/vorion/intentengine/internal/storage"

	"context"
)

// IntakeWorker is the C7 intake-stage handler (spec §4.7.2): fetch intent,
// fetch entity trust through the trustEngine breaker, record a
// trust-snapshot evaluation, transition pending→evaluating, audit, and
// enqueue the evaluate job.
type IntakeWorker struct {
	Intents    storage.IntentStore
	Trust      collaborators.TrustProvider
	TrustGuard BreakerExecutor
	EventLog   *eventlog.Writer
	Audit      collaborators.AuditSink
	EvaluateQ  queue.Queue
	Log        *logrus.Entry
}

// BreakerExecutor is the narrow *breaker.Breaker surface the pipeline
// depends on, so this package does not need to import the ephemeral-store
// wiring that constructing a real breaker requires.
type BreakerExecutor interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// Handle implements Handler for the intake queue.
func (w *IntakeWorker) Handle(ctx context.Context, job intent.StageJob) error {
	in, found, err := w.Intents.Get(ctx, job.IntentID, job.Tenant)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "fetch intent at intake", err)
	}
	if !found {
		return apierrors.NotFound("intent", job.IntentID)
	}
	if in.Status == intent.StatusCancelled {
		return nil // spec §5: re-read at checkpoints, exit cleanly on cancellation
	}

	score := w.fetchTrust(ctx, in)

	if err := w.Intents.UpdateTrustSnapshot(ctx, in.ID, in.Tenant, score.Score, score.Level); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "update trust snapshot", err)
	}
	if err := w.Intents.RecordEvaluation(ctx, intent.Evaluation{
		IntentID:   in.ID,
		Kind:       intent.EvaluationTrustSnapshot,
		Data:       map[string]interface{}{"score": score.Score, "level": score.Level},
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "record trust-snapshot evaluation", err)
	}

	if _, err := w.Intents.TransitionStatus(ctx, in.ID, in.Tenant, intent.StatusEvaluating, intent.Event{
		Type:    "intent.evaluating",
		Payload: map[string]interface{}{"trust_score": score.Score, "trust_level": score.Level},
	}, nil); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "transition pending to evaluating", err)
	}

	w.audit(in)

	return w.EvaluateQ.Enqueue(ctx, intent.StageJob{
		Stage:    intent.StageEvaluate,
		IntentID: in.ID,
		Tenant:   in.Tenant,
		TraceID:  job.TraceID,
	})
}

// fetchTrust wraps the trust provider call in the trustEngine breaker,
// falling back to the cached snapshot already on the intent (or zero, for
// a first-ever submission) when the circuit is open (spec §4.7.2: "fetch
// entity trust via Trust collaborator through C3 (fallback: cached score,
// else default zero)").
func (w *IntakeWorker) fetchTrust(ctx context.Context, in intent.Intent) collaborators.TrustScore {
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

func (w *IntakeWorker) audit(in intent.Intent) {
	if w.Audit == nil {
		return
	}
	go func() {
		if err := w.Audit.Record(context.Background(), in.Tenant, in.ID, "intake.evaluating", nil); err != nil && w.Log != nil {
			w.Log.WithField("intent_id", in.ID).WithError(err).Warn("audit record failed")
		}
	}()
}
