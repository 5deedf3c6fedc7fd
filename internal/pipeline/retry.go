package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/collaborators"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/queue"
	"github.com/vorion/intentengine/internal/storage"
)

// RetryPolicy is the exponential-backoff-with-jitter retry schedule (spec
// §4.7.6: "exponential backoff with base retryBackoffMs and ±25% jitter, up
// to maxRetries attempts").
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Jitter     float64 // fraction of delay randomized, e.g. 0.25
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.25
	}
	return p
}

// backoff computes the delay before retry attempt n (1-indexed), mirroring
// internal/resilience/lock's jittered() helper.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BaseDelay << uint(attempt-1)
	spread := float64(base) * p.Jitter
	offset := (rand.Float64()*2 - 1) * spread
	result := float64(base) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

// Coordinator implements the C8 retry/DLQ policy shared by every stage
// worker: on handler failure, either requeue the job after a backoff delay
// or, once attempts are exhausted, dead-letter it and mark the intent
// failed (spec §4.7.6).
type Coordinator struct {
	Policy      RetryPolicy
	Intents     storage.IntentStore
	DeadLetters storage.DeadLetterStore
	Audit       collaborators.AuditSink
	Log         *logrus.Entry
}

// HandleFailure processes one handler failure for lease on q, returning the
// outcome label ("retry" or "dead_letter") for metrics.
func (c *Coordinator) HandleFailure(ctx context.Context, stage intent.StageName, q queue.Queue, lease queue.Lease, handleErr error) (string, error) {
	policy := c.Policy.withDefaults()
	attempt := lease.Job.AttemptsMade + 1

	if attempt >= policy.MaxRetries {
		if err := c.deadLetter(ctx, stage, lease, attempt, handleErr); err != nil {
			return "dead_letter", err
		}
		return "dead_letter", q.Ack(ctx, lease)
	}

	retryJob := lease.Job
	retryJob.AttemptsMade = attempt
	delay := policy.backoff(attempt)
	if err := q.EnqueueAfter(ctx, retryJob, time.Now().Add(delay)); err != nil {
		return "retry", apierrors.Wrap(apierrors.CodeInternal, "requeue after failure", err)
	}
	return "retry", q.Ack(ctx, lease)
}

func (c *Coordinator) deadLetter(ctx context.Context, stage intent.StageName, lease queue.Lease, attempt int, handleErr error) error {
	now := time.Now().UTC()
	record := intent.DeadLetterRecord{
		OriginQueue:   stage,
		OriginalJob:   lease.Job,
		ErrorMessage:  handleErr.Error(),
		ErrorKind:     string(apierrors.CodeOf(handleErr)),
		AttemptsMade:  attempt,
		IntentID:      lease.Job.IntentID,
		Tenant:        lease.Job.Tenant,
		TraceID:       lease.Job.TraceID,
		CreatedAt:     now,
		FirstFailedAt: lease.Job.EnqueuedAt,
		MovedAt:       now,
	}
	if c.DeadLetters != nil {
		if err := c.DeadLetters.Insert(ctx, record); err != nil {
			return apierrors.Wrap(apierrors.CodeInternal, "insert dead letter record", err)
		}
	}

	if c.Intents != nil {
		errEvent := intent.Event{
			Type:    "intent.stage.dead_lettered",
			Payload: map[string]interface{}{"stage": string(stage), "error": handleErr.Error(), "attempts": attempt},
		}
		errEval := &intent.Evaluation{
			Kind:       intent.EvaluationError,
			Data:       map[string]interface{}{"stage": string(stage), "error": handleErr.Error()},
			RecordedAt: now,
		}
		if _, err := c.Intents.TransitionStatus(ctx, lease.Job.IntentID, lease.Job.Tenant, intent.StatusFailed, errEvent, errEval); err != nil {
			if apierrors.CodeOf(err) != apierrors.CodeInvalidStateTransition {
				c.logf("mark intent failed after dead-letter: %v", err)
			}
		}
	}

	if c.Audit != nil {
		go func() {
			if err := c.Audit.Record(context.Background(), lease.Job.Tenant, lease.Job.IntentID, "stage.dead_lettered", map[string]interface{}{
				"stage": string(stage), "error": handleErr.Error(),
			}); err != nil {
				c.logf("audit dead-letter record: %v", err)
			}
		}()
	}

	return nil
}

func (c *Coordinator) logf(format string, args ...interface{}) {
	if c.Log == nil {
		return
	}
	c.Log.Errorf(format, args...)
}
