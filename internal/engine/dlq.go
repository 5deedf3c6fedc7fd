package engine

import (
	"context"
	"time"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/storage"
)

// StageHealth is one stage's entry in get_queue_health()'s response (spec
// §6: "per-stage {waiting, active, failed, dlq_count}").
type StageHealth struct {
	Stage    intent.StageName
	Waiting  int
	Active   int
	DLQCount int
}

// GetQueueHealth implements spec §6's get_queue_health().
func (e *Engine) GetQueueHealth(ctx context.Context) ([]StageHealth, error) {
	counts, err := e.DeadLetters.CountByQueue(ctx)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInternal, "count dead letters by queue", err)
	}

	health := make([]StageHealth, 0, len(intent.Stages))
	for _, stage := range intent.Stages {
		waiting, active, err := e.queue.Depth(ctx, stage)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeInternal, "queue depth", err)
		}
		health = append(health, StageHealth{
			Stage:    stage,
			Waiting:  waiting,
			Active:   active,
			DLQCount: counts[stage],
		})
	}
	return health, nil
}

// ListDLQ implements list_dlq().
func (e *Engine) ListDLQ(ctx context.Context, filter storage.DeadLetterFilter) ([]intent.DeadLetterRecord, error) {
	return e.DeadLetters.List(ctx, filter)
}

// RetryDLQ implements retry_dlq(id): re-enqueue the original stage job
// (with its attempt counter reset, giving it a fresh retry budget) and
// remove the dead-letter record.
func (e *Engine) RetryDLQ(ctx context.Context, id string) error {
	rec, found, err := e.DeadLetters.Get(ctx, id)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "fetch dead letter record", err)
	}
	if !found {
		return apierrors.NotFound("dead_letter", id)
	}

	job := rec.OriginalJob
	job.AttemptsMade = 0
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return apierrors.Wrap(apierrors.CodeInternal, "re-enqueue dead letter job", err)
	}
	return e.DeadLetters.Delete(ctx, id)
}

// PurgeOldDLQ implements purge_old_dlq(days): removes dead-letter records
// older than days, returning the count removed.
func (e *Engine) PurgeOldDLQ(ctx context.Context, days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	return e.DeadLetters.PurgeOlderThan(ctx, cutoff)
}
