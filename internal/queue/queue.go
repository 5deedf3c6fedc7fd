// Package queue implements the four durable stage queues (spec §3, §4.7):
// intake, evaluate, decision, execute. Each job is leased to exactly one
// worker at a time for the duration of its visibility timeout — spec §5's
// "queue's per-id lock" — and is either acknowledged (removed), released
// back for retry, or moved out entirely by the caller (dead-lettering is a
// storage.DeadLetterStore concern, not the queue's).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/vorion/intentengine/internal/domain/intent"
)

// ErrEmpty is returned by Dequeue when no job is currently available.
var ErrEmpty = errors.New("queue: empty")

// Lease wraps a dequeued job together with the handle needed to
// acknowledge, release, or extend it.
type Lease struct {
	Job      intent.StageJob
	LeaseID  string
	Deadline time.Time
}

// Queue is one stage's durable work queue.
type Queue interface {
	// Enqueue durably stores job for its Stage, propagating trace context.
	// Returns apierrors.EnqueueFailed on failure (spec §4.6 step 8).
	Enqueue(ctx context.Context, job intent.StageJob) error

	// Dequeue leases at most one ready job for visibility, the stage's
	// per-attempt lock duration (spec §5 "lock-duration cap"). Returns
	// ErrEmpty (not an error the caller logs) when nothing is ready.
	Dequeue(ctx context.Context, stage intent.StageName, visibility time.Duration) (Lease, error)

	// Ack removes a leased job permanently — the handler completed
	// (successfully or by dead-lettering it elsewhere).
	Ack(ctx context.Context, lease Lease) error

	// Release returns a leased job to the queue immediately, incrementing
	// its attempts-made counter, for the caller's retry-backoff policy to
	// re-enqueue with a delay via EnqueueAfter.
	Release(ctx context.Context, lease Lease) error

	// EnqueueAfter durably stores job but makes it ineligible for Dequeue
	// until availableAt (spec §4.7.6's exponential backoff with jitter).
	EnqueueAfter(ctx context.Context, job intent.StageJob, availableAt time.Time) error

	// Depth reports counts for the named stage's queue health (spec §6
	// get_queue_health): waiting (ready now or scheduled) and active
	// (currently leased).
	Depth(ctx context.Context, stage intent.StageName) (waiting, active int, err error)
}
