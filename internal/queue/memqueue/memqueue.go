// Package memqueue is the in-process fake of internal/queue, grounded on
// the teacher's in-memory storage fake (internal/app/storage/memory.go):
// maps guarded by a single mutex, used by pipeline and intake unit tests in
// place of a live Postgres queue table.
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/queue"
)

type pending struct {
	job         intent.StageJob
	availableAt time.Time
}

type leased struct {
	job      intent.StageJob
	stage    intent.StageName
	deadline time.Time
}

// Queue implements queue.Queue with one pending/leased set per stage.
type Queue struct {
	mu      sync.Mutex
	pending map[intent.StageName][]pending
	leased  map[string]leased
}

var _ queue.Queue = (*Queue)(nil)

// New returns an empty queue with all four stages pre-registered.
func New() *Queue {
	q := &Queue{
		pending: make(map[intent.StageName][]pending),
		leased:  make(map[string]leased),
	}
	for _, s := range intent.Stages {
		q.pending[s] = nil
	}
	return q
}

func (q *Queue) Enqueue(ctx context.Context, job intent.StageJob) error {
	return q.EnqueueAfter(ctx, job, time.Time{})
}

func (q *Queue) EnqueueAfter(ctx context.Context, job intent.StageJob, availableAt time.Time) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[job.Stage] = append(q.pending[job.Stage], pending{job: job, availableAt: availableAt})
	return nil
}

// requeueStalledLocked moves any leased job whose visibility deadline has
// passed back into the pending set. It takes no lock itself — caller holds
// q.mu.
func (q *Queue) requeueStalledLocked(now time.Time) {
	for id, l := range q.leased {
		if now.After(l.deadline) {
			delete(q.leased, id)
			q.pending[l.stage] = append(q.pending[l.stage], pending{job: l.job, availableAt: time.Time{}})
		}
	}
}

func (q *Queue) Dequeue(ctx context.Context, stage intent.StageName, visibility time.Duration) (queue.Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	q.requeueStalledLocked(now)

	items := q.pending[stage]
	bestIdx := -1
	for i, p := range items {
		if p.availableAt.After(now) {
			continue
		}
		if bestIdx == -1 || p.job.EnqueuedAt.Before(items[bestIdx].job.EnqueuedAt) {
			bestIdx = i
		}
	}
	if bestIdx == -1 {
		return queue.Lease{}, queue.ErrEmpty
	}

	job := items[bestIdx].job
	q.pending[stage] = append(items[:bestIdx], items[bestIdx+1:]...)

	leaseID := uuid.NewString()
	deadline := now.Add(visibility)
	q.leased[leaseID] = leased{job: job, stage: stage, deadline: deadline}

	return queue.Lease{Job: job, LeaseID: leaseID, Deadline: deadline}, nil
}

func (q *Queue) Ack(ctx context.Context, lease queue.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, lease.LeaseID)
	return nil
}

func (q *Queue) Release(ctx context.Context, lease queue.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leased[lease.LeaseID]
	if !ok {
		return apierrors.NotFound("queue_lease", lease.LeaseID)
	}
	delete(q.leased, lease.LeaseID)
	l.job.AttemptsMade++
	q.pending[l.stage] = append(q.pending[l.stage], pending{job: l.job, availableAt: time.Time{}})
	return nil
}

func (q *Queue) Depth(ctx context.Context, stage intent.StageName) (waiting, active int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiting = len(q.pending[stage])
	for _, l := range q.leased {
		if l.stage == stage {
			active++
		}
	}
	return waiting, active, nil
}
