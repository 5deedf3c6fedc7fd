// Package pgqueue is the Postgres-backed implementation of internal/queue:
// a single stage_jobs table leased via SELECT ... FOR UPDATE SKIP LOCKED,
// following the same plain-SQL-over-sqlx idiom as internal/storage/postgres
// (named placeholders conceptually, explicit row locking for the per-id
// mutual exclusion spec §5 requires of "the queue's per-id lock").
package pgqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/queue"
)

// Queue implements queue.Queue over a *sqlx.DB.
type Queue struct {
	db *sqlx.DB
}

var _ queue.Queue = (*Queue)(nil)

// New wraps an already-connected *sqlx.DB.
func New(db *sqlx.DB) *Queue {
	return &Queue{db: db}
}

type jobRow struct {
	ID           string    `db:"id"`
	Stage        string    `db:"stage"`
	IntentID     string    `db:"intent_id"`
	Tenant       string    `db:"tenant"`
	Namespace    string    `db:"namespace"`
	Payload      []byte    `db:"payload"`
	AttemptsMade int       `db:"attempts_made"`
	TraceID      string    `db:"trace_id"`
	EnqueuedAt   time.Time `db:"enqueued_at"`
}

func (r jobRow) toDomain() intent.StageJob {
	var payload map[string]interface{}
	if len(r.Payload) > 0 {
		_ = json.Unmarshal(r.Payload, &payload)
	}
	return intent.StageJob{
		ID:           r.ID,
		Stage:        intent.StageName(r.Stage),
		IntentID:     r.IntentID,
		Tenant:       r.Tenant,
		Namespace:    r.Namespace,
		Payload:      payload,
		AttemptsMade: r.AttemptsMade,
		TraceID:      r.TraceID,
		EnqueuedAt:   r.EnqueuedAt,
	}
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
	if availableAt.IsZero() {
		availableAt = job.EnqueuedAt
	}

	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return apierrors.EnqueueFailed(string(job.Stage), err)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO stage_jobs (id, stage, intent_id, tenant, namespace, payload, attempts_made,
			trace_id, enqueued_at, available_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, job.ID, string(job.Stage), job.IntentID, job.Tenant, job.Namespace, payloadJSON,
		job.AttemptsMade, job.TraceID, job.EnqueuedAt, availableAt)
	if err != nil {
		return apierrors.EnqueueFailed(string(job.Stage), err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, stage intent.StageName, visibility time.Duration) (queue.Lease, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return queue.Lease{}, apierrors.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	var row jobRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, stage, intent_id, tenant, namespace, payload, attempts_made, trace_id, enqueued_at
		FROM stage_jobs
		WHERE stage = $1 AND available_at <= now() AND (leased_until IS NULL OR leased_until < now())
		ORDER BY enqueued_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, string(stage))
	if err == sql.ErrNoRows {
		return queue.Lease{}, queue.ErrEmpty
	}
	if err != nil {
		return queue.Lease{}, apierrors.Internal("dequeue stage job", err)
	}

	leaseID := uuid.NewString()
	deadline := time.Now().UTC().Add(visibility)
	if _, err := tx.ExecContext(ctx, `
		UPDATE stage_jobs SET leased_until = $1, lease_id = $2 WHERE id = $3
	`, deadline, leaseID, row.ID); err != nil {
		return queue.Lease{}, apierrors.Internal("lease stage job", err)
	}

	if err := tx.Commit(); err != nil {
		return queue.Lease{}, apierrors.Internal("commit transaction", err)
	}

	return queue.Lease{Job: row.toDomain(), LeaseID: leaseID, Deadline: deadline}, nil
}

func (q *Queue) Ack(ctx context.Context, lease queue.Lease) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM stage_jobs WHERE id = $1 AND lease_id = $2`, lease.Job.ID, lease.LeaseID)
	if err != nil {
		return apierrors.Internal("ack stage job", err)
	}
	return nil
}

func (q *Queue) Release(ctx context.Context, lease queue.Lease) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE stage_jobs SET leased_until = NULL, lease_id = NULL, attempts_made = attempts_made + 1,
			available_at = now()
		WHERE id = $1 AND lease_id = $2
	`, lease.Job.ID, lease.LeaseID)
	if err != nil {
		return apierrors.Internal("release stage job", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apierrors.NotFound("queue_lease", lease.LeaseID)
	}
	return nil
}

func (q *Queue) Depth(ctx context.Context, stage intent.StageName) (waiting, active int, err error) {
	err = q.db.GetContext(ctx, &waiting, `
		SELECT count(*) FROM stage_jobs
		WHERE stage = $1 AND (leased_until IS NULL OR leased_until < now())
	`, string(stage))
	if err != nil {
		return 0, 0, apierrors.Internal("count waiting stage jobs", err)
	}
	err = q.db.GetContext(ctx, &active, `
		SELECT count(*) FROM stage_jobs WHERE stage = $1 AND leased_until IS NOT NULL AND leased_until >= now()
	`, string(stage))
	if err != nil {
		return 0, 0, apierrors.Internal("count active stage jobs", err)
	}
	return waiting, active, nil
}
