package pgqueue

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/queue"
)

func newMockQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

func TestEnqueueInsertsRow(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectExec("INSERT INTO stage_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Enqueue(context.Background(), intent.StageJob{Stage: intent.StageIntake, IntentID: "i1", Tenant: "acme"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDequeueReturnsErrEmptyOnNoRows(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM stage_jobs").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectRollback()

	_, err := q.Dequeue(context.Background(), intent.StageIntake, time.Second)
	if err != queue.ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestDequeueLeasesAndCommits(t *testing.T) {
	q, mock := newMockQueue(t)
	now := time.Now().UTC()
	cols := []string{"id", "stage", "intent_id", "tenant", "namespace", "payload", "attempts_made", "trace_id", "enqueued_at"}
	rows := sqlmock.NewRows(cols).AddRow("job-1", "intake", "i1", "acme", "", []byte("{}"), 0, "trace-1", now)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM stage_jobs").WillReturnRows(rows)
	mock.ExpectExec("UPDATE stage_jobs SET leased_until").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	lease, err := q.Dequeue(context.Background(), intent.StageIntake, 30*time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if lease.Job.IntentID != "i1" || lease.LeaseID == "" {
		t.Fatalf("unexpected lease: %+v", lease)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAckDeletesLeasedRow(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectExec("DELETE FROM stage_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.Ack(context.Background(), queue.Lease{Job: intent.StageJob{ID: "job-1"}, LeaseID: "lease-1"})
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestReleaseReturnsNotFoundWhenLeaseMismatch(t *testing.T) {
	q, mock := newMockQueue(t)
	mock.ExpectExec("UPDATE stage_jobs SET leased_until = NULL").WillReturnResult(sqlmock.NewResult(0, 0))

	err := q.Release(context.Background(), queue.Lease{Job: intent.StageJob{ID: "job-1"}, LeaseID: "stale-lease"})
	if err == nil {
		t.Fatal("expected not found error")
	}
}
