package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/storage"
)

func newMockStore(t *testing.T) (*IntentStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sdb := sqlx.NewDb(db, "postgres")
	return NewIntentStore(sdb), mock
}

func TestInsertWithInitialEventCommitsOnSuccess(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO intents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO intent_events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := intent.Intent{Tenant: "acme", Entity: "user-1", Goal: "deploy", Status: intent.StatusPending}
	ev := intent.Event{Type: "intent.created"}

	gotIntent, gotEvent, err := s.InsertWithInitialEvent(context.Background(), in, ev)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if gotIntent.ID == "" {
		t.Fatal("expected generated intent id")
	}
	if gotEvent.PreviousHash != intent.GenesisHash {
		t.Fatalf("expected genesis hash, got %q", gotEvent.PreviousHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertWithInitialEventReturnsConflictOnUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO intents").WillReturnError(&pq.Error{Code: pqUniqueViolation})
	mock.ExpectRollback()

	in := intent.Intent{Tenant: "acme", Entity: "user-1", Goal: "deploy"}
	_, _, err := s.InsertWithInitialEvent(context.Background(), in, intent.Event{Type: "intent.created"})
	if apierrors.CodeOf(err) != apierrors.CodeConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetReturnsNotFoundAsFalseNoError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM intents").WillReturnRows(sqlmock.NewRows(nil))

	_, found, err := s.Get(context.Background(), "missing", "acme")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestListBuildsFilteredQueryAndReportsHasMore(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "tenant", "entity", "goal", "type", "priority", "context", "metadata",
		"status", "trust_snapshot_score", "trust_snapshot_level", "trust_current_score",
		"trust_current_level", "dedupe_hash", "created", "updated", "soft_deleted_at",
		"cancelled_at", "cancel_reason"}
	now := time.Now().UTC()
	rows := sqlmock.NewRows(cols)
	for i := 0; i < 3; i++ {
		rows.AddRow("id-"+string(rune('a'+i)), "acme", "user-1", "deploy", "action", 1,
			[]byte("{}"), []byte("{}"), "pending", 0, 0, 0, 0, "hash", now, now, nil, nil, "")
	}
	mock.ExpectQuery("SELECT .* FROM intents WHERE tenant").WillReturnRows(rows)

	page, err := s.List(context.Background(), storage.ListFilter{Tenant: "acme", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || !page.HasMore {
		t.Fatalf("expected 2 items with more pending, got %d items hasMore=%v", len(page.Items), page.HasMore)
	}
}

func TestTransitionStatusRejectsInvalidTransition(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "tenant", "entity", "goal", "type", "priority", "context", "metadata",
		"status", "trust_snapshot_score", "trust_snapshot_level", "trust_current_score",
		"trust_current_level", "dedupe_hash", "created", "updated", "soft_deleted_at",
		"cancelled_at", "cancel_reason"}
	now := time.Now().UTC()
	row := sqlmock.NewRows(cols).AddRow("id-1", "acme", "user-1", "deploy", "action", 1,
		[]byte("{}"), []byte("{}"), "completed", 0, 0, 0, 0, "hash", now, now, nil, nil, "")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM intents WHERE id = .* FOR UPDATE").WillReturnRows(row)
	mock.ExpectRollback()

	_, err := s.TransitionStatus(context.Background(), "id-1", "acme", intent.StatusPending, intent.Event{}, nil)
	if err == nil {
		t.Fatal("expected invalid transition error")
	}
}

func TestUpdateTrustSnapshotUpdatesScoreAndLevel(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE intents SET trust_snapshot_score").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateTrustSnapshot(context.Background(), "id-1", "acme", 80, 4); err != nil {
		t.Fatalf("update trust snapshot: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateTrustCurrentReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE intents SET trust_current_score").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateTrustCurrent(context.Background(), "missing", "acme", 55, 2)
	if apierrors.CodeOf(err) != apierrors.CodeNotFound {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
