// Package postgres is the PostgreSQL-backed implementation of the storage
// interfaces, grounded on the teacher's store_postgres.go files: plain SQL
// with named placeholders, sql.NullTime for optional timestamps, and one
// receiver type per store. Unlike the teacher (database/sql + lib/pq
// directly) this uses sqlx's Get/Select for struct-shaped reads, the
// pattern the pack's integration-test harnesses (jordigilh-kubernaut) use
// sqlx for.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/storage"
)

// IntentStore implements storage.IntentStore and storage.EventStore over a
// *sqlx.DB.
//
// It is a separate type from DeadLetterStore and WebhookStore (see Store
// below) rather than one combined receiver, because storage.IntentStore
// and storage.DeadLetterStore both declare Get and List methods with
// different signatures — one Go type cannot implement both at once.
type IntentStore struct {
	db *sqlx.DB
}

var (
	_ storage.IntentStore = (*IntentStore)(nil)
	_ storage.EventStore  = (*IntentStore)(nil)
)

// NewIntentStore wraps an already-connected *sqlx.DB.
func NewIntentStore(db *sqlx.DB) *IntentStore {
	return &IntentStore{db: db}
}

// Store bundles all three postgres-backed stores behind one value for
// callers wiring the engine, via struct embedding rather than a combined
// receiver (see IntentStore's doc comment for why the receivers stay
// split).
type Store struct {
	*IntentStore
	*DeadLetterStore
	*WebhookStore
}

// New wraps a single *sqlx.DB connection for all three stores.
func New(db *sqlx.DB) *Store {
	return &Store{
		IntentStore:     NewIntentStore(db),
		DeadLetterStore: NewDeadLetterStore(db),
		WebhookStore:    NewWebhookStore(db),
	}
}

func jsonOf(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func mapOf(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	_ = json.Unmarshal(raw, &m)
	return m
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

type intentRow struct {
	ID                 string         `db:"id"`
	Tenant             string         `db:"tenant"`
	Entity             string         `db:"entity"`
	Goal               string         `db:"goal"`
	Type               string         `db:"type"`
	Priority           int            `db:"priority"`
	Context            []byte         `db:"context"`
	Metadata           []byte         `db:"metadata"`
	Status             string         `db:"status"`
	TrustSnapshotScore int            `db:"trust_snapshot_score"`
	TrustSnapshotLevel int            `db:"trust_snapshot_level"`
	TrustCurrentScore  int            `db:"trust_current_score"`
	TrustCurrentLevel  int            `db:"trust_current_level"`
	DedupeHash         string         `db:"dedupe_hash"`
	Created            time.Time      `db:"created"`
	Updated            time.Time      `db:"updated"`
	SoftDeletedAt      sql.NullTime   `db:"soft_deleted_at"`
	CancelledAt        sql.NullTime   `db:"cancelled_at"`
	CancelReason       string         `db:"cancel_reason"`
}

func (r intentRow) toDomain() intent.Intent {
	return intent.Intent{
		ID:                 r.ID,
		Tenant:             r.Tenant,
		Entity:             r.Entity,
		Goal:               r.Goal,
		Type:               r.Type,
		Priority:           r.Priority,
		Context:            mapOf(r.Context),
		Metadata:           mapOf(r.Metadata),
		Status:             intent.Status(r.Status),
		TrustSnapshotScore: r.TrustSnapshotScore,
		TrustSnapshotLevel: r.TrustSnapshotLevel,
		TrustCurrentScore:  r.TrustCurrentScore,
		TrustCurrentLevel:  r.TrustCurrentLevel,
		DedupeFingerprint:  r.DedupeHash,
		CreatedAt:          r.Created,
		UpdatedAt:          r.Updated,
		SoftDeletedAt:      timePtr(r.SoftDeletedAt),
		CancelledAt:        timePtr(r.CancelledAt),
		CancelReason:       r.CancelReason,
	}
}

const intentColumns = `id, tenant, entity, goal, type, priority, context, metadata, status,
	trust_snapshot_score, trust_snapshot_level, trust_current_score, trust_current_level,
	dedupe_hash, created, updated, soft_deleted_at, cancelled_at, cancel_reason`

func (s *IntentStore) InsertWithInitialEvent(ctx context.Context, in intent.Intent, firstEvent intent.Event) (intent.Intent, intent.Event, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return intent.Intent{}, intent.Event{}, apierrors.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	if in.ID == "" {
		in.ID = newUUID()
	}
	now := time.Now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now

	ctxJSON, err := jsonOf(in.Context)
	if err != nil {
		return intent.Intent{}, intent.Event{}, apierrors.Internal("marshal context", err)
	}
	metaJSON, err := jsonOf(in.Metadata)
	if err != nil {
		return intent.Intent{}, intent.Event{}, apierrors.Internal("marshal metadata", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO intents (id, tenant, entity, goal, type, priority, context, metadata, status,
			trust_snapshot_score, trust_snapshot_level, trust_current_score, trust_current_level,
			dedupe_hash, created, updated, cancel_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,'')
	`, in.ID, in.Tenant, in.Entity, in.Goal, in.Type, in.Priority, ctxJSON, metaJSON, string(in.Status),
		in.TrustSnapshotScore, in.TrustSnapshotLevel, in.TrustCurrentScore, in.TrustCurrentLevel,
		in.DedupeFingerprint, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return intent.Intent{}, intent.Event{}, apierrors.Conflict("tenant+fingerprint already exists")
		}
		return intent.Intent{}, intent.Event{}, apierrors.Internal("insert intent", err)
	}

	payloadJSON, err := jsonOf(firstEvent.Payload)
	if err != nil {
		return intent.Intent{}, intent.Event{}, apierrors.Internal("marshal event payload", err)
	}
	if firstEvent.PreviousHash == "" {
		firstEvent.PreviousHash = intent.GenesisHash
	}
	if firstEvent.ID == "" {
		firstEvent.ID = newUUID()
	}
	firstEvent.IntentID = in.ID
	firstEvent.OccurredAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO intent_events (id, intent, type, payload, occurred_at, hash, previous_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, firstEvent.ID, firstEvent.IntentID, firstEvent.Type, payloadJSON, firstEvent.OccurredAt, firstEvent.Hash, firstEvent.PreviousHash)
	if err != nil {
		return intent.Intent{}, intent.Event{}, apierrors.Internal("insert initial event", err)
	}

	if err := tx.Commit(); err != nil {
		return intent.Intent{}, intent.Event{}, apierrors.Internal("commit transaction", err)
	}
	return in, firstEvent, nil
}

func (s *IntentStore) Get(ctx context.Context, id, tenant string) (intent.Intent, bool, error) {
	var row intentRow
	err := s.db.GetContext(ctx, &row, `SELECT `+intentColumns+` FROM intents WHERE id = $1 AND tenant = $2`, id, tenant)
	if err == sql.ErrNoRows {
		return intent.Intent{}, false, nil
	}
	if err != nil {
		return intent.Intent{}, false, apierrors.Internal("get intent", err)
	}
	return row.toDomain(), true, nil
}

func (s *IntentStore) List(ctx context.Context, filter storage.ListFilter) (storage.Page, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE tenant = :tenant`
	args := map[string]interface{}{"tenant": filter.Tenant}

	if filter.Entity != "" {
		query += ` AND entity = :entity`
		args["entity"] = filter.Entity
	}
	if filter.HasStatus {
		query += ` AND status = :status`
		args["status"] = string(filter.Status)
	}
	if !filter.IncludeDeleted {
		query += ` AND soft_deleted_at IS NULL`
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query += ` ORDER BY created DESC LIMIT :limit OFFSET :offset`
	args["limit"] = limit + 1
	args["offset"] = filter.Offset

	named, bindArgs, err := sqlx.Named(query, args)
	if err != nil {
		return storage.Page{}, apierrors.Internal("bind list query", err)
	}
	named = s.db.Rebind(named)

	var rows []intentRow
	if err := s.db.SelectContext(ctx, &rows, named, bindArgs...); err != nil {
		return storage.Page{}, apierrors.Internal("list intents", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	items := make([]intent.Intent, len(rows))
	for i, r := range rows {
		items[i] = r.toDomain()
	}
	return storage.Page{Items: items, Limit: limit, Offset: filter.Offset, HasMore: hasMore}, nil
}

func (s *IntentStore) FindByFingerprint(ctx context.Context, tenant, fingerprint string) (string, bool, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT id FROM intents WHERE tenant = $1 AND dedupe_hash = $2 AND soft_deleted_at IS NULL
	`, tenant, fingerprint)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apierrors.Internal("find by fingerprint", err)
	}
	return id, true, nil
}

func (s *IntentStore) CountActive(ctx context.Context, tenant string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*) FROM intents
		WHERE tenant = $1 AND status NOT IN ('approved','denied','completed','failed','cancelled')
	`, tenant)
	if err != nil {
		return 0, apierrors.Internal("count active intents", err)
	}
	return count, nil
}

func (s *IntentStore) TransitionStatus(ctx context.Context, id, tenant string, to intent.Status, event intent.Event, eval *intent.Evaluation) (intent.Intent, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return intent.Intent{}, apierrors.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	var row intentRow
	err = tx.GetContext(ctx, &row, `SELECT `+intentColumns+` FROM intents WHERE id = $1 AND tenant = $2 FOR UPDATE`, id, tenant)
	if err == sql.ErrNoRows {
		return intent.Intent{}, apierrors.NotFound("intent", id)
	}
	if err != nil {
		return intent.Intent{}, apierrors.Internal("lock intent row", err)
	}

	current := row.toDomain()
	if !intent.CanTransition(current.Status, to) {
		return intent.Intent{}, apierrors.InvalidTransition(string(current.Status), string(to))
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `UPDATE intents SET status = $1, updated = $2 WHERE id = $3`, string(to), now, id)
	if err != nil {
		return intent.Intent{}, apierrors.Internal("update intent status", err)
	}

	if err := insertEventTx(ctx, tx, id, &event); err != nil {
		return intent.Intent{}, err
	}

	if eval != nil {
		if err := insertEvaluationTx(ctx, tx, id, eval); err != nil {
			return intent.Intent{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return intent.Intent{}, apierrors.Internal("commit transaction", err)
	}

	current.Status = to
	current.UpdatedAt = now
	return current, nil
}

func (s *IntentStore) Cancel(ctx context.Context, id, tenant, reason, cancelledBy string) (intent.Intent, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return intent.Intent{}, apierrors.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	var row intentRow
	err = tx.GetContext(ctx, &row, `SELECT `+intentColumns+` FROM intents WHERE id = $1 AND tenant = $2 FOR UPDATE`, id, tenant)
	if err == sql.ErrNoRows {
		return intent.Intent{}, apierrors.NotFound("intent", id)
	}
	if err != nil {
		return intent.Intent{}, apierrors.Internal("lock intent row", err)
	}

	current := row.toDomain()
	switch current.Status {
	case intent.StatusPending, intent.StatusEvaluating, intent.StatusEscalated:
	default:
		return intent.Intent{}, apierrors.InvalidTransition(string(current.Status), string(intent.StatusCancelled))
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE intents SET status = $1, updated = $2, cancelled_at = $2, cancel_reason = $3 WHERE id = $4
	`, string(intent.StatusCancelled), now, reason, id)
	if err != nil {
		return intent.Intent{}, apierrors.Internal("cancel intent", err)
	}

	cancelEvent := intent.Event{
		Type:       "intent.cancelled",
		Payload:    map[string]interface{}{"reason": reason, "cancelled_by": cancelledBy},
		OccurredAt: now,
	}
	if err := insertEventTx(ctx, tx, id, &cancelEvent); err != nil {
		return intent.Intent{}, err
	}

	eval := intent.Evaluation{Kind: intent.EvaluationCancelled, Data: map[string]interface{}{"reason": reason}, RecordedAt: now}
	if err := insertEvaluationTx(ctx, tx, id, &eval); err != nil {
		return intent.Intent{}, err
	}

	if err := tx.Commit(); err != nil {
		return intent.Intent{}, apierrors.Internal("commit transaction", err)
	}

	current.Status = intent.StatusCancelled
	current.CancelledAt = &now
	current.CancelReason = reason
	current.UpdatedAt = now
	return current, nil
}

func (s *IntentStore) SoftDelete(ctx context.Context, id, tenant string) (intent.Intent, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET soft_deleted_at = $1, context = '{}', metadata = '{}', updated = $1
		WHERE id = $2 AND tenant = $3
	`, now, id, tenant)
	if err != nil {
		return intent.Intent{}, apierrors.Internal("soft delete intent", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return intent.Intent{}, apierrors.NotFound("intent", id)
	}

	in, _, err := s.Get(ctx, id, tenant)
	return in, err
}

func (s *IntentStore) GetWithEvents(ctx context.Context, id, tenant string) (intent.Intent, []intent.Event, []intent.Evaluation, error) {
	in, found, err := s.Get(ctx, id, tenant)
	if err != nil {
		return intent.Intent{}, nil, nil, err
	}
	if !found {
		return intent.Intent{}, nil, nil, apierrors.NotFound("intent", id)
	}

	var events []intent.Event
	if err := s.selectEvents(ctx, id, &events); err != nil {
		return intent.Intent{}, nil, nil, err
	}

	var evalRows []evaluationRow
	if err := s.db.SelectContext(ctx, &evalRows, `
		SELECT id, intent, kind, data, recorded_at FROM intent_evaluations WHERE intent = $1 ORDER BY recorded_at
	`, id); err != nil {
		return intent.Intent{}, nil, nil, apierrors.Internal("select evaluations", err)
	}
	evals := make([]intent.Evaluation, len(evalRows))
	for i, r := range evalRows {
		evals[i] = r.toDomain()
	}

	return in, events, evals, nil
}

func (s *IntentStore) RecordEvaluation(ctx context.Context, eval intent.Evaluation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apierrors.Internal("begin transaction", err)
	}
	defer tx.Rollback()
	if err := insertEvaluationTx(ctx, tx, eval.IntentID, &eval); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apierrors.Internal("commit transaction", err)
	}
	return nil
}

func (s *IntentStore) UpdateTrustSnapshot(ctx context.Context, id, tenant string, score, level int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET trust_snapshot_score = $1, trust_snapshot_level = $2, updated = $3
		WHERE id = $4 AND tenant = $5
	`, score, level, time.Now().UTC(), id, tenant)
	if err != nil {
		return apierrors.Internal("update trust snapshot", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apierrors.NotFound("intent", id)
	}
	return nil
}

func (s *IntentStore) UpdateTrustCurrent(ctx context.Context, id, tenant string, score, level int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET trust_current_score = $1, trust_current_level = $2, updated = $3
		WHERE id = $4 AND tenant = $5
	`, score, level, time.Now().UTC(), id, tenant)
	if err != nil {
		return apierrors.Internal("update trust current", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apierrors.NotFound("intent", id)
	}
	return nil
}

// pqUniqueViolation is Postgres error code 23505 (unique_violation).
const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	return false
}
