package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/storage"
)

// DeadLetterStore implements storage.DeadLetterStore over a *sqlx.DB. It is
// a separate type from IntentStore (see Store) because storage.IntentStore
// and storage.DeadLetterStore declare Get/List with different signatures.
type DeadLetterStore struct {
	db *sqlx.DB
}

var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// NewDeadLetterStore wraps an already-connected *sqlx.DB.
func NewDeadLetterStore(db *sqlx.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

type deadLetterRow struct {
	ID            string       `db:"id"`
	OriginQueue   string       `db:"origin_queue"`
	OriginalJob   []byte       `db:"original_job"`
	ErrorMessage  string       `db:"error_message"`
	ErrorKind     string       `db:"error_kind"`
	ErrorStack    string       `db:"error_stack"`
	AttemptsMade  int          `db:"attempts_made"`
	IntentID      sql.NullString `db:"intent"`
	Tenant        string       `db:"tenant"`
	TraceID       string       `db:"trace_id"`
	Created       time.Time    `db:"created"`
	FirstFailedAt sql.NullTime `db:"first_failed_at"`
	MovedAt       time.Time    `db:"moved_at"`
}

func (r deadLetterRow) toDomain() intent.DeadLetterRecord {
	var job intent.StageJob
	_ = json.Unmarshal(r.OriginalJob, &job)

	rec := intent.DeadLetterRecord{
		ID:           r.ID,
		OriginQueue:  intent.StageName(r.OriginQueue),
		OriginalJob:  job,
		ErrorMessage: r.ErrorMessage,
		ErrorKind:    r.ErrorKind,
		ErrorStack:   r.ErrorStack,
		AttemptsMade: r.AttemptsMade,
		Tenant:       r.Tenant,
		TraceID:      r.TraceID,
		CreatedAt:    r.Created,
		MovedAt:      r.MovedAt,
	}
	if r.IntentID.Valid {
		rec.IntentID = r.IntentID.String
	}
	if r.FirstFailedAt.Valid {
		rec.FirstFailedAt = r.FirstFailedAt.Time
	}
	return rec
}

const deadLetterColumns = `id, origin_queue, original_job, error_message, error_kind, error_stack,
	attempts_made, intent, tenant, trace_id, created, first_failed_at, moved_at`

func (s *DeadLetterStore) Insert(ctx context.Context, rec intent.DeadLetterRecord) error {
	if rec.ID == "" {
		rec.ID = newUUID()
	}
	jobJSON, err := json.Marshal(rec.OriginalJob)
	if err != nil {
		return apierrors.Internal("marshal original job", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.MovedAt.IsZero() {
		rec.MovedAt = rec.CreatedAt
	}

	var intentID sql.NullString
	if rec.IntentID != "" {
		intentID = sql.NullString{String: rec.IntentID, Valid: true}
	}
	var firstFailed sql.NullTime
	if !rec.FirstFailedAt.IsZero() {
		firstFailed = sql.NullTime{Time: rec.FirstFailedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_records (id, origin_queue, original_job, error_message, error_kind, error_stack,
			attempts_made, intent, tenant, trace_id, created, first_failed_at, moved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.ID, string(rec.OriginQueue), jobJSON, rec.ErrorMessage, rec.ErrorKind, rec.ErrorStack,
		rec.AttemptsMade, intentID, rec.Tenant, rec.TraceID, rec.CreatedAt, firstFailed, rec.MovedAt)
	if err != nil {
		return apierrors.Internal("insert dead letter record", err)
	}
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter storage.DeadLetterFilter) ([]intent.DeadLetterRecord, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letter_records WHERE 1=1`
	var args []interface{}
	argN := 1
	if filter.HasQueue {
		query += ` AND origin_queue = $` + strconv.Itoa(argN)
		args = append(args, string(filter.OriginQueue))
		argN++
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query += ` ORDER BY created LIMIT $` + strconv.Itoa(argN) + ` OFFSET $` + strconv.Itoa(argN+1)
	args = append(args, limit, filter.Offset)

	var rows []deadLetterRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apierrors.Internal("list dead letters", err)
	}
	out := make([]intent.DeadLetterRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (intent.DeadLetterRecord, bool, error) {
	var row deadLetterRow
	err := s.db.GetContext(ctx, &row, `SELECT `+deadLetterColumns+` FROM dead_letter_records WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return intent.DeadLetterRecord{}, false, nil
	}
	if err != nil {
		return intent.DeadLetterRecord{}, false, apierrors.Internal("get dead letter record", err)
	}
	return row.toDomain(), true, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_records WHERE id = $1`, id)
	if err != nil {
		return apierrors.Internal("delete dead letter record", err)
	}
	return nil
}

func (s *DeadLetterStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_records WHERE created < $1`, cutoff)
	if err != nil {
		return 0, apierrors.Internal("purge dead letters", err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

func (s *DeadLetterStore) CountByQueue(ctx context.Context) (map[intent.StageName]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT origin_queue, count(*) FROM dead_letter_records GROUP BY origin_queue`)
	if err != nil {
		return nil, apierrors.Internal("count dead letters by queue", err)
	}
	defer rows.Close()

	out := map[intent.StageName]int{}
	for rows.Next() {
		var queue string
		var count int
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, apierrors.Internal("scan dead letter count", err)
		}
		out[intent.StageName(queue)] = count
	}
	return out, rows.Err()
}
