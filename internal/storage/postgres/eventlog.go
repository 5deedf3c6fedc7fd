package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/intent"
)

func newUUID() string { return uuid.NewString() }

type eventRow struct {
	ID           string    `db:"id"`
	IntentID     string    `db:"intent"`
	Type         string    `db:"type"`
	Payload      []byte    `db:"payload"`
	OccurredAt   time.Time `db:"occurred_at"`
	Hash         string    `db:"hash"`
	PreviousHash string    `db:"previous_hash"`
}

func (r eventRow) toDomain() intent.Event {
	return intent.Event{
		ID:           r.ID,
		IntentID:     r.IntentID,
		Type:         r.Type,
		Payload:      mapOf(r.Payload),
		OccurredAt:   r.OccurredAt,
		Hash:         r.Hash,
		PreviousHash: r.PreviousHash,
	}
}

type evaluationRow struct {
	ID         string    `db:"id"`
	IntentID   string    `db:"intent"`
	Kind       string    `db:"kind"`
	Data       []byte    `db:"data"`
	RecordedAt time.Time `db:"recorded_at"`
}

func (r evaluationRow) toDomain() intent.Evaluation {
	return intent.Evaluation{
		ID:         r.ID,
		IntentID:   r.IntentID,
		Kind:       intent.EvaluationKind(r.Kind),
		Data:       mapOf(r.Data),
		RecordedAt: r.RecordedAt,
	}
}

// insertEventTx inserts event for intentID inside tx, assigning event.ID if
// empty and stamping OccurredAt if zero.
func insertEventTx(ctx context.Context, tx *sqlx.Tx, intentID string, event *intent.Event) error {
	payloadJSON, err := jsonOf(event.Payload)
	if err != nil {
		return apierrors.Internal("marshal event payload", err)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = newUUID()
	}
	event.IntentID = intentID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO intent_events (id, intent, type, payload, occurred_at, hash, previous_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, intentID, event.Type, payloadJSON, event.OccurredAt, event.Hash, event.PreviousHash)
	if err != nil {
		return apierrors.Internal("insert event", err)
	}
	return nil
}

func insertEvaluationTx(ctx context.Context, tx *sqlx.Tx, intentID string, eval *intent.Evaluation) error {
	dataJSON, err := jsonOf(eval.Data)
	if err != nil {
		return apierrors.Internal("marshal evaluation data", err)
	}
	if eval.RecordedAt.IsZero() {
		eval.RecordedAt = time.Now().UTC()
	}
	if eval.ID == "" {
		eval.ID = newUUID()
	}
	eval.IntentID = intentID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO intent_evaluations (id, intent, kind, data, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, eval.ID, intentID, string(eval.Kind), dataJSON, eval.RecordedAt)
	if err != nil {
		return apierrors.Internal("insert evaluation", err)
	}
	return nil
}

func (s *IntentStore) selectEvents(ctx context.Context, intentID string, out *[]intent.Event) error {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, intent, type, payload, occurred_at, hash, previous_hash
		FROM intent_events WHERE intent = $1 ORDER BY occurred_at
	`, intentID); err != nil {
		return apierrors.Internal("select events", err)
	}
	events := make([]intent.Event, len(rows))
	for i, r := range rows {
		events[i] = r.toDomain()
	}
	*out = events
	return nil
}

// --- eventlog.Store ---

// LatestEvent returns the most recently appended event for intentID.
func (s *IntentStore) LatestEvent(ctx context.Context, intentID string) (intent.Event, bool, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, intent, type, payload, occurred_at, hash, previous_hash
		FROM intent_events WHERE intent = $1 ORDER BY occurred_at DESC LIMIT 1
	`, intentID)
	if err == sql.ErrNoRows {
		return intent.Event{}, false, nil
	}
	if err != nil {
		return intent.Event{}, false, apierrors.Internal("get latest event", err)
	}
	return row.toDomain(), true, nil
}

// AppendUnderLock serializes concurrent appends for the same intent by
// taking a row lock on the intents row (present for every intent, even
// before its first event) for the duration of fn (spec §4.5).
func (s *IntentStore) AppendUnderLock(ctx context.Context, intentID string, fn func(latest intent.Event, latestOK bool) (intent.Event, error)) (intent.Event, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return intent.Event{}, apierrors.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	var dummy string
	if err := tx.GetContext(ctx, &dummy, `SELECT id FROM intents WHERE id = $1 FOR UPDATE`, intentID); err != nil {
		return intent.Event{}, apierrors.Internal("lock intent row for append", err)
	}

	var latestRow eventRow
	latestErr := tx.GetContext(ctx, &latestRow, `
		SELECT id, intent, type, payload, occurred_at, hash, previous_hash
		FROM intent_events WHERE intent = $1 ORDER BY occurred_at DESC LIMIT 1
	`, intentID)
	latestOK := latestErr == nil
	var latest intent.Event
	if latestOK {
		latest = latestRow.toDomain()
	} else if latestErr != sql.ErrNoRows {
		return intent.Event{}, apierrors.Internal("get latest event under lock", latestErr)
	}

	ev, err := fn(latest, latestOK)
	if err != nil {
		return intent.Event{}, err
	}
	if ev.ID == "" {
		ev.ID = newUUID()
	}
	if err := insertEventTx(ctx, tx, intentID, &ev); err != nil {
		return intent.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return intent.Event{}, apierrors.Internal("commit transaction", err)
	}
	return ev, nil
}

// StreamEvents yields intentID's events in ascending time order in batches
// of batchSize, using keyset pagination on occurred_at so it never loads
// the full history into memory (spec §4.5, §9).
func (s *IntentStore) StreamEvents(ctx context.Context, intentID string, batchSize int, yield func([]intent.Event) (bool, error)) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	var cursor time.Time
	for {
		var rows []eventRow
		err := s.db.SelectContext(ctx, &rows, `
			SELECT id, intent, type, payload, occurred_at, hash, previous_hash
			FROM intent_events
			WHERE intent = $1 AND occurred_at > $2
			ORDER BY occurred_at
			LIMIT $3
		`, intentID, cursor, batchSize)
		if err != nil {
			return apierrors.Internal("stream events batch", err)
		}
		if len(rows) == 0 {
			return nil
		}

		batch := make([]intent.Event, len(rows))
		for i, r := range rows {
			batch[i] = r.toDomain()
		}
		cont, err := yield(batch)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		cursor = rows[len(rows)-1].OccurredAt
		if len(rows) < batchSize {
			return nil
		}
	}
}
