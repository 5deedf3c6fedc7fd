// Package eventlog implements the event log writer (C5, spec §4.5):
// hash-chained, append-only events per intent, with a streaming batch
// verifier that never materializes a full event history in memory.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/intent"
)

// Store is the narrow persistence surface the event log needs. AppendUnderLock
// must serialize concurrent appends for the same intent (spec §4.5: "within
// a per-intent serialized section (database row lock on the latest
// event)") — implementations acquire that lock internally (e.g. `SELECT ...
// FOR UPDATE` on the latest row) for the duration of the callback.
type Store interface {
	// LatestEvent returns the most recently appended event for intentID, or
	// ok=false if none exists yet.
	LatestEvent(ctx context.Context, intentID string) (ev intent.Event, ok bool, err error)

	// AppendUnderLock runs fn while holding whatever row lock guarantees no
	// other append for intentID can interleave, then persists the event fn
	// builds and returns.
	AppendUnderLock(ctx context.Context, intentID string, fn func(latest intent.Event, latestOK bool) (intent.Event, error)) (intent.Event, error)

	// StreamEvents yields events for intentID in ascending time order, in
	// batches of at most batchSize, via the callback. The callback returns
	// false to stop iteration early. Implementations must not load the
	// full event set into memory at once (spec §4.5).
	StreamEvents(ctx context.Context, intentID string, batchSize int, yield func(batch []intent.Event) (cont bool, err error)) error
}

// Writer is the C5 component.
type Writer struct {
	store Store
}

// New builds a Writer over store.
func New(store Store) *Writer {
	return &Writer{store: store}
}

// canonicalize produces a deterministic byte representation of the event's
// hashed fields. Go's encoding/json sorts map keys, which combined with a
// fixed field order here gives the same canonical form every time for
// identical inputs (spec §4.5: "H(canonical({intent, type, payload, now})
// ∥ previous_hash)").
func canonicalize(intentID, eventType string, payload map[string]interface{}, occurredAt time.Time) ([]byte, error) {
	canonical := struct {
		Intent    string                 `json:"intent"`
		Type      string                 `json:"type"`
		Payload   map[string]interface{} `json:"payload"`
		OccurredAt int64                 `json:"occurred_at"`
	}{
		Intent:     intentID,
		Type:       eventType,
		Payload:    payload,
		OccurredAt: occurredAt.UnixNano(),
	}
	return json.Marshal(canonical)
}

func computeHash(canonical []byte, previousHash string) string {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Append implements spec §4.5's append: read the latest event's hash under
// a per-intent serialized section, compute the new hash, and insert.
func (w *Writer) Append(ctx context.Context, intentID, eventType string, payload map[string]interface{}) (intent.Event, error) {
	now := time.Now().UTC()

	return w.store.AppendUnderLock(ctx, intentID, func(latest intent.Event, latestOK bool) (intent.Event, error) {
		previousHash := intent.GenesisHash
		if latestOK {
			previousHash = latest.Hash
		}

		canonical, err := canonicalize(intentID, eventType, payload, now)
		if err != nil {
			return intent.Event{}, apierrors.Wrap(apierrors.CodeInternal, "canonicalize event", err)
		}

		return intent.Event{
			IntentID:     intentID,
			Type:         eventType,
			Payload:      payload,
			OccurredAt:   now,
			Hash:         computeHash(canonical, previousHash),
			PreviousHash: previousHash,
		}, nil
	})
}

// VerifyResult mirrors spec §4.5's verify response shape.
type VerifyResult struct {
	Valid          bool
	InvalidAt      string // event id where the chain broke, if !Valid
	Error          string
	EventsVerified int
	Truncated      bool
}

// Verify streams intentID's events in batches of batchSize, recomputing the
// hash chain, and stops at the first mismatch or after maxEvents (spec
// §4.5). maxEvents <= 0 means unbounded.
func (w *Writer) Verify(ctx context.Context, intentID string, batchSize, maxEvents int) (VerifyResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	result := VerifyResult{Valid: true}
	previousHash := intent.GenesisHash
	first := true

	err := w.store.StreamEvents(ctx, intentID, batchSize, func(batch []intent.Event) (bool, error) {
		for _, ev := range batch {
			if maxEvents > 0 && result.EventsVerified >= maxEvents {
				result.Truncated = true
				return false, nil
			}

			expectedPrevious := intent.GenesisHash
			if !first {
				expectedPrevious = previousHash
			}
			if ev.PreviousHash != expectedPrevious {
				result.Valid = false
				result.InvalidAt = ev.ID
				result.Error = fmt.Sprintf("event %s: previous_hash mismatch", ev.ID)
				return false, nil
			}

			canonical, err := canonicalize(ev.IntentID, ev.Type, ev.Payload, ev.OccurredAt)
			if err != nil {
				return false, apierrors.Wrap(apierrors.CodeInternal, "canonicalize event during verify", err)
			}
			expectedHash := computeHash(canonical, expectedPrevious)
			if expectedHash != ev.Hash {
				result.Valid = false
				result.InvalidAt = ev.ID
				result.Error = fmt.Sprintf("event %s: hash mismatch", ev.ID)
				return false, nil
			}

			previousHash = ev.Hash
			first = false
			result.EventsVerified++
		}
		return true, nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}
