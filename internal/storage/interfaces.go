// Package storage defines the engine's durable persistence surface: the
// relational store for intents, events, evaluations, dead-letter records,
// and webhook subscriptions/deliveries (spec §3, §6). Concrete backends
// live in the postgres and memstore subpackages.
package storage

import (
	"context"
	"time"

	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/domain/webhook"
	"github.com/vorion/intentengine/internal/eventlog"
)

// ListFilter is the filter/paging shape for IntentStore.List (spec §6
// list(filters{tenant, entity?, status?, limit≤1000, offset|cursor,
// include_deleted?})).
type ListFilter struct {
	Tenant         string
	Entity         string
	Status         intent.Status
	HasStatus      bool
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// Page is a paginated result set.
type Page struct {
	Items      []intent.Intent
	Limit      int
	Offset     int
	HasMore    bool
}

// IntentStore persists intents and performs the transactional multi-row
// operations spec §5 requires (intent+initial event; transition+event+
// evaluation; cancellation; soft-delete).
type IntentStore interface {
	// InsertWithInitialEvent persists intent and its first event in one
	// transaction (spec §4.6 step 7).
	InsertWithInitialEvent(ctx context.Context, in intent.Intent, firstEvent intent.Event) (intent.Intent, intent.Event, error)

	Get(ctx context.Context, id, tenant string) (intent.Intent, bool, error)
	List(ctx context.Context, filter ListFilter) (Page, error)

	// FindByFingerprint backs the dedupe service's Lookup interface.
	FindByFingerprint(ctx context.Context, tenant, fingerprint string) (intentID string, found bool, err error)

	// CountActive returns the number of non-terminal intents for tenant
	// (spec §4.6 step 6: count_active_intents).
	CountActive(ctx context.Context, tenant string) (int, error)

	// TransitionStatus atomically moves an intent to a new status, appends
	// an event, and (when eval is non-nil) records an evaluation, enforcing
	// intent.CanTransition server-side regardless of what the caller already
	// checked (spec §5: "all multi-row invariants... enclosed in
	// transactions").
	TransitionStatus(ctx context.Context, id, tenant string, to intent.Status, event intent.Event, eval *intent.Evaluation) (intent.Intent, error)

	// Cancel moves a pending/evaluating/escalated intent to cancelled,
	// recording the reason (spec §6 cancel()).
	Cancel(ctx context.Context, id, tenant, reason, cancelledBy string) (intent.Intent, error)

	// SoftDelete clears context/metadata but keeps the event chain (spec §6
	// delete()).
	SoftDelete(ctx context.Context, id, tenant string) (intent.Intent, error)

	// GetWithEvents returns the intent plus its full event and evaluation
	// history (spec §6 get_with_events()).
	GetWithEvents(ctx context.Context, id, tenant string) (intent.Intent, []intent.Event, []intent.Evaluation, error)

	// RecordEvaluation appends a standalone evaluation row not tied to a
	// status transition (e.g. trust-snapshot, basis).
	RecordEvaluation(ctx context.Context, eval intent.Evaluation) error

	// UpdateTrustSnapshot records the trust score/level fetched at intake
	// (spec §4.7.2). Intentionally separate from TransitionStatus since the
	// intake worker records the snapshot before any status change.
	UpdateTrustSnapshot(ctx context.Context, id, tenant string, score, level int) error

	// UpdateTrustCurrent records the live trust score/level re-fetched at
	// decision time (spec §4.7.4 step 1, used to compute drift in step 2).
	UpdateTrustCurrent(ctx context.Context, id, tenant string, score, level int) error
}

// EventStore satisfies eventlog.Store against the relational backend.
type EventStore = eventlog.Store

// DeadLetterFilter filters DLQ listing.
type DeadLetterFilter struct {
	OriginQueue intent.StageName
	HasQueue    bool
	Limit       int
	Offset      int
}

// DeadLetterStore persists and manages dead-letter records (spec §4.7.6,
// §6 DLQ admin).
type DeadLetterStore interface {
	Insert(ctx context.Context, rec intent.DeadLetterRecord) error
	List(ctx context.Context, filter DeadLetterFilter) ([]intent.DeadLetterRecord, error)
	Get(ctx context.Context, id string) (intent.DeadLetterRecord, bool, error)
	Delete(ctx context.Context, id string) error
	// PurgeOlderThan removes DLQ records created before the cutoff,
	// returning the count removed (spec §6 purge_old_dlq(days)).
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	CountByQueue(ctx context.Context) (map[intent.StageName]int, error)
}

// WebhookStore persists subscriptions and delivery records.
type WebhookStore interface {
	CreateSubscription(ctx context.Context, sub webhook.Subscription) (webhook.Subscription, error)
	GetSubscription(ctx context.Context, tenant, id string) (webhook.Subscription, bool, error)
	ListSubscriptions(ctx context.Context, tenant string) ([]webhook.Subscription, error)
	// ListEligible returns enabled subscriptions for tenant subscribing to
	// kind (spec §4.8 step 1).
	ListEligible(ctx context.Context, tenant string, kind webhook.EventKind) ([]webhook.Subscription, error)
	DeleteSubscription(ctx context.Context, tenant, id string) error
	UpdatePinnedIP(ctx context.Context, tenant, id, ip string) error

	CreateDelivery(ctx context.Context, d webhook.Delivery) (webhook.Delivery, error)
	UpdateDelivery(ctx context.Context, d webhook.Delivery) error
	GetDelivery(ctx context.Context, tenant, id string) (webhook.Delivery, bool, error)
	ListDeliveryHistory(ctx context.Context, tenant, subscriptionID string, limit, offset int) ([]webhook.Delivery, error)
	// ListPendingRetries returns deliveries whose next_retry_at has
	// elapsed, up to limit (spec §6 process_pending_retries(limit)).
	ListPendingRetries(ctx context.Context, limit int) ([]webhook.Delivery, error)
}
