// Package memstore is an in-process fake of the storage interfaces for
// tests and single-instance development, matching the teacher's
// internal/app/storage/memory.go pattern: plain maps behind a mutex, with a
// generated id instead of a database sequence.
//
// The three storage concerns (intents+events, dead letters, webhooks) are
// split into separate types rather than one struct, because
// storage.IntentStore and storage.DeadLetterStore both declare Get and List
// methods with different signatures — one struct could not implement both.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/domain/webhook"
	"github.com/vorion/intentengine/internal/storage"
)

func key2(a, b string) string { return a + "|" + b }

var (
	_ storage.IntentStore     = (*IntentStore)(nil)
	_ storage.EventStore      = (*IntentStore)(nil)
	_ storage.DeadLetterStore = (*DeadLetterStore)(nil)
	_ storage.WebhookStore    = (*WebhookStore)(nil)
)

// IntentStore is an in-memory storage.IntentStore and eventlog.Store.
type IntentStore struct {
	mu sync.Mutex

	intents       map[string]*intent.Intent
	byFingerprint map[string]string // "tenant|fingerprint" -> intent id
	events        map[string][]intent.Event
	evaluations   map[string][]intent.Evaluation
}

// NewIntentStore builds an empty IntentStore.
func NewIntentStore() *IntentStore {
	return &IntentStore{
		intents:       map[string]*intent.Intent{},
		byFingerprint: map[string]string{},
		events:        map[string][]intent.Event{},
		evaluations:   map[string][]intent.Evaluation{},
	}
}

func (s *IntentStore) InsertWithInitialEvent(ctx context.Context, in intent.Intent, firstEvent intent.Event) (intent.Intent, intent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fpKey := key2(in.Tenant, in.DedupeFingerprint)
	if _, exists := s.byFingerprint[fpKey]; exists {
		return intent.Intent{}, intent.Event{}, apierrors.Conflict("tenant+fingerprint already exists")
	}

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now

	firstEvent.ID = uuid.NewString()
	firstEvent.IntentID = in.ID
	if firstEvent.PreviousHash == "" {
		firstEvent.PreviousHash = intent.GenesisHash
	}

	stored := in
	s.intents[in.ID] = &stored
	s.byFingerprint[fpKey] = in.ID
	s.events[in.ID] = []intent.Event{firstEvent}

	return stored, firstEvent, nil
}

func (s *IntentStore) Get(ctx context.Context, id, tenant string) (intent.Intent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok || in.Tenant != tenant {
		return intent.Intent{}, false, nil
	}
	return *in, true, nil
}

func (s *IntentStore) List(ctx context.Context, filter storage.ListFilter) (storage.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []intent.Intent
	for _, in := range s.intents {
		if in.Tenant != filter.Tenant {
			continue
		}
		if filter.Entity != "" && in.Entity != filter.Entity {
			continue
		}
		if filter.HasStatus && in.Status != filter.Status {
			continue
		}
		if !filter.IncludeDeleted && in.SoftDeletedAt != nil {
			continue
		}
		all = append(all, *in)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	hasMore := end < len(all)
	if end > len(all) {
		end = len(all)
	}

	return storage.Page{Items: all[offset:end], Limit: limit, Offset: offset, HasMore: hasMore}, nil
}

func (s *IntentStore) FindByFingerprint(ctx context.Context, tenant, fingerprint string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byFingerprint[key2(tenant, fingerprint)]
	return id, ok, nil
}

func (s *IntentStore) CountActive(ctx context.Context, tenant string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, in := range s.intents {
		if in.Tenant == tenant && !in.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (s *IntentStore) appendEventLocked(id string, event intent.Event) intent.Event {
	evs := s.events[id]
	previousHash := intent.GenesisHash
	if len(evs) > 0 {
		previousHash = evs[len(evs)-1].Hash
	}
	if event.PreviousHash == "" {
		event.PreviousHash = previousHash
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	s.events[id] = append(evs, event)
	return event
}

func (s *IntentStore) TransitionStatus(ctx context.Context, id, tenant string, to intent.Status, event intent.Event, eval *intent.Evaluation) (intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok || in.Tenant != tenant {
		return intent.Intent{}, apierrors.NotFound("intent", id)
	}
	if !intent.CanTransition(in.Status, to) {
		return intent.Intent{}, apierrors.InvalidTransition(string(in.Status), string(to))
	}

	in.Status = to
	in.UpdatedAt = time.Now().UTC()

	event.IntentID = id
	s.appendEventLocked(id, event)

	if eval != nil {
		eval.ID = uuid.NewString()
		eval.IntentID = id
		s.evaluations[id] = append(s.evaluations[id], *eval)
	}

	return *in, nil
}

func (s *IntentStore) Cancel(ctx context.Context, id, tenant, reason, cancelledBy string) (intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok || in.Tenant != tenant {
		return intent.Intent{}, apierrors.NotFound("intent", id)
	}
	switch in.Status {
	case intent.StatusPending, intent.StatusEvaluating, intent.StatusEscalated:
	default:
		return intent.Intent{}, apierrors.InvalidTransition(string(in.Status), string(intent.StatusCancelled))
	}

	now := time.Now().UTC()
	in.Status = intent.StatusCancelled
	in.CancelledAt = &now
	in.CancelReason = reason
	in.UpdatedAt = now

	s.appendEventLocked(id, intent.Event{
		IntentID:   id,
		Type:       "intent.cancelled",
		Payload:    map[string]interface{}{"reason": reason, "cancelled_by": cancelledBy},
		OccurredAt: now,
	})
	s.evaluations[id] = append(s.evaluations[id], intent.Evaluation{
		ID: uuid.NewString(), IntentID: id, Kind: intent.EvaluationCancelled,
		Data: map[string]interface{}{"reason": reason}, RecordedAt: now,
	})

	return *in, nil
}

func (s *IntentStore) SoftDelete(ctx context.Context, id, tenant string) (intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok || in.Tenant != tenant {
		return intent.Intent{}, apierrors.NotFound("intent", id)
	}
	now := time.Now().UTC()
	in.SoftDeletedAt = &now
	in.Context = nil
	in.Metadata = nil
	in.UpdatedAt = now
	delete(s.byFingerprint, key2(tenant, in.DedupeFingerprint))
	return *in, nil
}

func (s *IntentStore) GetWithEvents(ctx context.Context, id, tenant string) (intent.Intent, []intent.Event, []intent.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok || in.Tenant != tenant {
		return intent.Intent{}, nil, nil, apierrors.NotFound("intent", id)
	}
	return *in, append([]intent.Event(nil), s.events[id]...), append([]intent.Evaluation(nil), s.evaluations[id]...), nil
}

func (s *IntentStore) RecordEvaluation(ctx context.Context, eval intent.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eval.ID == "" {
		eval.ID = uuid.NewString()
	}
	s.evaluations[eval.IntentID] = append(s.evaluations[eval.IntentID], eval)
	return nil
}

func (s *IntentStore) UpdateTrustSnapshot(ctx context.Context, id, tenant string, score, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.Tenant != tenant {
		return apierrors.NotFound("intent", id)
	}
	in.TrustSnapshotScore = score
	in.TrustSnapshotLevel = level
	in.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *IntentStore) UpdateTrustCurrent(ctx context.Context, id, tenant string, score, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.Tenant != tenant {
		return apierrors.NotFound("intent", id)
	}
	in.TrustCurrentScore = score
	in.TrustCurrentLevel = level
	in.UpdatedAt = time.Now().UTC()
	return nil
}

// --- eventlog.Store (also satisfies storage.EventStore) ---

func (s *IntentStore) LatestEvent(ctx context.Context, intentID string) (intent.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[intentID]
	if len(evs) == 0 {
		return intent.Event{}, false, nil
	}
	return evs[len(evs)-1], true, nil
}

func (s *IntentStore) AppendUnderLock(ctx context.Context, intentID string, fn func(latest intent.Event, latestOK bool) (intent.Event, error)) (intent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evs := s.events[intentID]
	var latest intent.Event
	ok := len(evs) > 0
	if ok {
		latest = evs[len(evs)-1]
	}
	ev, err := fn(latest, ok)
	if err != nil {
		return intent.Event{}, err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	s.events[intentID] = append(evs, ev)
	return ev, nil
}

func (s *IntentStore) StreamEvents(ctx context.Context, intentID string, batchSize int, yield func([]intent.Event) (bool, error)) error {
	s.mu.Lock()
	evs := append([]intent.Event(nil), s.events[intentID]...)
	s.mu.Unlock()

	if batchSize <= 0 {
		batchSize = 500
	}
	for i := 0; i < len(evs); i += batchSize {
		end := i + batchSize
		if end > len(evs) {
			end = len(evs)
		}
		cont, err := yield(evs[i:end])
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// DeadLetterStore is an in-memory storage.DeadLetterStore.
type DeadLetterStore struct {
	mu  sync.Mutex
	dlq map[string]intent.DeadLetterRecord
}

// NewDeadLetterStore builds an empty DeadLetterStore.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{dlq: map[string]intent.DeadLetterRecord{}}
}

func (s *DeadLetterStore) Insert(ctx context.Context, rec intent.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.dlq[rec.ID] = rec
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter storage.DeadLetterFilter) ([]intent.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []intent.DeadLetterRecord
	for _, rec := range s.dlq {
		if filter.HasQueue && rec.OriginQueue != filter.OriginQueue {
			continue
		}
		all = append(all, rec)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	offset := filter.Offset
	if offset > len(all) {
		return nil, nil
	}
	end := len(all)
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return all[offset:end], nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (intent.DeadLetterRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dlq[id]
	return rec, ok, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dlq, id)
	return nil
}

func (s *DeadLetterStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, rec := range s.dlq {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.dlq, id)
			count++
		}
	}
	return count, nil
}

func (s *DeadLetterStore) CountByQueue(ctx context.Context) (map[intent.StageName]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[intent.StageName]int{}
	for _, rec := range s.dlq {
		out[rec.OriginQueue]++
	}
	return out, nil
}

// WebhookStore is an in-memory storage.WebhookStore.
type WebhookStore struct {
	mu            sync.Mutex
	subscriptions map[string]*webhook.Subscription // "tenant|id"
	deliveries    map[string]*webhook.Delivery      // "tenant|id"
}

// NewWebhookStore builds an empty WebhookStore.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		subscriptions: map[string]*webhook.Subscription{},
		deliveries:    map[string]*webhook.Delivery{},
	}
}

func (s *WebhookStore) CreateSubscription(ctx context.Context, sub webhook.Subscription) (webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now
	stored := sub
	s.subscriptions[key2(sub.Tenant, sub.ID)] = &stored
	return stored, nil
}

func (s *WebhookStore) GetSubscription(ctx context.Context, tenant, id string) (webhook.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[key2(tenant, id)]
	if !ok {
		return webhook.Subscription{}, false, nil
	}
	return *sub, true, nil
}

func (s *WebhookStore) ListSubscriptions(ctx context.Context, tenant string) ([]webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []webhook.Subscription
	for _, sub := range s.subscriptions {
		if sub.Tenant == tenant {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *WebhookStore) ListEligible(ctx context.Context, tenant string, kind webhook.EventKind) ([]webhook.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []webhook.Subscription
	for _, sub := range s.subscriptions {
		if sub.Tenant == tenant && sub.Subscribes(kind) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *WebhookStore) DeleteSubscription(ctx context.Context, tenant, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, key2(tenant, id))
	return nil
}

func (s *WebhookStore) UpdatePinnedIP(ctx context.Context, tenant, id, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[key2(tenant, id)]
	if !ok {
		return apierrors.NotFound("webhook_subscription", id)
	}
	sub.PinnedIP = ip
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *WebhookStore) CreateDelivery(ctx context.Context, d webhook.Delivery) (webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	stored := d
	s.deliveries[key2(d.Tenant, d.ID)] = &stored
	return stored, nil
}

func (s *WebhookStore) UpdateDelivery(ctx context.Context, d webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key2(d.Tenant, d.ID)
	existing, ok := s.deliveries[k]
	if !ok {
		return apierrors.NotFound("webhook_delivery", d.ID)
	}
	if existing.Status != d.Status && !webhook.CanTransitionDelivery(existing.Status, d.Status) {
		return apierrors.InvalidTransition(string(existing.Status), string(d.Status))
	}
	stored := d
	s.deliveries[k] = &stored
	return nil
}

func (s *WebhookStore) GetDelivery(ctx context.Context, tenant, id string) (webhook.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[key2(tenant, id)]
	if !ok {
		return webhook.Delivery{}, false, nil
	}
	return *d, true, nil
}

func (s *WebhookStore) ListDeliveryHistory(ctx context.Context, tenant, subscriptionID string, limit, offset int) ([]webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []webhook.Delivery
	for _, d := range s.deliveries {
		if d.Tenant == tenant && d.SubscriptionID == subscriptionID {
			all = append(all, *d)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		ai, aj := all[i].LastAttemptAt, all[j].LastAttemptAt
		if ai == nil || aj == nil {
			return ai != nil
		}
		return ai.After(*aj)
	})
	if offset > len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

func (s *WebhookStore) ListPendingRetries(ctx context.Context, limit int) ([]webhook.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []webhook.Delivery
	for _, d := range s.deliveries {
		if d.Status == webhook.DeliveryRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			out = append(out, *d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Store bundles the three concerns for callers that want one constructor
// (e.g. the engine wiring) while keeping each concern's methods
// unambiguous — Store itself implements none of the storage interfaces
// directly, its three fields each do.
type Store struct {
	*IntentStore
	*DeadLetterStore
	*WebhookStore
}

// New builds an empty, fully wired Store.
func New() *Store {
	return &Store{
		IntentStore:     NewIntentStore(),
		DeadLetterStore: NewDeadLetterStore(),
		WebhookStore:    NewWebhookStore(),
	}
}
