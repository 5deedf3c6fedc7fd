package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/webhook"
	"github.com/vorion/intentengine/internal/storage"
)

// WebhookStore implements storage.WebhookStore over a *sqlx.DB. It is a
// separate type from IntentStore and DeadLetterStore (see Store) for the
// same reason they are split: overlapping method names across the storage
// interfaces.
type WebhookStore struct {
	db *sqlx.DB
}

var _ storage.WebhookStore = (*WebhookStore)(nil)

// NewWebhookStore wraps an already-connected *sqlx.DB.
func NewWebhookStore(db *sqlx.DB) *WebhookStore {
	return &WebhookStore{db: db}
}

type subscriptionRow struct {
	ID              string    `db:"id"`
	Tenant          string    `db:"tenant"`
	URL             string    `db:"url"`
	EncryptedSecret string    `db:"encrypted_secret"`
	Enabled         bool      `db:"enabled"`
	Events          []byte    `db:"events"`
	RetryAttempts   int       `db:"retry_attempts"`
	RetryDelayMs    int       `db:"retry_delay_ms"`
	PinnedIP        string    `db:"pinned_ip"`
	Created         time.Time `db:"created"`
	Updated         time.Time `db:"updated"`
}

func (r subscriptionRow) toDomain() webhook.Subscription {
	events := map[webhook.EventKind]bool{}
	var raw map[string]bool
	if len(r.Events) > 0 {
		_ = json.Unmarshal(r.Events, &raw)
		for k, v := range raw {
			events[webhook.EventKind(k)] = v
		}
	}
	return webhook.Subscription{
		ID:              r.ID,
		Tenant:          r.Tenant,
		URL:             r.URL,
		EncryptedSecret: r.EncryptedSecret,
		Enabled:         r.Enabled,
		Events:          events,
		RetryAttempts:   r.RetryAttempts,
		RetryDelayMs:    r.RetryDelayMs,
		PinnedIP:        r.PinnedIP,
		CreatedAt:       r.Created,
		UpdatedAt:       r.Updated,
	}
}

const subscriptionColumns = `id, tenant, url, encrypted_secret, enabled, events, retry_attempts,
	retry_delay_ms, pinned_ip, created, updated`

func (s *WebhookStore) CreateSubscription(ctx context.Context, sub webhook.Subscription) (webhook.Subscription, error) {
	if sub.ID == "" {
		sub.ID = newUUID()
	}
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now

	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return webhook.Subscription{}, apierrors.Internal("marshal subscription events", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, tenant, url, encrypted_secret, enabled, events,
			retry_attempts, retry_delay_ms, pinned_ip, created, updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, sub.ID, sub.Tenant, sub.URL, sub.EncryptedSecret, sub.Enabled, eventsJSON,
		sub.RetryAttempts, sub.RetryDelayMs, sub.PinnedIP, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return webhook.Subscription{}, apierrors.Internal("insert subscription", err)
	}
	return sub, nil
}

func (s *WebhookStore) GetSubscription(ctx context.Context, tenant, id string) (webhook.Subscription, bool, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE tenant = $1 AND id = $2
	`, tenant, id)
	if err == sql.ErrNoRows {
		return webhook.Subscription{}, false, nil
	}
	if err != nil {
		return webhook.Subscription{}, false, apierrors.Internal("get subscription", err)
	}
	return row.toDomain(), true, nil
}

func (s *WebhookStore) ListSubscriptions(ctx context.Context, tenant string) ([]webhook.Subscription, error) {
	var rows []subscriptionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE tenant = $1 ORDER BY created
	`, tenant); err != nil {
		return nil, apierrors.Internal("list subscriptions", err)
	}
	out := make([]webhook.Subscription, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *WebhookStore) ListEligible(ctx context.Context, tenant string, kind webhook.EventKind) ([]webhook.Subscription, error) {
	var rows []subscriptionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE tenant = $1 AND enabled = true AND (events ->> $2)::boolean IS TRUE
	`, tenant, string(kind)); err != nil {
		return nil, apierrors.Internal("list eligible subscriptions", err)
	}
	out := make([]webhook.Subscription, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *WebhookStore) DeleteSubscription(ctx context.Context, tenant, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE tenant = $1 AND id = $2`, tenant, id)
	if err != nil {
		return apierrors.Internal("delete subscription", err)
	}
	return nil
}

func (s *WebhookStore) UpdatePinnedIP(ctx context.Context, tenant, id, ip string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET pinned_ip = $1, updated = $2 WHERE tenant = $3 AND id = $4
	`, ip, time.Now().UTC(), tenant, id)
	if err != nil {
		return apierrors.Internal("update pinned ip", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apierrors.NotFound("webhook_subscription", id)
	}
	return nil
}

type deliveryRow struct {
	ID               string         `db:"id"`
	SubscriptionID   string         `db:"subscription_id"`
	Tenant           string         `db:"tenant"`
	Event            string         `db:"event"`
	Payload          []byte         `db:"payload"`
	Status           string         `db:"status"`
	Attempts         int            `db:"attempts"`
	LastAttemptAt    sql.NullTime   `db:"last_attempt_at"`
	LastError        string         `db:"last_error"`
	NextRetryAt      sql.NullTime   `db:"next_retry_at"`
	DeliveredAt      sql.NullTime   `db:"delivered_at"`
	ResponseStatus   int            `db:"response_status"`
	ResponseBody     string         `db:"response_body"`
	SkippedByBreaker bool           `db:"skipped_by_breaker"`
}

func (r deliveryRow) toDomain() webhook.Delivery {
	return webhook.Delivery{
		ID:                      r.ID,
		SubscriptionID:          r.SubscriptionID,
		Tenant:                  r.Tenant,
		Event:                   webhook.EventKind(r.Event),
		Payload:                 mapOf(r.Payload),
		Status:                  webhook.DeliveryStatus(r.Status),
		Attempts:                r.Attempts,
		LastAttemptAt:           timePtr(r.LastAttemptAt),
		LastError:               r.LastError,
		NextRetryAt:             timePtr(r.NextRetryAt),
		DeliveredAt:             timePtr(r.DeliveredAt),
		ResponseStatus:          r.ResponseStatus,
		ResponseBody:            r.ResponseBody,
		SkippedByCircuitBreaker: r.SkippedByBreaker,
	}
}

const deliveryColumns = `id, subscription_id, tenant, event, payload, status, attempts,
	last_attempt_at, last_error, next_retry_at, delivered_at, response_status, response_body,
	skipped_by_breaker`

func (s *WebhookStore) CreateDelivery(ctx context.Context, d webhook.Delivery) (webhook.Delivery, error) {
	if d.ID == "" {
		d.ID = newUUID()
	}
	payloadJSON, err := jsonOf(d.Payload)
	if err != nil {
		return webhook.Delivery{}, apierrors.Internal("marshal delivery payload", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, tenant, event, payload, status, attempts,
			last_attempt_at, last_error, next_retry_at, delivered_at, response_status, response_body,
			skipped_by_breaker)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, d.ID, d.SubscriptionID, d.Tenant, string(d.Event), payloadJSON, string(d.Status), d.Attempts,
		nullTime(d.LastAttemptAt), d.LastError, nullTime(d.NextRetryAt), nullTime(d.DeliveredAt),
		d.ResponseStatus, d.ResponseBody, d.SkippedByCircuitBreaker)
	if err != nil {
		return webhook.Delivery{}, apierrors.Internal("insert delivery", err)
	}
	return d, nil
}

func (s *WebhookStore) UpdateDelivery(ctx context.Context, d webhook.Delivery) error {
	existing, found, err := s.GetDelivery(ctx, d.Tenant, d.ID)
	if err != nil {
		return err
	}
	if !found {
		return apierrors.NotFound("webhook_delivery", d.ID)
	}
	if existing.Status != d.Status && !webhook.CanTransitionDelivery(existing.Status, d.Status) {
		return apierrors.InvalidTransition(string(existing.Status), string(d.Status))
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = $1, attempts = $2, last_attempt_at = $3, last_error = $4,
			next_retry_at = $5, delivered_at = $6, response_status = $7, response_body = $8,
			skipped_by_breaker = $9
		WHERE id = $10 AND tenant = $11
	`, string(d.Status), d.Attempts, nullTime(d.LastAttemptAt), d.LastError, nullTime(d.NextRetryAt),
		nullTime(d.DeliveredAt), d.ResponseStatus, d.ResponseBody, d.SkippedByCircuitBreaker, d.ID, d.Tenant)
	if err != nil {
		return apierrors.Internal("update delivery", err)
	}
	return nil
}

func (s *WebhookStore) GetDelivery(ctx context.Context, tenant, id string) (webhook.Delivery, bool, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE tenant = $1 AND id = $2
	`, tenant, id)
	if err == sql.ErrNoRows {
		return webhook.Delivery{}, false, nil
	}
	if err != nil {
		return webhook.Delivery{}, false, apierrors.Internal("get delivery", err)
	}
	return row.toDomain(), true, nil
}

func (s *WebhookStore) ListDeliveryHistory(ctx context.Context, tenant, subscriptionID string, limit, offset int) ([]webhook.Delivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE tenant = $1 AND subscription_id = $2
		ORDER BY last_attempt_at DESC NULLS LAST
		LIMIT $3 OFFSET $4
	`, tenant, subscriptionID, limit, offset); err != nil {
		return nil, apierrors.Internal("list delivery history", err)
	}
	out := make([]webhook.Delivery, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *WebhookStore) ListPendingRetries(ctx context.Context, limit int) ([]webhook.Delivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= now()
		ORDER BY next_retry_at
		LIMIT $2
	`, string(webhook.DeliveryRetrying), limit); err != nil {
		return nil, apierrors.Internal("list pending retries", err)
	}
	out := make([]webhook.Delivery, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}
