package engine

import (
	"context"

	"github.com/vorion/intentengine/internal/domain/webhook"
	"github.com/vorion/intentengine/internal/resilience/breaker"
	"github.com/vorion/intentengine/internal/webhookdispatch"
)

// RegisterWebhook implements spec §6's webhook admin register().
func (e *Engine) RegisterWebhook(ctx context.Context, tenant string, reg webhookdispatch.Registration) (string, error) {
	return e.Webhooks.Register(ctx, tenant, reg)
}

// UnregisterWebhook implements unregister().
func (e *Engine) UnregisterWebhook(ctx context.Context, tenant, id string) error {
	return e.Webhooks.Unregister(ctx, tenant, id)
}

// ListWebhooks implements list().
func (e *Engine) ListWebhooks(ctx context.Context, tenant string) ([]webhook.Subscription, error) {
	return e.Webhooks.List(ctx, tenant)
}

// GetWebhookCircuitStatus implements get_circuit_status().
func (e *Engine) GetWebhookCircuitStatus(ctx context.Context, tenant, subscriptionID string) (breaker.State, int, error) {
	return e.Webhooks.GetCircuitStatus(ctx, tenant, subscriptionID)
}

// ResetWebhookCircuit implements reset_circuit().
func (e *Engine) ResetWebhookCircuit(ctx context.Context, tenant, subscriptionID string) error {
	return e.Webhooks.ResetCircuit(ctx, tenant, subscriptionID)
}

// GetWebhookDeliveryHistory implements get_delivery_history().
func (e *Engine) GetWebhookDeliveryHistory(ctx context.Context, tenant, subscriptionID string, limit, offset int) ([]webhook.Delivery, error) {
	return e.Webhooks.GetDeliveryHistory(ctx, tenant, subscriptionID, limit, offset)
}

// ReplayWebhookDelivery implements replay_delivery().
func (e *Engine) ReplayWebhookDelivery(ctx context.Context, tenant, deliveryID string) error {
	return e.Webhooks.ReplayDelivery(ctx, tenant, deliveryID)
}

// ProcessPendingWebhookRetries implements process_pending_retries(limit).
func (e *Engine) ProcessPendingWebhookRetries(ctx context.Context, limit int) (int, error) {
	return e.Webhooks.ProcessPendingRetries(ctx, limit)
}
