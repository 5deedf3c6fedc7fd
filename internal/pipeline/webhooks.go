package pipeline

import "context"

// WebhookEmitter is the narrow seam into the webhook dispatcher (C9) the
// decision and execute workers need: fire an event to every eligible
// subscription for a tenant. Declared here rather than importing
// internal/webhookdispatch directly so pipeline's workers stay testable
// without pulling in the dispatcher's HTTP/SSRF machinery; internal/engine
// wires internal/webhookdispatch.Dispatcher in as the concrete value.
type WebhookEmitter interface {
	Emit(ctx context.Context, tenant string, kind string, payload map[string]interface{}) error
}

// NoopWebhookEmitter discards every event. Used where webhook dispatch has
// not been wired (e.g. unit tests exercising only the decision logic).
type NoopWebhookEmitter struct{}

func (NoopWebhookEmitter) Emit(ctx context.Context, tenant, kind string, payload map[string]interface{}) error {
	return nil
}

var _ WebhookEmitter = NoopWebhookEmitter{}
