// Package webhookdispatch implements the Webhook Dispatcher (C9, spec
// §4.8): registration behind an SSRF guard with DNS pinning, bounded-
// concurrency fan-out to eligible subscriptions, a per-subscription
// circuit breaker, signed deliveries with exponential-backoff retry, and
// the delivery-history / replay admin surface. Grounded on the teacher's
// pack-mate plain stdlib net/http poster
// (quantumlife-canon-core/internal/pushtransport/transport/webhook.go),
// generalized from its single synchronous POST into the full dispatch
// protocol spec §4.8 describes.
package webhookdispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/webhook"
	"github.com/vorion/intentengine/internal/ephemeral"
	"github.com/vorion/intentengine/internal/metrics"
	"github.com/vorion/intentengine/internal/resilience/breaker"
	"github.com/vorion/intentengine/internal/storage"
	"github.com/vorion/intentengine/internal/vcrypto"
)

// Config tunes the dispatcher (spec §6's webhook.* family).
type Config struct {
	TimeoutMs               int
	RetryAttempts           int
	RetryDelayMs            int
	AllowDNSChange          bool
	CircuitFailureThreshold int
	CircuitResetTimeoutMs   int
	Concurrency             int // default 10, spec §4.8 step 3
	AllowLocalhost          bool // non-production only
}

func (c Config) withDefaults() Config {
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 10000
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = 1000
	}
	if c.CircuitFailureThreshold <= 0 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitResetTimeoutMs <= 0 {
		c.CircuitResetTimeoutMs = 300000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	return c
}

// Registration is an inbound register() call (spec §4.8, spec §6).
type Registration struct {
	URL           string
	Secret        string
	Enabled       bool
	Events        []webhook.EventKind
	RetryAttempts int
	RetryDelayMs  int
}

// Dispatcher is the C9 component.
type Dispatcher struct {
	Store   storage.WebhookStore
	Cipher  *vcrypto.EnvelopeCipher
	Ephemeral ephemeral.Store
	Metrics *metrics.Metrics
	Log     *logrus.Entry
	Config  Config

	sem *semaphore.Weighted
}

// New builds a Dispatcher. Callers should reuse one Dispatcher (and thus
// one semaphore) per process.
func New(store storage.WebhookStore, cipher *vcrypto.EnvelopeCipher, eph ephemeral.Store, m *metrics.Metrics, log *logrus.Entry, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		Store:     store,
		Cipher:    cipher,
		Ephemeral: eph,
		Metrics:   m,
		Log:       log,
		Config:    cfg,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Register implements spec §4.8's registration procedure: SSRF guard, DNS
// pin, secret encryption, persistence.
func (d *Dispatcher) Register(ctx context.Context, tenant string, reg Registration) (string, error) {
	pinnedIP, err := validateAndPin(ctx, reg.URL, d.Config.AllowLocalhost)
	if err != nil {
		return "", err
	}
	encrypted, err := d.Cipher.Encrypt("webhook-secret", []byte(reg.Secret))
	if err != nil {
		return "", apierrors.Wrap(apierrors.CodeInternal, "encrypt webhook secret", err)
	}
	events := make(map[webhook.EventKind]bool, len(reg.Events))
	for _, e := range reg.Events {
		events[e] = true
	}
	sub := webhook.Subscription{
		Tenant:          tenant,
		URL:             reg.URL,
		EncryptedSecret: encrypted,
		Enabled:         reg.Enabled,
		Events:          events,
		RetryAttempts:   reg.RetryAttempts,
		RetryDelayMs:    reg.RetryDelayMs,
		PinnedIP:        pinnedIP,
	}
	created, err := d.Store.CreateSubscription(ctx, sub)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (d *Dispatcher) Unregister(ctx context.Context, tenant, id string) error {
	return d.Store.DeleteSubscription(ctx, tenant, id)
}

func (d *Dispatcher) List(ctx context.Context, tenant string) ([]webhook.Subscription, error) {
	return d.Store.ListSubscriptions(ctx, tenant)
}

func (d *Dispatcher) GetDeliveryHistory(ctx context.Context, tenant, subscriptionID string, limit, offset int) ([]webhook.Delivery, error) {
	return d.Store.ListDeliveryHistory(ctx, tenant, subscriptionID, limit, offset)
}

// ReplayDelivery implements spec §4.8's replay semantics: only a failed
// delivery may be replayed, transitioning it to retrying with
// next_retry_at = now.
func (d *Dispatcher) ReplayDelivery(ctx context.Context, tenant, deliveryID string) error {
	del, found, err := d.Store.GetDelivery(ctx, tenant, deliveryID)
	if err != nil {
		return err
	}
	if !found {
		return apierrors.NotFound("webhook_delivery", deliveryID)
	}
	if del.Status != webhook.DeliveryFailed {
		return apierrors.Validation("status", "only failed deliveries may be replayed")
	}
	now := time.Now().UTC()
	del.Status = webhook.DeliveryRetrying
	del.NextRetryAt = &now
	return d.Store.UpdateDelivery(ctx, del)
}

// GetCircuitStatus reports the current breaker state for a subscription.
func (d *Dispatcher) GetCircuitStatus(ctx context.Context, tenant, subscriptionID string) (breaker.State, int, error) {
	return d.breakerFor(subscriptionID).Status(ctx)
}

// ResetCircuit forces a subscription's breaker closed (spec §6 reset_circuit).
func (d *Dispatcher) ResetCircuit(ctx context.Context, tenant, subscriptionID string) error {
	return d.breakerFor(subscriptionID).ForceClose(ctx)
}

func (d *Dispatcher) breakerFor(subscriptionID string) *breaker.Breaker {
	return breaker.New("webhook:"+subscriptionID, d.Ephemeral, breaker.Config{
		FailureThreshold: d.Config.CircuitFailureThreshold,
		ResetTimeout:     time.Duration(d.Config.CircuitResetTimeoutMs) * time.Millisecond,
	}, d.Metrics, d.Log)
}

// Emit implements internal/pipeline.WebhookEmitter, converting the
// worker's string event kind into the catalogue type before dispatching.
func (d *Dispatcher) Emit(ctx context.Context, tenant string, kind string, payload map[string]interface{}) error {
	return d.Dispatch(ctx, tenant, webhook.EventKind(kind), payload)
}

// ProcessPendingRetries re-attempts every delivery whose next_retry_at has
// elapsed, up to limit (spec §6 process_pending_retries(limit)).
func (d *Dispatcher) ProcessPendingRetries(ctx context.Context, limit int) (int, error) {
	pending, err := d.Store.ListPendingRetries(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, del := range pending {
		sub, found, err := d.Store.GetSubscription(ctx, del.Tenant, del.SubscriptionID)
		if err != nil || !found {
			continue
		}
		br := d.breakerFor(sub.ID)
		if open, err := br.IsOpen(ctx); err == nil && open {
			del.Status = webhook.DeliveryFailed
			del.SkippedByCircuitBreaker = true
			_ = d.Store.UpdateDelivery(ctx, del)
			continue
		}
		d.attemptWithRetry(ctx, sub, br, del)
	}
	return len(pending), nil
}

// Dispatch implements spec §4.8's dispatch procedure for event kind to
// tenant: enumerate eligible subscriptions, create pending delivery
// records, and fan out with bounded concurrency — one subscription's
// failure never affects its peers.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant string, kind webhook.EventKind, payload map[string]interface{}) error {
	start := time.Now()
	subs, err := d.Store.ListEligible(ctx, tenant, kind)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	done := make(chan struct{}, len(subs))
	for _, sub := range subs {
		sub := sub
		if err := d.sem.Acquire(ctx, 1); err != nil {
			done <- struct{}{}
			continue
		}
		if d.Metrics != nil {
			d.Metrics.WebhookConcurrency.Inc()
		}
		go func() {
			defer func() {
				d.sem.Release(1)
				if d.Metrics != nil {
					d.Metrics.WebhookConcurrency.Dec()
				}
				done <- struct{}{}
			}()
			d.dispatchOne(ctx, sub, kind, payload)
		}()
	}
	for range subs {
		<-done
	}
	if d.Metrics != nil {
		d.Metrics.WebhookBatchDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sub webhook.Subscription, kind webhook.EventKind, payload map[string]interface{}) {
	delivery, err := d.Store.CreateDelivery(ctx, webhook.Delivery{
		SubscriptionID: sub.ID,
		Tenant:         sub.Tenant,
		Event:          kind,
		Payload:        payload,
		Status:         webhook.DeliveryPending,
	})
	if err != nil {
		if d.Log != nil {
			d.Log.WithError(err).WithField("subscription", sub.ID).Error("create webhook delivery record failed")
		}
		return
	}

	br := d.breakerFor(sub.ID)
	if open, err := br.IsOpen(ctx); err == nil && open {
		delivery.Status = webhook.DeliveryFailed
		delivery.SkippedByCircuitBreaker = true
		delivery.LastError = "circuit open"
		_ = d.Store.UpdateDelivery(ctx, delivery)
		d.observeDelivery("circuit_open")
		return
	}

	d.attemptWithRetry(ctx, sub, br, delivery)
}

func (d *Dispatcher) observeDelivery(outcome string) {
	if d.Metrics != nil {
		d.Metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}
}

// attemptWithRetry implements the spec §4.8.1 single-delivery protocol
// with exponential backoff up to retryAttempts.
func (d *Dispatcher) attemptWithRetry(ctx context.Context, sub webhook.Subscription, br *breaker.Breaker, delivery webhook.Delivery) {
	attempts := sub.RetryAttempts
	if attempts <= 0 {
		attempts = d.Config.RetryAttempts
	}
	baseDelay := time.Duration(sub.RetryDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = time.Duration(d.Config.RetryDelayMs) * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		delivery.Attempts = attempt
		now := time.Now().UTC()
		delivery.LastAttemptAt = &now

		execErr := br.Execute(ctx, func(ctx context.Context) error {
			status, body, err := d.send(ctx, sub, delivery)
			if err != nil {
				return err
			}
			delivery.ResponseStatus = status
			delivery.ResponseBody = truncate(body, 2048)
			if status < 200 || status >= 300 {
				return apierrors.New(apierrors.CodeInternal, "non-2xx webhook response")
			}
			return nil
		})

		if execErr == nil {
			delivery.Status = webhook.DeliveryDelivered
			delivery.DeliveredAt = &now
			delivery.LastError = ""
			_ = d.Store.UpdateDelivery(ctx, delivery)
			d.observeDelivery("success")
			return
		}

		lastErr = execErr
		delivery.LastError = execErr.Error()
		if attempt < attempts {
			delivery.Status = webhook.DeliveryRetrying
			_ = d.Store.UpdateDelivery(ctx, delivery)
			select {
			case <-ctx.Done():
				delivery.Status = webhook.DeliveryFailed
				delivery.LastError = ctx.Err().Error()
				_ = d.Store.UpdateDelivery(ctx, delivery)
				return
			case <-time.After(baseDelay * (1 << uint(attempt-1))):
			}
		}
	}

	delivery.Status = webhook.DeliveryFailed
	_ = d.Store.UpdateDelivery(ctx, delivery)
	d.observeDelivery("failure")
	if d.Log != nil {
		d.Log.WithFields(logrus.Fields{"subscription": sub.ID, "delivery": delivery.ID}).
			WithError(lastErr).Warn("webhook delivery exhausted retries")
	}
}

// send performs exactly one HTTP attempt of the spec §4.8.1 protocol: DNS
// re-resolution against the pinned IP (rebinding guard), a direct
// connection to the pinned IP with the original Host header preserved,
// and the signed headers.
func (d *Dispatcher) send(ctx context.Context, sub webhook.Subscription, delivery webhook.Delivery) (status int, body string, err error) {
	u, parseErr := parseHost(sub.URL)
	if parseErr != nil {
		return 0, "", parseErr
	}
	if err := reresolveAndCheckPin(ctx, u.hostname, sub.PinnedIP, d.Config.AllowDNSChange); err != nil {
		return 0, "", err
	}

	secret, err := d.Cipher.Decrypt("webhook-secret", sub.EncryptedSecret)
	if err != nil {
		return 0, "", apierrors.Wrap(apierrors.CodeInternal, "decrypt webhook secret", err)
	}

	bodyBytes, err := json.Marshal(delivery.Payload)
	if err != nil {
		return 0, "", apierrors.Wrap(apierrors.CodeInternal, "marshal webhook payload", err)
	}

	timestamp := time.Now().Unix()
	signature := GenerateSignature(bodyBytes, string(secret), timestamp)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(bodyBytes))
	if err != nil {
		return 0, "", apierrors.Wrap(apierrors.CodeInternal, "build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Vorion-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", string(delivery.Event))
	req.Header.Set("X-Webhook-Delivery", delivery.ID)
	req.Header.Set("X-Vorion-Signature", signature)
	req.Header.Set("X-Vorion-Timestamp", itoa64(timestamp))
	req.Header.Set("Host", u.hostname)
	if tp, ok := ctx.Value(traceparentKey{}).(string); ok && tp != "" {
		req.Header.Set("traceparent", tp)
	}

	client := pinnedClient(sub.PinnedIP, u.port, time.Duration(d.Config.TimeoutMs)*time.Millisecond)
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", apierrors.Wrap(apierrors.CodeInternal, "webhook request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, string(respBody), nil
}

// traceparentKey lets a caller thread a W3C traceparent header through
// Dispatch via context (spec §4.8: "W3C traceparent/tracestate").
type traceparentKey struct{}

// WithTraceparent attaches a W3C traceparent value to ctx for propagation
// into outbound webhook requests.
func WithTraceparent(ctx context.Context, traceparent string) context.Context {
	return context.WithValue(ctx, traceparentKey{}, traceparent)
}

type hostPort struct {
	hostname string
	port     string
}

func parseHost(rawURL string) (hostPort, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return hostPort{}, apierrors.Validation("url", "not a valid URL")
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return hostPort{hostname: u.Hostname(), port: port}, nil
}

// pinnedClient builds an http.Client whose transport dials the pinned IP
// directly regardless of the request URL's hostname, closing the TOCTOU
// gap between the SSRF check and the actual connection (spec §4.8.1).
func pinnedClient(pinnedIP, port string, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinnedIP, port))
		},
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func itoa64(v int64) string {
	return strconv.FormatInt(v, 10)
}
