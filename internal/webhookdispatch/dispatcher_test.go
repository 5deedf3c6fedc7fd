package webhookdispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/domain/webhook"
	"github.com/vorion/intentengine/internal/ephemeral"
	"github.com/vorion/intentengine/internal/storage/memstore"
	"github.com/vorion/intentengine/internal/vcrypto"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cipher, err := vcrypto.NewEnvelopeCipher("test-master-secret")
	require.NoError(t, err)
	return New(memstore.NewWebhookStore(), cipher, ephemeral.NewMemoryStore(), nil, testLog(), Config{
		RetryAttempts:  2,
		RetryDelayMs:   1,
		AllowLocalhost: true,
	})
}

func TestValidateAndPinRejectsNonHTTPS(t *testing.T) {
	_, err := validateAndPin(context.Background(), "http://example.com/hook", false)
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeValidation, apierrors.CodeOf(err))
}

func TestValidateAndPinRejectsBlockedSuffix(t *testing.T) {
	_, err := validateAndPin(context.Background(), "https://svc.internal/hook", false)
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeValidation, apierrors.CodeOf(err))
}

func TestValidateAndPinRejectsReservedPort(t *testing.T) {
	_, err := validateAndPin(context.Background(), "https://example.com:6379/hook", false)
	require.Error(t, err)
}

func TestValidateAndPinAllowsLocalhostInDevMode(t *testing.T) {
	ip, err := validateAndPin(context.Background(), "http://127.0.0.1:9999/hook", true)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}

func TestGenerateAndVerifySignatureRoundTrip(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	now := time.Now()
	sig := GenerateSignature(body, "shh", now.Unix())
	assert.True(t, VerifySignature(body, sig, "shh", now.Unix(), now, 0))
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{}`)
	old := time.Now().Add(-10 * time.Minute)
	sig := GenerateSignature(body, "shh", old.Unix())
	assert.False(t, VerifySignature(body, sig, "shh", old.Unix(), time.Now(), 300*time.Second))
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	now := time.Now()
	sig := GenerateSignature([]byte(`{"a":1}`), "shh", now.Unix())
	assert.False(t, VerifySignature([]byte(`{"a":2}`), sig, "shh", now.Unix(), now, 0))
}

func TestDispatchDeliversToEligibleSubscriptionAndRecordsSuccess(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "intent.approved", r.Header.Get("X-Webhook-Event"))
		assert.NotEmpty(t, r.Header.Get("X-Vorion-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	id, err := d.Register(context.Background(), "acme", Registration{
		URL:     srv.URL,
		Secret:  "s3cr3t",
		Enabled: true,
		Events:  []webhook.EventKind{webhook.EventIntentApproved},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	err = d.Dispatch(context.Background(), "acme", webhook.EventIntentApproved, map[string]interface{}{"intent_id": "i1"})
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	history, err := d.GetDeliveryHistory(context.Background(), "acme", id, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, webhook.DeliveryDelivered, history[0].Status)
}

func TestDispatchMarksFailedAfterRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher(t)
	id, err := d.Register(context.Background(), "acme", Registration{
		URL:     srv.URL,
		Secret:  "s3cr3t",
		Enabled: true,
		Events:  []webhook.EventKind{webhook.EventIntentDenied},
	})
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), "acme", webhook.EventIntentDenied, map[string]interface{}{"intent_id": "i2"})
	require.NoError(t, err)

	history, err := d.GetDeliveryHistory(context.Background(), "acme", id, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, webhook.DeliveryFailed, history[0].Status)
}

func TestReplayDeliveryRequiresFailedStatus(t *testing.T) {
	d := newTestDispatcher(t)
	store := d.Store.(*memstore.WebhookStore)
	del, err := store.CreateDelivery(context.Background(), webhook.Delivery{
		Tenant: "acme", SubscriptionID: "sub-1", Event: webhook.EventIntentApproved,
		Status: webhook.DeliveryDelivered,
	})
	require.NoError(t, err)

	err = d.ReplayDelivery(context.Background(), "acme", del.ID)
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeValidation, apierrors.CodeOf(err))
}

func TestDispatchSkipsWhenNoEligibleSubscriptions(t *testing.T) {
	d := newTestDispatcher(t)
	err := d.Dispatch(context.Background(), "acme", webhook.EventIntentCompleted, map[string]interface{}{})
	require.NoError(t, err)
}
