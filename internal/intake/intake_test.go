package intake

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/collaborators"
	"github.com/vorion/intentengine/internal/dedupe"
	"github.com/vorion/intentengine/internal/domain/intent"
	"github.com/vorion/intentengine/internal/ephemeral"
	"github.com/vorion/intentengine/internal/queue/memqueue"
	"github.com/vorion/intentengine/internal/resilience/lock"
	"github.com/vorion/intentengine/internal/resilience/ratelimit"
	"github.com/vorion/intentengine/internal/storage/memstore"
)

type fakeConfig struct {
	minTrust    int
	maxInFlight int
	paths       []string
	encrypt     bool
}

func (c fakeConfig) MinTrustLevelFor(string) int     { return c.minTrust }
func (c fakeConfig) MaxInFlightFor(string) int       { return c.maxInFlight }
func (c fakeConfig) RedactionPaths() []string        { return c.paths }
func (c fakeConfig) EncryptionEnabled() bool         { return c.encrypt }
func (c fakeConfig) RateLimitFor(string) (int, int)  { return 100, 60 }
func (c fakeConfig) TenantOverrideFor(string, string) (int, int, bool) {
	return 0, 0, false
}

var _ ratelimit.RuleResolver = fakeConfig{}
var _ Config = fakeConfig{}

func newTestService(t *testing.T, store *memstore.IntentStore) *Service {
	t.Helper()
	ephStore := ephemeral.NewMemoryStore()
	locker := lock.New(ephStore)
	dedupeSvc := dedupe.New("test-secret", time.Minute, store, locker, ephStore, testLog())
	limiter := ratelimit.New(ephStore, fakeConfig{maxInFlight: 50}, nil)

	return &Service{
		Intents:     store,
		Consent:     collaborators.AlwaysConsentedRegistry{},
		Trust:       collaborators.NewStaticTrustProvider(collaborators.TrustScore{Score: 90, Level: 4}),
		Dedupe:      dedupeSvc,
		RateLimiter: limiter,
		Config:      fakeConfig{minTrust: 1, maxInFlight: 50},
		IntakeQ:     memqueue.New(),
		Log:         testLog(),
	}
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func baseSubmission() Submission {
	return Submission{
		Tenant:  "acme",
		Entity:  "user-1",
		User:    "user-1",
		Goal:    "deploy service",
		Type:    "default",
		Context: map[string]interface{}{"region": "us-east-1"},
	}
}

func TestSubmitPersistsAndEnqueuesOnHappyPath(t *testing.T) {
	store := memstore.NewIntentStore()
	svc := newTestService(t, store)

	got, err := svc.Submit(context.Background(), baseSubmission())
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, intent.StatusPending, got.Status)

	waiting, _, err := svc.IntakeQ.Depth(context.Background(), intent.StageIntake)
	require.NoError(t, err)
	assert.Equal(t, 1, waiting)
}

func TestSubmitReturnsExistingIntentOnDuplicateFingerprint(t *testing.T) {
	store := memstore.NewIntentStore()
	svc := newTestService(t, store)

	first, err := svc.Submit(context.Background(), baseSubmission())
	require.NoError(t, err)

	second, err := svc.Submit(context.Background(), baseSubmission())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestSubmitRejectsWhenConsentMissing(t *testing.T) {
	store := memstore.NewIntentStore()
	svc := newTestService(t, store)
	svc.Consent = noConsent{}

	_, err := svc.Submit(context.Background(), baseSubmission())
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeConsentRequired, apierrors.CodeOf(err))
}

func TestSubmitRejectsWhenTrustBelowThreshold(t *testing.T) {
	store := memstore.NewIntentStore()
	svc := newTestService(t, store)
	svc.Trust = collaborators.NewStaticTrustProvider(collaborators.TrustScore{Score: 5, Level: 0})
	svc.Config = fakeConfig{minTrust: 3, maxInFlight: 50}

	sub := baseSubmission()
	sub.Type = "high-risk"
	_, err := svc.Submit(context.Background(), sub)
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeTrustInsufficient, apierrors.CodeOf(err))
}

func TestSubmitRejectsWhenTenantAtMaxInFlight(t *testing.T) {
	store := memstore.NewIntentStore()
	svc := newTestService(t, store)
	svc.Config = fakeConfig{minTrust: 0, maxInFlight: 0}

	_, err := svc.Submit(context.Background(), baseSubmission())
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeIntentRateLimit, apierrors.CodeOf(err))
}

func TestSubmitRejectsOversizedContext(t *testing.T) {
	store := memstore.NewIntentStore()
	svc := newTestService(t, store)

	sub := baseSubmission()
	big := make(map[string]interface{}, 200)
	for i := 0; i < 200; i++ {
		big[string(rune('a'+i%26))+string(rune(i))] = "x"
	}
	sub.Context = big

	_, err := svc.Submit(context.Background(), sub)
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeValidation, apierrors.CodeOf(err))
}

type noConsent struct{}

func (noConsent) HasConsent(ctx context.Context, tenant, user string, kind collaborators.ConsentKind) (bool, error) {
	return false, nil
}
