package collaborators

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// StaticTrustProvider is a map-backed TrustProvider for tenants that have
// not wired a real trust-scoring service. Grounded on internal/storage/
// memstore's single-mutex map shape.
type StaticTrustProvider struct {
	mu      sync.RWMutex
	scores  map[string]TrustScore
	fallback TrustScore
}

// NewStaticTrustProvider builds a provider returning fallback for any
// entity not explicitly seeded via Set.
func NewStaticTrustProvider(fallback TrustScore) *StaticTrustProvider {
	return &StaticTrustProvider{scores: make(map[string]TrustScore), fallback: fallback}
}

// Set seeds a known entity's trust score, keyed by tenant+entity.
func (p *StaticTrustProvider) Set(tenant, entity string, score TrustScore) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores[tenant+"/"+entity] = score
}

func (p *StaticTrustProvider) GetTrust(ctx context.Context, tenant, entity string) (TrustScore, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.scores[tenant+"/"+entity]; ok {
		return s, nil
	}
	return p.fallback, nil
}

var _ TrustProvider = (*StaticTrustProvider)(nil)

// AllowAllRuleEngine is a RuleEngine that always allows. Useful as a
// starting default and in tests exercising the pipeline without a real
// rule language.
type AllowAllRuleEngine struct{}

func (AllowAllRuleEngine) Evaluate(ctx context.Context, tenant, entity, intentType string, context map[string]interface{}) (RuleResult, error) {
	return RuleResult{Action: ActionAllow}, nil
}

var _ RuleEngine = AllowAllRuleEngine{}

// AllowAllPolicyEngine is a PolicyEngine that always allows with no policy
// matches. Paired with AllowAllRuleEngine as the zero-configuration
// default (spec §4.7.3's rules-only degrade path collapses to this when
// neither collaborator is wired).
type AllowAllPolicyEngine struct{}

func (AllowAllPolicyEngine) Evaluate(ctx context.Context, tenant, entity, intentType string, context map[string]interface{}) (PolicyResult, error) {
	return PolicyResult{Action: ActionAllow}, nil
}

var _ PolicyEngine = AllowAllPolicyEngine{}

// AlwaysConsentedRegistry reports every consent kind as granted. Suitable
// for tenants that have not integrated a real consent registry and do not
// require the data_processing gate.
type AlwaysConsentedRegistry struct{}

func (AlwaysConsentedRegistry) HasConsent(ctx context.Context, tenant, user string, kind ConsentKind) (bool, error) {
	return true, nil
}

var _ ConsentRegistry = AlwaysConsentedRegistry{}

// LoggingAuditSink writes audit entries through a structured logger. This
// is the default until a tenant wires a durable audit store; it satisfies
// AuditSink's "must not block materially" contract since a logrus write is
// buffered I/O, not a network call.
type LoggingAuditSink struct {
	Log *logrus.Entry
}

func (s LoggingAuditSink) Record(ctx context.Context, tenant, intentID, action string, details map[string]interface{}) error {
	log := s.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithFields(logrus.Fields{
		"tenant":    tenant,
		"intent_id": intentID,
		"action":    action,
		"details":   details,
	}).Info("audit")
	return nil
}

var _ AuditSink = LoggingAuditSink{}

// NoopProofRecorder discards the proof artifact. A real deployment wires a
// tamper-evident ledger; this default keeps the decision worker's
// fire-and-forget call (spec §4.7.4 step 5) safe to invoke unconditionally.
type NoopProofRecorder struct{}

func (NoopProofRecorder) RecordProof(ctx context.Context, tenant, intentID string, decision map[string]interface{}) error {
	return nil
}

var _ ProofRecorder = NoopProofRecorder{}
