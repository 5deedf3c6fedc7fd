package collaborators

import (
	"context"
	"testing"
)

func TestMostRestrictiveOrdersByTotalOrder(t *testing.T) {
	cases := []struct {
		a, b, want Action
	}{
		{ActionAllow, ActionMonitor, ActionMonitor},
		{ActionDeny, ActionEscalate, ActionDeny},
		{ActionTerminate, ActionDeny, ActionTerminate},
		{ActionAllow, ActionAllow, ActionAllow},
		{ActionLimit, ActionMonitor, ActionLimit},
	}
	for _, c := range cases {
		got := MostRestrictive(c.a, c.b)
		if got != c.want {
			t.Errorf("MostRestrictive(%s, %s) = %s, want %s", c.a, c.b, got, c.want)
		}
	}
}

func TestStaticTrustProviderReturnsFallbackForUnknownEntity(t *testing.T) {
	p := NewStaticTrustProvider(TrustScore{Score: 10, Level: 1})
	got, err := p.GetTrust(context.Background(), "acme", "unknown-entity")
	if err != nil {
		t.Fatalf("GetTrust: %v", err)
	}
	if got.Score != 10 || got.Level != 1 {
		t.Fatalf("expected fallback score, got %+v", got)
	}
}

func TestStaticTrustProviderReturnsSeededScore(t *testing.T) {
	p := NewStaticTrustProvider(TrustScore{})
	p.Set("acme", "user-1", TrustScore{Score: 90, Level: 5})
	got, err := p.GetTrust(context.Background(), "acme", "user-1")
	if err != nil {
		t.Fatalf("GetTrust: %v", err)
	}
	if got.Score != 90 || got.Level != 5 {
		t.Fatalf("expected seeded score, got %+v", got)
	}
}

func TestAllowAllCollaboratorsAlwaysAllow(t *testing.T) {
	ruleResult, err := AllowAllRuleEngine{}.Evaluate(context.Background(), "acme", "e1", "deploy", nil)
	if err != nil || ruleResult.Action != ActionAllow {
		t.Fatalf("rule engine: %+v, %v", ruleResult, err)
	}
	policyResult, err := AllowAllPolicyEngine{}.Evaluate(context.Background(), "acme", "e1", "deploy", nil)
	if err != nil || policyResult.Action != ActionAllow {
		t.Fatalf("policy engine: %+v, %v", policyResult, err)
	}
}

func TestAlwaysConsentedRegistryGrantsEveryKind(t *testing.T) {
	granted, err := AlwaysConsentedRegistry{}.HasConsent(context.Background(), "acme", "user-1", ConsentDataProcessing)
	if err != nil || !granted {
		t.Fatalf("expected granted, got %v, %v", granted, err)
	}
}

func TestLoggingAuditSinkDoesNotError(t *testing.T) {
	sink := LoggingAuditSink{}
	if err := sink.Record(context.Background(), "acme", "intent-1", "decision.allow", map[string]interface{}{"k": "v"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestNoopProofRecorderDoesNotError(t *testing.T) {
	if err := (NoopProofRecorder{}).RecordProof(context.Background(), "acme", "intent-1", map[string]interface{}{"action": "allow"}); err != nil {
		t.Fatalf("RecordProof: %v", err)
	}
}
