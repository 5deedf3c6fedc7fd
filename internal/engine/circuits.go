package engine

import (
	"context"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/resilience/breaker"
)

// namedBreaker resolves the engine's two core circuit breakers (spec
// §4.7.2/§4.7.3: the trustEngine and policyEngine breakers) by name.
// Per-subscription webhook breakers are administered through
// GetWebhookCircuitStatus/ResetWebhookCircuit instead, since those are
// keyed by subscription id rather than a fixed name.
func (e *Engine) namedBreaker(name string) (*breaker.Breaker, error) {
	switch name {
	case trustBreakerName:
		return e.TrustBreaker, nil
	case policyBreakerName:
		return e.PolicyBreaker, nil
	default:
		return nil, apierrors.NotFound("circuit_breaker", name)
	}
}

// CircuitStatus implements spec §6's per-name circuit-breaker admin
// status().
func (e *Engine) CircuitStatus(ctx context.Context, name string) (breaker.State, int, error) {
	b, err := e.namedBreaker(name)
	if err != nil {
		return "", 0, err
	}
	return b.Status(ctx)
}

// CircuitForceOpen implements force-open().
func (e *Engine) CircuitForceOpen(ctx context.Context, name string) error {
	b, err := e.namedBreaker(name)
	if err != nil {
		return err
	}
	return b.ForceOpen(ctx)
}

// CircuitForceClose implements force-close().
func (e *Engine) CircuitForceClose(ctx context.Context, name string) error {
	b, err := e.namedBreaker(name)
	if err != nil {
		return err
	}
	return b.ForceClose(ctx)
}

// CircuitReset implements reset().
func (e *Engine) CircuitReset(ctx context.Context, name string) error {
	b, err := e.namedBreaker(name)
	if err != nil {
		return err
	}
	return b.Reset(ctx)
}
