// Package ratelimit implements the sliding-window rate limiter (C1, spec
// §4.1): atomic check-and-consume over the shared ephemeral store, with
// tenant-override → type-limit → service-default resolution and an
// optional combined tenant+entity variant.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/vorion/intentengine/internal/apierrors"
	"github.com/vorion/intentengine/internal/ephemeral"
	"github.com/vorion/intentengine/internal/metrics"
)

// Rule is a resolved limit/window pair.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Result mirrors spec §4.1's check_and_consume response shape.
type Result struct {
	Allowed      bool
	Current      int
	Limit        int
	Remaining    int
	ResetInS     int
	RetryAfterS  int
}

// RuleResolver resolves the effective rule for a (tenant, intentType) pair,
// applying tenant-specific override → type-specific limit → service
// default priority (spec §4.1). Implemented by internal/config.Config in
// production; kept as an interface here so this package has no import
// cycle on config.
type RuleResolver interface {
	RateLimitFor(intentType string) (limit, windowSeconds int)
	TenantOverrideFor(tenant, intentType string) (limit, windowSeconds int, ok bool)
}

// Limiter is the C1 component.
type Limiter struct {
	store    ephemeral.Store
	resolver RuleResolver
	metrics  *metrics.Metrics
}

// New builds a Limiter over store, resolving rules via resolver.
func New(store ephemeral.Store, resolver RuleResolver, m *metrics.Metrics) *Limiter {
	return &Limiter{store: store, resolver: resolver, metrics: m}
}

func tenantKey(tenant, intentType string) string {
	return fmt.Sprintf("ratelimit:%s:%s", tenant, intentType)
}

func entityKey(tenant, entity string) string {
	return fmt.Sprintf("ratelimit:entity:%s:%s", tenant, entity)
}

func (l *Limiter) resolveRule(tenant, intentType string) Rule {
	if limit, windowSeconds, ok := l.resolver.TenantOverrideFor(tenant, intentType); ok {
		return Rule{Limit: limit, Window: time.Duration(windowSeconds) * time.Second}
	}
	limit, windowSeconds := l.resolver.RateLimitFor(intentType)
	return Rule{Limit: limit, Window: time.Duration(windowSeconds) * time.Second}
}

// CheckAndConsume implements spec §4.1's check_and_consume for a tenant (and
// optional intent type), consulting the single-key sliding window.
func (l *Limiter) CheckAndConsume(ctx context.Context, tenant, intentType string) (Result, error) {
	rule := l.resolveRule(tenant, intentType)
	scope := tenantKey(tenant, intentType)

	res, err := l.store.CheckAndConsumeSlidingWindow(ctx, scope, rule.Window, rule.Limit, time.Now())
	if err != nil {
		l.observe(scope, false)
		return Result{}, apierrors.Wrap(apierrors.CodeInternal, "rate limiter store error", err)
	}
	l.observe(scope, res.Allowed)
	l.recordUsage(scope, res)

	out := Result{
		Allowed:   res.Allowed,
		Current:   res.Current,
		Limit:     res.Limit,
		Remaining: res.Limit - res.Current,
		ResetInS:  res.ResetInS,
	}
	if out.Remaining < 0 {
		out.Remaining = 0
	}
	if !res.Allowed {
		out.RetryAfterS = res.ResetInS
	}
	return out, nil
}

// CheckAndConsumeWithEntity implements spec §4.1's combined tenant+entity
// variant: only passes if both the tenant and the entity are under their
// respective limits. When denied, Current, Limit, ResetInS and RetryAfterS
// come from the counter that blocked; Result has no field naming which of
// the two it was.
func (l *Limiter) CheckAndConsumeWithEntity(ctx context.Context, tenant, entity, intentType string) (Result, error) {
	rule := l.resolveRule(tenant, intentType)
	tKey := tenantKey(tenant, intentType)
	eKey := entityKey(tenant, entity)

	// Entity limits share the tenant's window/limit absent a distinct
	// per-entity override in config; the combined script still evaluates
	// them as two independent counters.
	allowed, blocked, tenantRes, entityRes, err := l.store.CheckAndConsumeCombined(ctx, tKey, eKey, rule.Window, rule.Limit, rule.Limit, time.Now())
	if err != nil {
		l.observe(tKey, false)
		return Result{}, apierrors.Wrap(apierrors.CodeInternal, "rate limiter store error", err)
	}
	l.observe(tKey, allowed)

	scopeResult := tenantRes
	if blocked == eKey {
		scopeResult = entityRes
	}
	l.recordUsage(tKey, scopeResult)

	out := Result{
		Allowed:   allowed,
		Current:   scopeResult.Current,
		Limit:     scopeResult.Limit,
		Remaining: scopeResult.Limit - scopeResult.Current,
		ResetInS:  scopeResult.ResetInS,
	}
	if out.Remaining < 0 {
		out.Remaining = 0
	}
	if !allowed {
		out.RetryAfterS = scopeResult.ResetInS
	}
	return out, nil
}

func (l *Limiter) observe(scope string, allowed bool) {
	if l.metrics == nil {
		return
	}
	l.metrics.RateLimitChecks.WithLabelValues(scope).Inc()
	if !allowed {
		l.metrics.RateLimitDenied.WithLabelValues(scope).Inc()
	}
}

func (l *Limiter) recordUsage(scope string, res ephemeral.SlidingWindowResult) {
	if l.metrics == nil || res.Limit == 0 {
		return
	}
	l.metrics.RateLimitUsage.WithLabelValues(scope).Set(float64(res.Current) / float64(res.Limit))
}
