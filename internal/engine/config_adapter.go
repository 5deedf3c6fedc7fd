package engine

import (
	"github.com/vorion/intentengine/internal/collaborators"
	"github.com/vorion/intentengine/internal/config"
)

// configAdapter narrows *config.Config to the interfaces intake, pipeline,
// and ratelimit each declare independently to stay free of an import cycle
// on internal/config (spec §9: components talk through interfaces, never
// mutual imports). It embeds *config.Config for the methods that already
// match (MinTrustLevelFor, MaxInFlightFor) and shadows/adds the rest under
// the names those packages expect.
type configAdapter struct {
	*config.Config
}

// RedactionPaths satisfies intake.Config. Named distinctly from
// config.Structured.SensitivePaths (a method can't share a field name on
// the same struct — see intake.Config's doc comment).
func (c configAdapter) RedactionPaths() []string {
	return c.SensitivePaths
}

// EncryptionEnabled satisfies intake.Config, reading config.Env's flat
// EncryptContext toggle.
func (c configAdapter) EncryptionEnabled() bool {
	return c.EncryptContext
}

// Limits satisfies pipeline.SandboxLimitsConfig: a single tenant-wide
// resource cap rather than a per-intent-type family, matching the
// cognigate.* config key's shape.
func (c configAdapter) Limits() collaborators.ResourceLimits {
	return collaborators.ResourceLimits{
		MaxMemoryMB:   c.Sandbox.MaxMemoryMB,
		MaxCPUPercent: c.Sandbox.MaxCPUPercent,
		Timeout:       c.Sandbox.Timeout,
	}
}

// RateLimitFor satisfies ratelimit.RuleResolver, shadowing the promoted
// *config.Config.RateLimitFor (which returns the richer RateLimitRule
// shape the rest of the engine uses) with the (limit, windowSeconds)
// tuple the rate limiter package expects.
func (c configAdapter) RateLimitFor(intentType string) (limit, windowSeconds int) {
	rule := c.Config.RateLimitFor(intentType)
	return rule.Limit, rule.WindowSeconds
}

// TenantOverrideFor satisfies ratelimit.RuleResolver's tenant-specific
// override tier. The config.yaml schema (spec §6's environment
// configuration list) has no tenant→rate-limit override map — only
// tenantMaxInFlight, which is a distinct concurrency cap — so this tier of
// the priority chain always falls through to the type-specific limit.
func (c configAdapter) TenantOverrideFor(tenant, intentType string) (limit, windowSeconds int, ok bool) {
	return 0, 0, false
}
