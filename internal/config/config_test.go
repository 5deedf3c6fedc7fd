package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/intentengine")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DEDUPE_SECRET", "test-secret")
	t.Setenv("ENCRYPTION_MASTER_SECRET", "test-master-secret")
	t.Setenv("CONFIG_FILE", "")
}

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.QueueConcurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 10000, cfg.Webhook.TimeoutMs)
	assert.Equal(t, 100, cfg.RateLimits.Default.Limit)
}

func TestLoadStructuredOverlay(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
sensitivePaths:
  - "$.context.ssn"
trustGates:
  high-risk: 3
tenantMaxInFlight:
  tenant-a: 5
rateLimits:
  default:
    limit: 100
    windowSeconds: 60
  highRisk:
    limit: 3
    windowSeconds: 60
webhook:
  timeoutMs: 5000
  retryAttempts: 5
  circuitFailureThreshold: 5
  circuitResetTimeoutMs: 300000
cognigate:
  maxMemoryMb: 256
  maxCpuPercent: 50
  maxConcurrent: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"$.context.ssn"}, cfg.SensitivePaths)
	assert.Equal(t, 3, cfg.TrustGates["high-risk"])
	assert.Equal(t, 5, cfg.TenantMaxInFlight["tenant-a"])
	assert.Equal(t, 5000, cfg.Webhook.TimeoutMs)
	assert.Equal(t, 256, cfg.Sandbox.MaxMemoryMB)
}

func TestValidateRejectsWebhookTimeoutOutOfRange(t *testing.T) {
	setRequiredEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("webhook:\n  timeoutMs: 100\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
}

func TestRateLimitForFallsThroughToDefault(t *testing.T) {
	cfg := &Config{Structured: Structured{
		RateLimits: RateLimits{
			Default:  RateLimitRule{Limit: 10, WindowSeconds: 60},
			HighRisk: RateLimitRule{Limit: 2, WindowSeconds: 60},
		},
	}}
	assert.Equal(t, 2, cfg.RateLimitFor("high-risk").Limit)
	assert.Equal(t, 10, cfg.RateLimitFor("unknown-type").Limit)
}

func TestMaxInFlightForOverrideAndDefault(t *testing.T) {
	cfg := &Config{
		Env:        Env{DefaultMaxInFlight: 20},
		Structured: Structured{TenantMaxInFlight: map[string]int{"tenant-a": 5}},
	}
	assert.Equal(t, 5, cfg.MaxInFlightFor("tenant-a"))
	assert.Equal(t, 20, cfg.MaxInFlightFor("tenant-b"))
}

func TestMinTrustLevelForOverrideAndDefault(t *testing.T) {
	cfg := &Config{
		Env:        Env{DefaultMinTrustLevel: 1},
		Structured: Structured{TrustGates: map[string]int{"high-risk": 3}},
	}
	assert.Equal(t, 3, cfg.MinTrustLevelFor("high-risk"))
	assert.Equal(t, 1, cfg.MinTrustLevelFor("default"))
}
