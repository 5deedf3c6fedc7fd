// Package config loads the intent engine's runtime configuration from the
// environment (with an optional .env file and a YAML overlay for the
// nested/structured keys), the way the teacher's infrastructure/config
// loader centralizes all tunables behind one struct instead of scattering
// os.Getenv calls through the codebase.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RateLimitRule is one entry of the rateLimits.* family (default, highRisk,
// dataExport, adminAction).
type RateLimitRule struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"windowSeconds"`
}

// RateLimits holds the per-intent-type rate limit rules named in spec §6.
// Types outside this fixed set fall through to Default (spec §9 open
// question, resolved as: silent fallthrough, matching observed behavior).
type RateLimits struct {
	Default    RateLimitRule `yaml:"default"`
	HighRisk   RateLimitRule `yaml:"highRisk"`
	DataExport RateLimitRule `yaml:"dataExport"`
	AdminAction RateLimitRule `yaml:"adminAction"`
}

// WebhookConfig is the webhook.* family.
type WebhookConfig struct {
	TimeoutMs               int  `yaml:"timeoutMs"`
	RetryAttempts           int  `yaml:"retryAttempts"`
	RetryDelayMs            int  `yaml:"retryDelayMs"`
	AllowDNSChange          bool `yaml:"allowDnsChange"`
	CircuitFailureThreshold int  `yaml:"circuitFailureThreshold"`
	CircuitResetTimeoutMs   int  `yaml:"circuitResetTimeoutMs"`
}

// SandboxConfig is the cognigate.* family (execution sandbox resource caps).
type SandboxConfig struct {
	MaxMemoryMB   int           `yaml:"maxMemoryMb"`
	MaxCPUPercent int           `yaml:"maxCpuPercent"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
}

// CircuitBreakerRule configures one named dependency's breaker.
type CircuitBreakerRule struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	HalfOpenMax      int           `yaml:"halfOpenMax"`
}

// Env holds every value read directly from environment variables via
// envdecode — the flat, scalar tunables.
type Env struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisAddr   string `env:"REDIS_ADDR,required"`
	RedisDB     int    `env:"REDIS_DB,default=0"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	QueueConcurrency int `env:"QUEUE_CONCURRENCY,default=10"`
	MaxRetries       int `env:"MAX_RETRIES,default=3"`
	RetryBackoffMs   int `env:"RETRY_BACKOFF_MS,default=1000"`
	JobTimeoutMs     int `env:"JOB_TIMEOUT_MS,default=30000"`

	EventRetentionDays      int `env:"EVENT_RETENTION_DAYS,default=90"`
	SoftDeleteRetentionDays int `env:"SOFT_DELETE_RETENTION_DAYS,default=30"`

	DedupeTTLSeconds             int    `env:"DEDUPE_TTL_SECONDS,default=300"`
	DedupeTimestampWindowSeconds int    `env:"DEDUPE_TIMESTAMP_WINDOW_SECONDS,default=300"`
	DedupeSecret                 string `env:"DEDUPE_SECRET,required"`

	// EncryptionMasterSecret seeds vcrypto.EnvelopeCipher's per-purpose key
	// derivation for webhook secrets-at-rest and (when EncryptContext is
	// set) intent context/metadata. Kept distinct from DedupeSecret: one is
	// an HMAC key for fingerprinting, the other an AEAD master key — no
	// reason to couple their rotation.
	EncryptionMasterSecret string `env:"ENCRYPTION_MASTER_SECRET,required"`

	EncryptContext bool `env:"ENCRYPT_CONTEXT,default=false"`

	DefaultMinTrustLevel int `env:"DEFAULT_MIN_TRUST_LEVEL,default=1"`
	DefaultMaxInFlight   int `env:"DEFAULT_MAX_IN_FLIGHT,default=50"`

	// StructuredConfigPath points at the YAML overlay holding sensitivePaths,
	// trustGates, tenantMaxInFlight, rateLimits, webhook, cognigate, and the
	// circuit-breaker registry — keys too nested to live comfortably as
	// environment variables.
	StructuredConfigPath string `env:"CONFIG_FILE,default=config.yaml"`
}

// Structured holds the map/list-shaped tunables loaded from the YAML
// overlay named by Env.StructuredConfigPath.
type Structured struct {
	SensitivePaths    []string                      `yaml:"sensitivePaths"`
	TrustGates        map[string]int                `yaml:"trustGates"`
	TenantMaxInFlight map[string]int                `yaml:"tenantMaxInFlight"`
	RateLimits        RateLimits                    `yaml:"rateLimits"`
	Webhook           WebhookConfig                 `yaml:"webhook"`
	Sandbox           SandboxConfig                 `yaml:"cognigate"`
	CircuitBreakers   map[string]CircuitBreakerRule  `yaml:"circuitBreakers"`
}

// Config is the fully assembled runtime configuration.
type Config struct {
	Env
	Structured
}

// Load reads a .env file (if present, silently ignored if not), decodes the
// flat Env struct from the process environment, then reads and parses the
// YAML overlay named by CONFIG_FILE. Mirrors the teacher's layered
// env-then-file precedence in infrastructure/config/loader.go, minus its
// Marble/TEE secret-file fallback (no enclave in scope here).
func Load() (*Config, error) {
	_ = godotenv.Load()

	var env Env
	if err := envdecode.Decode(&env); err != nil {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}

	structured, err := loadStructured(env.StructuredConfigPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Env: env, Structured: *structured}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadStructured(path string) (*Structured, error) {
	s := defaultStructured()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return s, nil
}

func defaultStructured() *Structured {
	return &Structured{
		RateLimits: RateLimits{
			Default: RateLimitRule{Limit: 100, WindowSeconds: 60},
		},
		Webhook: WebhookConfig{
			TimeoutMs:               10000,
			RetryAttempts:           3,
			RetryDelayMs:            1000,
			CircuitFailureThreshold: 5,
			CircuitResetTimeoutMs:   300000,
		},
		Sandbox: SandboxConfig{
			Timeout: 30 * time.Second,
		},
		TrustGates:        map[string]int{},
		TenantMaxInFlight: map[string]int{},
		CircuitBreakers:   map[string]CircuitBreakerRule{},
	}
}

func (c *Config) validate() error {
	if c.Webhook.TimeoutMs < 1000 || c.Webhook.TimeoutMs > 60000 {
		return fmt.Errorf("config: webhook.timeoutMs %d out of bounds [1000, 60000]", c.Webhook.TimeoutMs)
	}
	if c.QueueConcurrency <= 0 {
		return fmt.Errorf("config: queueConcurrency must be positive")
	}
	if strings.TrimSpace(c.DedupeSecret) == "" {
		return fmt.Errorf("config: dedupeSecret must not be blank")
	}
	if strings.TrimSpace(c.EncryptionMasterSecret) == "" {
		return fmt.Errorf("config: encryptionMasterSecret must not be blank")
	}
	return nil
}

// RateLimitFor returns the rule for a recognized intent type, or Default for
// anything else — per spec §9, unrecognized types silently fall through.
func (c *Config) RateLimitFor(intentType string) RateLimitRule {
	switch intentType {
	case "high-risk":
		return c.RateLimits.HighRisk
	case "data-export":
		return c.RateLimits.DataExport
	case "admin-action":
		return c.RateLimits.AdminAction
	default:
		return c.RateLimits.Default
	}
}

// MaxInFlightFor returns the tenant's configured concurrency cap, or
// DefaultMaxInFlight when the tenant has no override.
func (c *Config) MaxInFlightFor(tenant string) int {
	if v, ok := c.TenantMaxInFlight[tenant]; ok {
		return v
	}
	return c.DefaultMaxInFlight
}

// MinTrustLevelFor returns the configured trust gate for an intent type, or
// DefaultMinTrustLevel when unset.
func (c *Config) MinTrustLevelFor(intentType string) int {
	if v, ok := c.TrustGates[intentType]; ok {
		return v
	}
	return c.DefaultMinTrustLevel
}
