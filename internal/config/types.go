package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Mint policies.
const (
	MintPolicyMulti = "multi" // every mint appends a pledge
	MintPolicyTopUp = "topup" // one live pledge per account, raised in place
)

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Token          TokenConfig          `yaml:"token"`
	Stripe         StripeConfig         `yaml:"stripe"`
	Storage        StorageConfig        `yaml:"storage"`
	Relay          RelayConfig          `yaml:"relay"`
	Reconcile      ReconcileConfig      `yaml:"reconcile"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (empty = open)
	SignatureMaxAge    Duration `yaml:"signature_max_age"`     // Maximum age of a signed request timestamp (default: 5m)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// LedgerConfig holds intent ledger policy.
type LedgerConfig struct {
	Owner                   string `yaml:"owner"`                      // Base58 ed25519 public key of the operator
	MintPolicy              string `yaml:"mint_policy"`                // "multi" (default) or "topup"
	UniqueIntents           bool   `yaml:"unique_intents"`             // Reject a repeated intent id per account (default: true)
	EnforceWindow           bool   `yaml:"enforce_window"`             // Batch settlement requires an open burn window (default: true)
	LockTransfersDuringBurn bool   `yaml:"lock_transfers_during_burn"` // Refuse transfers while the window is open (default: true)
	DefaultBatchLimit       int    `yaml:"default_batch_limit"`        // Accounts per batch call when none is given (default: 10)
}

// TokenConfig describes the minted token.
type TokenConfig struct {
	Name                string   `yaml:"name"`
	Symbol              string   `yaml:"symbol"`
	Decimals            uint8    `yaml:"decimals"`
	AllowedDestinations []string `yaml:"allowed_destinations"` // Transfer allow-list (empty = any registered account)
}

// StripeConfig holds Stripe webhook intake configuration. The ledger never
// calls the Stripe API; it only verifies webhooks and renders capture params.
type StripeConfig struct {
	WebhookSecret      string `yaml:"webhook_secret"`
	Currency           string `yaml:"currency"`             // Card currency backing the token (default: usd)
	AccountMetadataKey string `yaml:"account_metadata_key"` // PaymentIntent metadata key naming the ledger account (default: account_id)
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string              `yaml:"backend"`          // "memory", "postgres", "mongodb", or "file"
	PostgresURL     string              `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string              `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string              `yaml:"mongodb_database"` // MongoDB database name
	FilePath        string              `yaml:"file_path"`        // Path to JSON file for file backend
	PostgresPool    PostgresPoolConfig  `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	SchemaMapping   SchemaMappingConfig `yaml:"schema_mapping"`   // Table/collection name mappings
}

// SchemaMappingConfig holds table/collection name mappings for custom schemas.
type SchemaMappingConfig struct {
	Accounts TableMappingConfig `yaml:"accounts"` // Balances (and, on MongoDB, embedded pledges)
	Intents  TableMappingConfig `yaml:"intents"`  // Pledges (PostgreSQL only)
	State    TableMappingConfig `yaml:"state"`    // Total supply and burn window
}

// TableMappingConfig defines a single table/collection mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"`
}

// RelayConfig configures delivery of settlement instructions to the external capture pipeline.
type RelayConfig struct {
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    Duration          `yaml:"timeout"`
	Retry      RetryConfig       `yaml:"retry"`
	DLQEnabled bool              `yaml:"dlq_enabled"` // Persist deliveries that exhausted retries
	DLQPath    string            `yaml:"dlq_path"`    // File path for DLQ storage (default: ./data/relay-dlq.json)
}

// RetryConfig holds relay retry configuration.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled"`          // Enable retry with exponential backoff (default: true)
	MaxAttempts     int      `yaml:"max_attempts"`     // Maximum attempts (default: 5)
	InitialInterval Duration `yaml:"initial_interval"` // Initial backoff interval (default: 1s)
	MaxInterval     Duration `yaml:"max_interval"`     // Maximum backoff interval (default: 5m)
	Multiplier      float64  `yaml:"multiplier"`       // Backoff multiplier (default: 2.0)
}

// ReconcileConfig drives the scheduled settlement worker.
type ReconcileConfig struct {
	Enabled    bool     `yaml:"enabled"`     // Run the worker (default: false)
	Interval   Duration `yaml:"interval"`    // Time between passes (default: 24h)
	BatchLimit int      `yaml:"batch_limit"` // Accounts per batch call (default: ledger.default_batch_limit)
	ReplayDLQ  bool     `yaml:"replay_dlq"`  // Retry dead-lettered relay deliveries after each pass
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-signer rate limiting (identified by X-Signer header)
	PerSignerEnabled bool     `yaml:"per_signer_enabled"`
	PerSignerLimit   int      `yaml:"per_signer_limit"`
	PerSignerWindow  Duration `yaml:"per_signer_window"`

	// Per-IP rate limiting (fallback when the signer is not identified)
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"` // Enable circuit breakers (default: true)
	Relay   BreakerServiceConfig `yaml:"relay"`   // Settlement relay delivery
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 5)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 60s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 10)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.7)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 20)
}
