package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/schema"
	"github.com/CedrosPay/holdledger/internal/solana"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.SignatureMaxAge.Duration <= 0 {
		c.Server.SignatureMaxAge = Duration{Duration: 5 * time.Minute}
	}

	c.Ledger.MintPolicy = strings.ToLower(strings.TrimSpace(c.Ledger.MintPolicy))
	if c.Ledger.MintPolicy == "" {
		c.Ledger.MintPolicy = MintPolicyMulti
	}
	if c.Ledger.DefaultBatchLimit <= 0 {
		c.Ledger.DefaultBatchLimit = 10
	}
	if c.Reconcile.BatchLimit <= 0 {
		c.Reconcile.BatchLimit = c.Ledger.DefaultBatchLimit
	}
	if c.Reconcile.Interval.Duration <= 0 {
		c.Reconcile.Interval = Duration{Duration: 24 * time.Hour}
	}

	if c.Stripe.Currency == "" {
		c.Stripe.Currency = "usd"
	}
	c.Stripe.Currency = strings.ToLower(c.Stripe.Currency)
	if c.Stripe.AccountMetadataKey == "" {
		c.Stripe.AccountMetadataKey = "account_id"
	}

	if c.Relay.Timeout.Duration <= 0 {
		c.Relay.Timeout = Duration{Duration: 5 * time.Second}
	}
	if c.Relay.Headers == nil {
		c.Relay.Headers = make(map[string]string)
	}
	if c.Relay.DLQPath == "" {
		c.Relay.DLQPath = "./data/relay-dlq.json"
	}

	if c.Storage.MongoDBURL != "" && c.Storage.MongoDBDatabase == "" {
		c.Storage.MongoDBDatabase = "holdledger"
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	// Ledger validation
	if c.Ledger.Owner == "" {
		errs = append(errs, "ledger.owner is required")
	} else if _, err := solana.ParseAccount(c.Ledger.Owner); err != nil {
		errs = append(errs, fmt.Sprintf("ledger.owner must be a base58 ed25519 public key: %v", err))
	}
	switch c.Ledger.MintPolicy {
	case MintPolicyMulti, MintPolicyTopUp:
	default:
		errs = append(errs, fmt.Sprintf("ledger.mint_policy %q must be %q or %q", c.Ledger.MintPolicy, MintPolicyMulti, MintPolicyTopUp))
	}

	// Token validation: one atomic unit must equal one minor unit of the card currency.
	if err := c.TokenMetadata().Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("token: %v", err))
	}
	for _, dest := range c.Token.AllowedDestinations {
		if strings.TrimSpace(dest) == "" {
			errs = append(errs, "token.allowed_destinations must not contain empty entries")
			break
		}
	}

	// Storage validation
	switch c.Storage.Backend {
	case "", "memory", "file":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported", c.Storage.Backend))
	}
	mapping := c.Storage.SchemaMapping
	if err := schema.Defaults().Override(mapping.Accounts.TableName, mapping.Intents.TableName, mapping.State.TableName).Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("storage.schema_mapping: %v", err))
	}

	// Relay validation
	if c.Relay.URL != "" {
		if err := validateHTTPURL(c.Relay.URL); err != nil {
			errs = append(errs, fmt.Sprintf("relay.url: %v", err))
		}
		if c.Relay.Retry.Enabled {
			if c.Relay.Retry.MaxAttempts <= 0 {
				errs = append(errs, "relay.retry.max_attempts must be positive when retry is enabled")
			}
			if c.Relay.Retry.Multiplier < 1 {
				errs = append(errs, "relay.retry.multiplier must be at least 1")
			}
		}
	}

	if c.CircuitBreaker.Enabled {
		if r := c.CircuitBreaker.Relay.FailureRatio; r < 0 || r > 1 {
			errs = append(errs, "circuit_breaker.relay.failure_ratio must be between 0 and 1")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// TokenMetadata returns the token description combined with its backing card currency.
func (c *Config) TokenMetadata() money.Token {
	return money.Token{
		Name:           c.Token.Name,
		Symbol:         c.Token.Symbol,
		Decimals:       c.Token.Decimals,
		StripeCurrency: c.Stripe.Currency,
	}
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return errors.New("missing scheme")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
