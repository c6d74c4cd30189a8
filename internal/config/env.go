package config

import (
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix namespaces every environment override.
const envPrefix = "HOLDLEDGER_"

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "HOLDLEDGER_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "HOLDLEDGER_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "HOLDLEDGER_ADMIN_METRICS_API_KEY")
	setDurationIfEnv(&c.Server.SignatureMaxAge, "HOLDLEDGER_SIGNATURE_MAX_AGE")
	if v := os.Getenv("HOLDLEDGER_CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.CORSAllowedOrigins = splitList(v)
	}

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging
	setIfEnv(&c.Logging.Level, "HOLDLEDGER_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "HOLDLEDGER_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "HOLDLEDGER_ENVIRONMENT")

	// Ledger policy
	setIfEnv(&c.Ledger.Owner, "HOLDLEDGER_OWNER")
	setIfEnv(&c.Ledger.MintPolicy, "HOLDLEDGER_MINT_POLICY")
	setBoolIfEnv(&c.Ledger.UniqueIntents, "HOLDLEDGER_UNIQUE_INTENTS")
	setBoolIfEnv(&c.Ledger.EnforceWindow, "HOLDLEDGER_ENFORCE_WINDOW")
	setBoolIfEnv(&c.Ledger.LockTransfersDuringBurn, "HOLDLEDGER_LOCK_TRANSFERS_DURING_BURN")
	setIntIfEnv(&c.Ledger.DefaultBatchLimit, "HOLDLEDGER_DEFAULT_BATCH_LIMIT")

	// Token
	setIfEnv(&c.Token.Name, "HOLDLEDGER_TOKEN_NAME")
	setIfEnv(&c.Token.Symbol, "HOLDLEDGER_TOKEN_SYMBOL")
	if v := os.Getenv("HOLDLEDGER_TOKEN_ALLOWED_DESTINATIONS"); v != "" {
		c.Token.AllowedDestinations = splitList(v)
	}

	// Stripe
	setIfEnv(&c.Stripe.WebhookSecret, "HOLDLEDGER_STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.Currency, "HOLDLEDGER_STRIPE_CURRENCY")
	setIfEnv(&c.Stripe.AccountMetadataKey, "HOLDLEDGER_STRIPE_ACCOUNT_METADATA_KEY")

	// Storage
	setIfEnv(&c.Storage.Backend, "HOLDLEDGER_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "HOLDLEDGER_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "HOLDLEDGER_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "HOLDLEDGER_MONGODB_DATABASE")
	setIfEnv(&c.Storage.FilePath, "HOLDLEDGER_STORAGE_FILE_PATH")

	// Relay
	setIfEnv(&c.Relay.URL, "HOLDLEDGER_RELAY_URL")
	setDurationIfEnv(&c.Relay.Timeout, "HOLDLEDGER_RELAY_TIMEOUT")
	setBoolIfEnv(&c.Relay.DLQEnabled, "HOLDLEDGER_RELAY_DLQ_ENABLED")
	setIfEnv(&c.Relay.DLQPath, "HOLDLEDGER_RELAY_DLQ_PATH")
	loadHeaderEnv(&c.Relay.Headers, "HOLDLEDGER_RELAY_HEADER_")

	// Reconcile worker
	setBoolIfEnv(&c.Reconcile.Enabled, "HOLDLEDGER_RECONCILE_ENABLED")
	setDurationIfEnv(&c.Reconcile.Interval, "HOLDLEDGER_RECONCILE_INTERVAL")
	setIntIfEnv(&c.Reconcile.BatchLimit, "HOLDLEDGER_RECONCILE_BATCH_LIMIT")
	setBoolIfEnv(&c.Reconcile.ReplayDLQ, "HOLDLEDGER_RECONCILE_REPLAY_DLQ")
}

// loadHeaderEnv collects PREFIX_X_CUSTOM=value variables as "X-Custom: value" headers.
func loadHeaderEnv(target *map[string]string, prefix string) {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], prefix)
		if name == "" {
			continue
		}
		if *target == nil {
			*target = make(map[string]string)
		}
		headerName := textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
		(*target)[headerName] = parts[1]
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1" and any casing of "true" as true; anything else is false.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable, ignoring malformed values.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
