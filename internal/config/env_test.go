package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides(t *testing.T) {
	defer clearEnv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name:    "HOLDLEDGER_SERVER_ADDRESS overrides default",
			envVars: map[string]string{"HOLDLEDGER_SERVER_ADDRESS": ":3000"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("Expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name:    "route prefix is normalized",
			envVars: map[string]string{"HOLDLEDGER_ROUTE_PREFIX": "ledger/"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/ledger" {
					t.Errorf("Expected /ledger, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name: "ledger policy flags",
			envVars: map[string]string{
				"HOLDLEDGER_MINT_POLICY":                "topup",
				"HOLDLEDGER_ENFORCE_WINDOW":             "false",
				"HOLDLEDGER_LOCK_TRANSFERS_DURING_BURN": "0",
				"HOLDLEDGER_DEFAULT_BATCH_LIMIT":        "50",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Ledger.MintPolicy != "topup" {
					t.Errorf("MintPolicy = %s", cfg.Ledger.MintPolicy)
				}
				if cfg.Ledger.EnforceWindow || cfg.Ledger.LockTransfersDuringBurn {
					t.Errorf("flags not disabled: %+v", cfg.Ledger)
				}
				if cfg.Ledger.DefaultBatchLimit != 50 {
					t.Errorf("DefaultBatchLimit = %d", cfg.Ledger.DefaultBatchLimit)
				}
			},
		},
		{
			name:    "malformed int is ignored",
			envVars: map[string]string{"HOLDLEDGER_DEFAULT_BATCH_LIMIT": "lots"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Ledger.DefaultBatchLimit != 10 {
					t.Errorf("DefaultBatchLimit = %d, want default 10", cfg.Ledger.DefaultBatchLimit)
				}
			},
		},
		{
			name: "relay headers and timeout",
			envVars: map[string]string{
				"HOLDLEDGER_RELAY_URL":                 "https://pipeline.example.com",
				"HOLDLEDGER_RELAY_TIMEOUT":             "12s",
				"HOLDLEDGER_RELAY_HEADER_AUTHORIZATION": "Bearer abc",
				"HOLDLEDGER_RELAY_HEADER_X_SOURCE":     "ledger",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Relay.Timeout.Duration != 12*time.Second {
					t.Errorf("Timeout = %v", cfg.Relay.Timeout.Duration)
				}
				if cfg.Relay.Headers["Authorization"] != "Bearer abc" {
					t.Errorf("Authorization header = %q", cfg.Relay.Headers["Authorization"])
				}
				if cfg.Relay.Headers["X-Source"] != "ledger" {
					t.Errorf("X-Source header = %q", cfg.Relay.Headers["X-Source"])
				}
			},
		},
		{
			name:    "allowed destinations list",
			envVars: map[string]string{"HOLDLEDGER_TOKEN_ALLOWED_DESTINATIONS": "market, , escrow"},
			checkFunc: func(t *testing.T, cfg *Config) {
				got := cfg.Token.AllowedDestinations
				if len(got) != 2 || got[0] != "market" || got[1] != "escrow" {
					t.Errorf("AllowedDestinations = %v", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestNormalizeRoutePrefix(t *testing.T) {
	tests := map[string]string{
		"":        "",
		"api":     "/api",
		"/api/":   "/api",
		" /v2 ":   "/v2",
		"/nested": "/nested",
	}
	for in, want := range tests {
		if got := normalizeRoutePrefix(in); got != want {
			t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
