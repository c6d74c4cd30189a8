package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/CedrosPay/holdledger/internal/config"
	apierrors "github.com/CedrosPay/holdledger/internal/errors"
	"github.com/CedrosPay/holdledger/internal/metrics"
	"github.com/go-chi/httprate"
)

// Limit types reported in metrics and responses.
const (
	LimitGlobal    = "global"
	LimitPerSigner = "per_signer"
	LimitPerIP     = "per_ip"
)

// signerHeader matches auth.HeaderSigner. Limiting runs before signature
// verification, so an unverified signer only spends its own budget.
const signerHeader = "X-Signer"

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-signer rate limiting (identified by the X-Signer header)
	PerSignerEnabled bool
	PerSignerLimit   int
	PerSignerWindow  time.Duration

	// Per-IP rate limiting
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// DefaultConfig returns generous limits that stop obvious spam.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		PerSignerEnabled: true,
		PerSignerLimit:   60,
		PerSignerWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

// FromConfig converts the YAML rate limit section.
func FromConfig(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:    cfg.GlobalEnabled,
		GlobalLimit:      cfg.GlobalLimit,
		GlobalWindow:     cfg.GlobalWindow.Duration,
		PerSignerEnabled: cfg.PerSignerEnabled,
		PerSignerLimit:   cfg.PerSignerLimit,
		PerSignerWindow:  cfg.PerSignerWindow.Duration,
		PerIPEnabled:     cfg.PerIPEnabled,
		PerIPLimit:       cfg.PerIPLimit,
		PerIPWindow:      cfg.PerIPWindow.Duration,
		Metrics:          m,
	}
}

// createRateLimitHandler builds the 429 responder shared by all limiters.
func createRateLimitHandler(limitType string, window time.Duration, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	retryAfter := int(window.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	var message string
	switch limitType {
	case LimitGlobal:
		message = "Global rate limit exceeded. Please try again later."
	case LimitPerSigner:
		message = "Per-signer rate limit exceeded. Please try again later."
	case LimitPerIP:
		message = "IP rate limit exceeded. Please try again later."
	default:
		message = "Rate limit exceeded. Please try again later."
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if m != nil {
			m.ObserveRateLimit(limitType)
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		apierrors.WriteError(w, apierrors.ErrCodeRateLimited, message, map[string]interface{}{
			"limit_type":          limitType,
			"retry_after_seconds": retryAfter,
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled || cfg.GlobalLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(createRateLimitHandler(LimitGlobal, cfg.GlobalWindow, cfg.Metrics)),
	)
}

// SignerLimiter creates a per-signer rate limiter middleware. Requests
// without a signer fall back to their IP.
func SignerLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerSignerEnabled || cfg.PerSignerLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerSignerLimit,
		cfg.PerSignerWindow,
		httprate.WithKeyFuncs(signerKeyExtractor),
		httprate.WithLimitHandler(createRateLimitHandler(LimitPerSigner, cfg.PerSignerWindow, cfg.Metrics)),
	)
}

// IPLimiter creates a per-IP rate limiter middleware.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(createRateLimitHandler(LimitPerIP, cfg.PerIPWindow, cfg.Metrics)),
	)
}

// signerKeyExtractor is a httprate.KeyFunc keyed on X-Signer.
func signerKeyExtractor(r *http.Request) (string, error) {
	signer := r.Header.Get(signerHeader)
	if signer == "" {
		return httprate.KeyByIP(r)
	}
	return "signer:" + signer, nil
}
