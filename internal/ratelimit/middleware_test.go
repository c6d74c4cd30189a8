package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/CedrosPay/holdledger/internal/config"
	apierrors "github.com/CedrosPay/holdledger/internal/errors"
	"github.com/CedrosPay/holdledger/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.GlobalEnabled || cfg.GlobalLimit != 1000 {
		t.Errorf("global = %v/%d", cfg.GlobalEnabled, cfg.GlobalLimit)
	}
	if !cfg.PerSignerEnabled || cfg.PerSignerLimit != 60 {
		t.Errorf("per-signer = %v/%d", cfg.PerSignerEnabled, cfg.PerSignerLimit)
	}
	if !cfg.PerIPEnabled {
		t.Error("Expected per-IP rate limiting to be enabled by default")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.RateLimitConfig{
		PerSignerEnabled: true,
		PerSignerLimit:   7,
		PerSignerWindow:  config.Duration{Duration: 30 * time.Second},
	}, nil)

	if !cfg.PerSignerEnabled || cfg.PerSignerLimit != 7 || cfg.PerSignerWindow != 30*time.Second {
		t.Errorf("FromConfig = %+v", cfg)
	}
	if cfg.GlobalEnabled {
		t.Error("global should stay disabled")
	}
}

func TestGlobalLimiter_Disabled(t *testing.T) {
	handler := GlobalLimiter(Config{GlobalEnabled: false})(okHandler())

	for i := 0; i < 100; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1/supply", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestGlobalLimiter_EnforcesLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	handler := GlobalLimiter(Config{
		GlobalEnabled: true,
		GlobalLimit:   5,
		GlobalWindow:  time.Minute,
		Metrics:       m,
	})(okHandler())

	// Different IPs share the global budget.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/v1/supply", nil)
		req.RemoteAddr = fmt.Sprintf("10.0.0.%d:1000", i+1)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/v1/supply", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 after limit exceeded, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	var resp apierrors.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error.Code != apierrors.ErrCodeRateLimited || !resp.Error.Retryable {
		t.Errorf("response = %+v", resp.Error)
	}
	if resp.Error.Details["limit_type"] != LimitGlobal {
		t.Errorf("details = %v", resp.Error.Details)
	}
	if got := testutil.ToFloat64(m.RateLimitHitsTotal.WithLabelValues(LimitGlobal)); got != 1 {
		t.Errorf("rate limit hits = %v, want 1", got)
	}
}

func TestSignerLimiter_PerSignerLimit(t *testing.T) {
	handler := SignerLimiter(Config{
		PerSignerEnabled: true,
		PerSignerLimit:   3,
		PerSignerWindow:  time.Minute,
	})(okHandler())

	send := func(signer string) int {
		req := httptest.NewRequest("POST", "/v1/transfer", nil)
		req.Header.Set("X-Signer", signer)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 3; i++ {
		if code := send("SignerOne"); code != http.StatusOK {
			t.Fatalf("SignerOne request %d: got %d", i, code)
		}
	}
	if code := send("SignerOne"); code != http.StatusTooManyRequests {
		t.Errorf("SignerOne: expected 429 after limit, got %d", code)
	}
	if code := send("SignerTwo"); code != http.StatusOK {
		t.Errorf("SignerTwo: expected 200, got %d", code)
	}
}

func TestSignerLimiter_FallbackToIP(t *testing.T) {
	handler := SignerLimiter(Config{
		PerSignerEnabled: true,
		PerSignerLimit:   3,
		PerSignerWindow:  time.Minute,
	})(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/v1/supply", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/v1/supply", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after IP limit, got %d", w.Code)
	}
}

func TestSignerKeyExtractor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Signer", "Alice")
	key, err := signerKeyExtractor(req)
	if err != nil || key != "signer:Alice" {
		t.Errorf("key = %q, err = %v", key, err)
	}
}

func TestIPLimiter_EnforcesLimit(t *testing.T) {
	handler := IPLimiter(Config{
		PerIPEnabled: true,
		PerIPLimit:   3,
		PerIPWindow:  time.Minute,
	})(okHandler())

	ip := "192.168.1.100:54321"
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = ip
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = ip
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after IP limit, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.101:54321"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Different IP: Expected 200, got %d", w.Code)
	}
}
