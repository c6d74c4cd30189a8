package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/CedrosPay/holdledger/internal/auth"
	apierrors "github.com/CedrosPay/holdledger/internal/errors"
	"github.com/CedrosPay/holdledger/internal/logger"
)

const (
	// HeaderKey is the standard idempotency key header
	HeaderKey = "Idempotency-Key"

	// ReplayHeader marks a response served from the cache.
	ReplayHeader = "X-Idempotency-Replay"

	// DefaultTTL is the default cache duration for idempotent responses (24 hours)
	DefaultTTL = 24 * time.Hour

	maxKeyLength = 255
	maxBodyBytes = 1 << 20
)

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
	}
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) headers() map[string]string {
	out := make(map[string]string, len(rw.ResponseWriter.Header()))
	for key := range rw.ResponseWriter.Header() {
		// A replay keeps the request id of the request that received it.
		if key == http.CanonicalHeaderKey(logger.RequestIDHeader) {
			continue
		}
		out[key] = rw.ResponseWriter.Header().Get(key)
	}
	return out
}

// Middleware replays the first successful response for a repeated
// Idempotency-Key. Keys are scoped by signer, method and path, so it must
// run after auth.RequireSignature. Reusing a key with a different body is
// rejected, as is a duplicate that arrives while the first is in flight.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(rawKey) > maxKeyLength {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "idempotency key too long")
				return
			}

			signer, _ := auth.CallerFromContext(r.Context())
			key := signer + ":" + r.Method + ":" + r.URL.Path + ":" + rawKey

			fingerprint, err := fingerprintBody(r)
			if err != nil {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
				return
			}

			ctx := r.Context()
			if cached, found := store.Get(ctx, key); found {
				if cached.Fingerprint != fingerprint {
					apierrors.WriteSimpleError(w, apierrors.ErrCodeIdempotencyKeyReused, "idempotency key was used with a different request body")
					return
				}
				replay(w, cached)
				return
			}

			if !store.Reserve(ctx, key) {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeRequestInProgress, "a request with this idempotency key is in progress")
				return
			}
			defer store.Release(ctx, key)

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			// Only successes are cached; a failed call may be retried with the same key.
			if rw.statusCode < 200 || rw.statusCode >= 300 {
				return
			}
			response := &Response{
				StatusCode:  rw.statusCode,
				Headers:     rw.headers(),
				Body:        rw.body.Bytes(),
				Fingerprint: fingerprint,
				CachedAt:    time.Now(),
			}
			if err := store.Set(ctx, key, response, ttl); err != nil {
				log := logger.FromContext(ctx)
				log.Warn().Err(err).Msg("idempotency.store_failed")
			}
		})
	}
}

func replay(w http.ResponseWriter, cached *Response) {
	for k, v := range cached.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func fingerprintBody(r *http.Request) (string, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return "", err
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
