package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/CedrosPay/holdledger/internal/errors"
)

// adminMetricsAuth protects /metrics with "Authorization: Bearer {key}".
// An empty key leaves the endpoint open.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	expected := []byte("Bearer " + apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAPIKey, "Invalid or missing admin API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
