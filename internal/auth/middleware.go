package auth

import (
	"context"
	"errors"
	"net/http"

	apierrors "github.com/CedrosPay/holdledger/internal/errors"
	"github.com/CedrosPay/holdledger/internal/logger"
)

type contextKey string

const callerKey contextKey = "caller"

// WithCaller stores the authenticated signer in ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the authenticated signer, if any.
func CallerFromContext(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey).(string)
	return caller, ok && caller != ""
}

// RequireSignature rejects unsigned or badly signed requests and stores the
// signer as the caller for downstream handlers.
func RequireSignature(sv *SignatureVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := sv.VerifyRequest(r)
			if err != nil {
				code := apierrors.ErrCodeInvalidSignature
				switch {
				case errors.Is(err, ErrMissingSignature):
					code = apierrors.ErrCodeMissingSignature
				case errors.Is(err, ErrExpired):
					code = apierrors.ErrCodeSignatureExpired
				}
				log := logger.FromContext(r.Context())
				log.Warn().Err(err).Str("signer", logger.TruncateAddress(r.Header.Get(HeaderSigner))).Msg("auth.rejected")
				apierrors.WriteSimpleError(w, code, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
