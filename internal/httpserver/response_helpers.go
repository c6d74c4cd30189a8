package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/CedrosPay/holdledger/internal/auth"
	apierrors "github.com/CedrosPay/holdledger/internal/errors"
	"github.com/CedrosPay/holdledger/internal/logger"
)

const (
	// maxListLimit caps limit query parameters on batch and listing endpoints.
	maxListLimit = 1000

	maxRequestBodyBytes = 64 << 10
)

// decodeJSON strictly decodes a request body and closes it.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(io.LimitReader(r, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// writeLedgerError maps a ledger failure onto the API error envelope.
// Internal failures are logged and reported without their cause.
func writeLedgerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if code := apierrors.WriteLedgerError(w, err); code.HTTPStatus() >= http.StatusInternalServerError {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("operation", op).Msg("ledger.request_failed")
	}
}

// requireCaller returns the verified signer stored by auth.RequireSignature.
func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingSignature, "signed request required")
		return "", false
	}
	return caller, true
}

// parseLimit reads ?limit=N. Missing means 0, which the ledger treats as its
// default batch size.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxListLimit {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidLimit, "limit must be between 1 and 1000", "limit", raw)
		return 0, false
	}
	return limit, true
}
