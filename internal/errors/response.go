package errors

import (
	"encoding/json"
	"net/http"
)

// requestIDHeader is set on the response by the request logger before
// handlers run; error bodies echo it so clients can quote it in reports.
const requestIDHeader = "X-Request-ID"

// ErrorResponse is the envelope for every non-2xx API response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable code plus context.
type ErrorDetail struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewErrorResponse builds the envelope; Retryable follows the code.
func NewErrorResponse(code ErrorCode, message string, details map[string]any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: code.IsRetryable(),
			Details:   details,
		},
	}
}

// WriteJSON writes e with the status implied by its code.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	if e.Error.RequestID == "" {
		e.Error.RequestID = w.Header().Get(requestIDHeader)
	}
	if e.Error.Code.IsRetryable() && e.Error.Code.HTTPStatus() == http.StatusConflict {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Error.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e)
}

// WriteError writes an error envelope in one call.
func WriteError(w http.ResponseWriter, code ErrorCode, message string, details map[string]any) {
	NewErrorResponse(code, message, details).WriteJSON(w)
}

// WriteSimpleError writes an error with no details.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code, message, nil)
}

// WriteErrorWithDetail writes an error with a single detail field.
func WriteErrorWithDetail(w http.ResponseWriter, code ErrorCode, message string, key string, value any) {
	WriteError(w, code, message, map[string]any{key: value})
}

// WriteLedgerError maps a ledger or token failure to its code and writes it.
// Causes of 5xx failures are not exposed. It returns the code so callers can
// decide whether to log.
func WriteLedgerError(w http.ResponseWriter, err error) ErrorCode {
	code := FromLedgerError(err)
	WriteSimpleError(w, code, PublicMessage(code, err))
	return code
}
