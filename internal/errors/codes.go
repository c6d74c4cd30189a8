package errors

// ErrorCode represents a machine-readable error identifier for API clients.
type ErrorCode string

// Caller identity errors
const (
	ErrCodeMissingSignature ErrorCode = "missing_signature"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeSignatureExpired ErrorCode = "signature_expired"
	ErrCodeUnauthorized     ErrorCode = "unauthorized"
	ErrCodeInvalidAPIKey    ErrorCode = "invalid_api_key"
)

// Validation Errors (Request input validation)
const (
	ErrCodeMissingField          ErrorCode = "missing_field"
	ErrCodeInvalidField          ErrorCode = "invalid_field"
	ErrCodeInvalidAmount         ErrorCode = "invalid_amount"
	ErrCodeInvalidAccount        ErrorCode = "invalid_account"
	ErrCodeInvalidIntent         ErrorCode = "invalid_intent"
	ErrCodeInvalidLimit          ErrorCode = "invalid_limit"
	ErrCodeSelfTransfer          ErrorCode = "self_transfer"
	ErrCodeDestinationNotAllowed ErrorCode = "destination_not_allowed"
	ErrCodeInvalidWebhook        ErrorCode = "invalid_webhook"
	ErrCodeIdempotencyKeyReused  ErrorCode = "idempotency_key_reused"
)

// Ledger state errors (request conflicts with current state)
const (
	ErrCodeDuplicateIntent      ErrorCode = "duplicate_intent"
	ErrCodeIntentMismatch       ErrorCode = "intent_mismatch"
	ErrCodeBalanceDecrease      ErrorCode = "balance_decrease"
	ErrCodeWindowNotOpen        ErrorCode = "window_not_open"
	ErrCodeWindowAlreadyOpen    ErrorCode = "window_already_open"
	ErrCodeWindowOpen           ErrorCode = "window_open"
	ErrCodeAccountNotRegistered ErrorCode = "account_not_registered"
	ErrCodeInsufficientBalance  ErrorCode = "insufficient_balance"
	ErrCodeRequestInProgress    ErrorCode = "request_in_progress"
)

// Resource errors
const (
	ErrCodeResourceNotFound ErrorCode = "resource_not_found"
	ErrCodeRateLimited      ErrorCode = "rate_limited"
)

// External Service Errors
const (
	ErrCodeStripeError ErrorCode = "stripe_error"
	ErrCodeRelayError  ErrorCode = "relay_error"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable reports whether the same request may succeed later.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeStripeError,
		ErrCodeRelayError,
		ErrCodeDatabaseError,
		ErrCodeRateLimited,
		ErrCodeWindowOpen,
		ErrCodeRequestInProgress:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidAccount,
		ErrCodeInvalidIntent,
		ErrCodeInvalidLimit,
		ErrCodeSelfTransfer,
		ErrCodeInvalidWebhook:
		return 400

	// 401 Unauthorized - Caller could not be identified
	case ErrCodeMissingSignature,
		ErrCodeInvalidSignature,
		ErrCodeSignatureExpired,
		ErrCodeInvalidAPIKey:
		return 401

	// 402 Payment Required - Not enough backed balance
	case ErrCodeInsufficientBalance:
		return 402

	// 403 Forbidden - Caller identified but not allowed
	case ErrCodeUnauthorized,
		ErrCodeDestinationNotAllowed:
		return 403

	// 404 Not Found
	case ErrCodeResourceNotFound:
		return 404

	// 409 Conflict - Ledger state does not allow the operation
	case ErrCodeDuplicateIntent,
		ErrCodeIntentMismatch,
		ErrCodeBalanceDecrease,
		ErrCodeWindowNotOpen,
		ErrCodeWindowAlreadyOpen,
		ErrCodeWindowOpen,
		ErrCodeAccountNotRegistered,
		ErrCodeRequestInProgress:
		return 409

	// 422 Unprocessable Entity - Idempotency key replayed with another body
	case ErrCodeIdempotencyKeyReused:
		return 422

	// 429 Too Many Requests
	case ErrCodeRateLimited:
		return 429

	// 502 Bad Gateway - External service errors
	case ErrCodeStripeError,
		ErrCodeRelayError:
		return 502

	// 500 Internal Server Error - System/internal errors
	default:
		return 500
	}
}
