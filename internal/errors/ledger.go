package errors

import (
	stderrors "errors"

	"github.com/CedrosPay/holdledger/internal/ledger"
	"github.com/CedrosPay/holdledger/internal/token"
)

var ledgerCodes = []struct {
	err  error
	code ErrorCode
}{
	{ledger.ErrUnauthorized, ErrCodeUnauthorized},
	{ledger.ErrDuplicateIntent, ErrCodeDuplicateIntent},
	{ledger.ErrIntentMismatch, ErrCodeIntentMismatch},
	{ledger.ErrBalanceDecrease, ErrCodeBalanceDecrease},
	{ledger.ErrWindowNotOpen, ErrCodeWindowNotOpen},
	{ledger.ErrWindowAlreadyOpen, ErrCodeWindowAlreadyOpen},
	{ledger.ErrWindowOpen, ErrCodeWindowOpen},
	{ledger.ErrInvalidAmount, ErrCodeInvalidAmount},
	{ledger.ErrInvalidAccount, ErrCodeInvalidAccount},
	{ledger.ErrInvalidIntent, ErrCodeInvalidIntent},
	{token.ErrNotRegistered, ErrCodeAccountNotRegistered},
	{token.ErrInsufficientBalance, ErrCodeInsufficientBalance},
	{token.ErrOverflow, ErrCodeInvalidAmount},
	{token.ErrInvalidAmount, ErrCodeInvalidAmount},
	{token.ErrInvalidAccount, ErrCodeInvalidAccount},
	{token.ErrSelfTransfer, ErrCodeSelfTransfer},
	{token.ErrDestinationNotAllowed, ErrCodeDestinationNotAllowed},
}

// FromLedgerError maps a ledger or token error to its API code. Anything
// unrecognized came from the store and maps to ErrCodeDatabaseError.
func FromLedgerError(err error) ErrorCode {
	for _, lc := range ledgerCodes {
		if stderrors.Is(err, lc.err) {
			return lc.code
		}
	}
	return ErrCodeDatabaseError
}

// PublicMessage returns err's text for 4xx codes and a generic message otherwise.
func PublicMessage(code ErrorCode, err error) string {
	if code.HTTPStatus() >= 500 {
		return "internal error"
	}
	if err == nil {
		return string(code)
	}
	return err.Error()
}
