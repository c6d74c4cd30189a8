package ledger

import (
	"errors"
	"fmt"

	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/token"
)

var (
	ErrUnauthorized      = errors.New("ledger: caller is not the owner")
	ErrDuplicateIntent   = errors.New("ledger: intent already minted for account")
	ErrIntentMismatch    = errors.New("ledger: intent does not match the live pledge")
	ErrBalanceDecrease   = errors.New("ledger: top-up must exceed the live pledge amount")
	ErrWindowNotOpen     = errors.New("ledger: burn window is not open")
	ErrWindowAlreadyOpen = errors.New("ledger: burn window is already open")
	ErrWindowOpen        = errors.New("ledger: transfers are locked while the burn window is open")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive and within range")
	ErrInvalidAccount    = errors.New("ledger: account id required")
	ErrInvalidIntent     = errors.New("ledger: intent id required")
)

// DuplicateIntentError is returned when intentID is already pledged to the
// account. It matches ErrDuplicateIntent.
type DuplicateIntentError struct {
	IntentID string
	Pledged  money.Amount // amount of the most recent pledge for IntentID
}

func (e *DuplicateIntentError) Error() string {
	return fmt.Sprintf("%v: %s", ErrDuplicateIntent, e.IntentID)
}

func (e *DuplicateIntentError) Unwrap() error { return ErrDuplicateIntent }

// ErrorKind groups ledger failures for callers that map them onto transport codes.
type ErrorKind string

const (
	KindUnauthorized        ErrorKind = "unauthorized"
	KindInvalidState        ErrorKind = "invalid_state"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindInvalid             ErrorKind = "invalid_argument"
	KindInternal            ErrorKind = "internal"
)

// Kind classifies err. Errors not produced by the ledger or the token
// package are KindInternal.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrDuplicateIntent),
		errors.Is(err, ErrIntentMismatch),
		errors.Is(err, ErrBalanceDecrease),
		errors.Is(err, ErrWindowNotOpen),
		errors.Is(err, ErrWindowAlreadyOpen),
		errors.Is(err, ErrWindowOpen),
		errors.Is(err, token.ErrNotRegistered):
		return KindInvalidState
	case errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrOverflow):
		return KindInsufficientBalance
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidAccount),
		errors.Is(err, ErrInvalidIntent),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, token.ErrInvalidAccount),
		errors.Is(err, token.ErrSelfTransfer),
		errors.Is(err, token.ErrDestinationNotAllowed):
		return KindInvalid
	default:
		return KindInternal
	}
}
