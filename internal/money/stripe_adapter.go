package money

import (
	"fmt"
	"strings"
)

// StripeAdapter converts between token amounts and Stripe minor-unit amounts.
// Stripe expects amounts in the currency's smallest unit (cents for USD).
type StripeAdapter struct {
	token Token
}

// NewStripeAdapter creates an adapter for the given token.
func NewStripeAdapter(token Token) *StripeAdapter {
	return &StripeAdapter{token: token}
}

// ToStripeAmount converts an Amount to Stripe format.
// Returns (currency, amount) where currency is lowercase ("usd").
//
// Example:
//   - 1050 hhUSD → ("usd", 1050)  // $10.50
func (a *StripeAdapter) ToStripeAmount(amount Amount) (currency string, minor int64, err error) {
	if a.token.StripeCurrency == "" {
		return "", 0, fmt.Errorf("money: token %s has no Stripe currency", a.token.Symbol)
	}
	if amount > MaxAmount {
		return "", 0, ErrOverflow
	}
	return strings.ToLower(a.token.StripeCurrency), amount.Int64(), nil
}

// FromStripeAmount converts a Stripe (currency, minor units) pair to an Amount.
// Returns error if the currency does not back this token.
func (a *StripeAdapter) FromStripeAmount(currency string, minor int64) (Amount, error) {
	if !strings.EqualFold(currency, a.token.StripeCurrency) {
		return 0, fmt.Errorf("money: currency %q does not back token %s", currency, a.token.Symbol)
	}
	return FromInt64(minor)
}
