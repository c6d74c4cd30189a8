package money

import (
	"fmt"
	"strings"
)

// Token describes the ledger's fungible token.
type Token struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	// StripeCurrency is the card currency whose minor unit equals one atomic token unit.
	StripeCurrency string `json:"stripe_currency"`
}

// DefaultToken is the dollar-pegged token minted against card holds.
var DefaultToken = Token{
	Name:           "Hip Hop USD",
	Symbol:         "hhUSD",
	Decimals:       2,
	StripeCurrency: "usd",
}

// zeroDecimalCurrencies have no minor unit in Stripe.
var zeroDecimalCurrencies = map[string]bool{
	"jpy": true,
	"krw": true,
	"vnd": true,
	"clp": true,
}

// Validate checks that the token's decimals line up with its Stripe currency,
// so one atomic unit is always exactly one minor unit of the card charge.
func (t Token) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("money: token symbol required")
	}
	if t.Decimals > 18 {
		return fmt.Errorf("money: token decimals %d out of range", t.Decimals)
	}
	if t.StripeCurrency == "" {
		return nil
	}
	currency := strings.ToLower(t.StripeCurrency)
	want := uint8(2)
	if zeroDecimalCurrencies[currency] {
		want = 0
	}
	if t.Decimals != want {
		return fmt.Errorf("money: token %s has %d decimals but %s uses %d", t.Symbol, t.Decimals, currency, want)
	}
	return nil
}
