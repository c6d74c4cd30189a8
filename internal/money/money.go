package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a token quantity in atomic units (cents for a 2-decimal token).
// Amounts are never negative and never exceed MaxAmount, so every storage
// backend can persist them as a signed 64-bit integer.
type Amount uint64

// MaxAmount is the largest representable balance, supply or pledge.
const MaxAmount Amount = math.MaxInt64

var (
	// ErrOverflow occurs when an operation would exceed MaxAmount.
	ErrOverflow = errors.New("money: arithmetic overflow")

	// ErrUnderflow occurs when a subtraction would go below zero.
	ErrUnderflow = errors.New("money: arithmetic underflow")

	// ErrInvalidFormat occurs when parsing fails.
	ErrInvalidFormat = errors.New("money: invalid format")
)

// Add returns a+b, failing with ErrOverflow past MaxAmount.
func (a Amount) Add(b Amount) (Amount, error) {
	if a > MaxAmount || b > MaxAmount-a {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b, failing with ErrUnderflow when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Int64 returns the amount as int64 for storage drivers and Stripe.
func (a Amount) Int64() int64 {
	return int64(a)
}

// FromInt64 converts a stored or Stripe amount back into an Amount.
func FromInt64(v int64) (Amount, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: negative amount %d", ErrInvalidFormat, v)
	}
	return Amount(v), nil
}

// String renders the atomic amount in base 10.
func (a Amount) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

// ParseAtomic parses a base-10 atomic amount ("1050").
func ParseAtomic(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if Amount(v) > MaxAmount {
		return 0, ErrOverflow
	}
	return Amount(v), nil
}

// Format renders the amount in major units for the given token ("10.50").
func (a Amount) Format(t Token) string {
	if t.Decimals == 0 {
		return a.String()
	}
	raw := a.String()
	d := int(t.Decimals)
	if len(raw) <= d {
		raw = strings.Repeat("0", d-len(raw)+1) + raw
	}
	return raw[:len(raw)-d] + "." + raw[len(raw)-d:]
}

// FromMajor parses a major-unit string ("10.50") into atomic units.
// Fractions finer than the token's decimals are rejected rather than rounded.
//
// Examples:
//   - FromMajor(hhUSD, "10.50") → 1050
//   - FromMajor(hhUSD, "3")     → 300
func FromMajor(t Token, major string) (Amount, error) {
	major = strings.TrimSpace(major)
	parts := strings.Split(major, ".")
	if len(parts) > 2 || parts[0] == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, major)
	}

	whole, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	var frac uint64
	if len(parts) == 2 {
		fraction := parts[1]
		if len(fraction) > int(t.Decimals) {
			return 0, fmt.Errorf("%w: more than %d decimals", ErrInvalidFormat, t.Decimals)
		}
		fraction += strings.Repeat("0", int(t.Decimals)-len(fraction))
		if fraction != "" {
			frac, err = strconv.ParseUint(fraction, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
			}
		}
	}

	multiplier := uint64(math.Pow10(int(t.Decimals)))
	if whole > uint64(MaxAmount)/multiplier {
		return 0, ErrOverflow
	}
	return Amount(whole * multiplier).Add(Amount(frac))
}

// Sum adds all amounts, failing on overflow.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, a := range amounts {
		next, err := total.Add(a)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}
