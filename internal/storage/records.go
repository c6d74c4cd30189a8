package storage

import (
	"time"

	"github.com/CedrosPay/holdledger/internal/money"
)

// Account is a Balance Store record.
type Account struct {
	ID         string       `json:"id"`
	Balance    money.Amount `json:"balance"`
	Registered bool         `json:"registered"`
}

// Pledge is one minted intent held against an account.
type Pledge struct {
	AccountID  string       `json:"account_id"`
	IntentID   string       `json:"intent_id"`
	Amount     money.Amount `json:"amount"`
	Seq        int          `json:"seq"`
	CreatedAt  time.Time    `json:"created_at"`
	Settlement *Settlement  `json:"settlement,omitempty"`
}

// Settlement records how a pledge was reconciled. Burn + Capture == pledge Amount.
type Settlement struct {
	Burn      money.Amount `json:"burn"`
	Capture   money.Amount `json:"capture"`
	SettledAt time.Time    `json:"settled_at"`
}

// IsSettled reports whether the pledge has been reconciled.
func (p Pledge) IsSettled() bool {
	return p.Settlement != nil
}

// clonePledges deep-copies a pledge slice so callers never share Settlement pointers.
func clonePledges(in []Pledge) []Pledge {
	if in == nil {
		return nil
	}
	out := make([]Pledge, len(in))
	for i, p := range in {
		out[i] = p
		if p.Settlement != nil {
			s := *p.Settlement
			out[i].Settlement = &s
		}
	}
	return out
}

func countUnsettled(pledges []Pledge) int {
	n := 0
	for _, p := range pledges {
		if !p.IsSettled() {
			n++
		}
	}
	return n
}
