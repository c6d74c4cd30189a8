package ledger

import (
	"context"
	"fmt"

	"github.com/CedrosPay/holdledger/internal/callbacks"
	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/logger"
	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/storage"
)

// MintResult describes the pledge after a mint and how many tokens it created.
type MintResult struct {
	Pledge    storage.Pledge `json:"pledge"`
	Deposited money.Amount   `json:"deposited"`
	ToppedUp  bool           `json:"topped_up"`
}

type lookupState int

const (
	lookupAbsent lookupState = iota
	lookupLive
)

// pledgeLookup is the result of finding an account's live pledge.
type pledgeLookup struct {
	state lookupState
	index int
}

// findLive locates the most recent unsettled pledge. Settled pledges are
// history and never considered live.
func findLive(pledges []storage.Pledge) pledgeLookup {
	for i := len(pledges) - 1; i >= 0; i-- {
		if !pledges[i].IsSettled() {
			return pledgeLookup{state: lookupLive, index: i}
		}
	}
	return pledgeLookup{state: lookupAbsent}
}

// duplicateIntent returns a *DuplicateIntentError when intentID already has a
// pledge in the sequence, or nil.
func duplicateIntent(pledges []storage.Pledge, intentID string) error {
	for i := len(pledges) - 1; i >= 0; i-- {
		if pledges[i].IntentID == intentID {
			return &DuplicateIntentError{IntentID: intentID, Pledged: pledges[i].Amount}
		}
	}
	return nil
}

func nextSeq(pledges []storage.Pledge) int {
	if len(pledges) == 0 {
		return 0
	}
	return pledges[len(pledges)-1].Seq + 1
}

// Mint records an authorized hold of amount for account and deposits the
// newly backed tokens. Owner only.
func (l *Ledger) Mint(ctx context.Context, caller, account, intentID string, amount money.Amount) (MintResult, error) {
	return l.mint(ctx, caller, account, intentID, amount, l.policy.UniqueIntents)
}

// MintOnce is Mint with intent uniqueness enforced whatever the deployment's
// UniqueIntents setting. Intake that can redeliver the same hold (processor
// webhooks) mints through it.
func (l *Ledger) MintOnce(ctx context.Context, caller, account, intentID string, amount money.Amount) (MintResult, error) {
	return l.mint(ctx, caller, account, intentID, amount, true)
}

func (l *Ledger) mint(ctx context.Context, caller, account, intentID string, amount money.Amount, unique bool) (MintResult, error) {
	if err := l.authorize(caller); err != nil {
		return MintResult{}, l.rejectMint(ctx, err)
	}
	switch {
	case account == "":
		return MintResult{}, l.rejectMint(ctx, ErrInvalidAccount)
	case intentID == "":
		return MintResult{}, l.rejectMint(ctx, ErrInvalidIntent)
	case amount == 0 || amount > money.MaxAmount:
		return MintResult{}, l.rejectMint(ctx, ErrInvalidAmount)
	}

	var result MintResult
	err := l.update(ctx, "mint", func(tx storage.Tx) error {
		bal := l.book.Bind(tx)
		if _, err := bal.Register(ctx, account); err != nil {
			return err
		}

		pledges, err := tx.Pledges(ctx, account)
		if err != nil {
			return err
		}

		var res MintResult
		if l.policy.MintPolicy == config.MintPolicyTopUp {
			pledges, res, err = l.mintTopUp(pledges, account, intentID, amount, unique)
		} else {
			pledges, res, err = l.mintMulti(pledges, account, intentID, amount, unique)
		}
		if err != nil {
			return err
		}

		if err := tx.PutPledges(ctx, account, pledges); err != nil {
			return err
		}
		if err := bal.Deposit(ctx, account, res.Deposited); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return MintResult{}, l.rejectMint(ctx, err)
	}

	outcome := "minted"
	if result.ToppedUp {
		outcome = "topped_up"
	}
	meta := l.book.Metadata()
	if l.metrics != nil {
		l.metrics.ObserveMint(l.policy.MintPolicy, outcome, meta.Symbol, uint64(result.Deposited))
	}
	l.log(ctx).Info().
		Str("account", logger.TruncateAddress(account)).
		Str("intent_id", intentID).
		Str("amount", result.Pledge.Amount.Format(meta)).
		Str("deposited", result.Deposited.Format(meta)).
		Bool("topped_up", result.ToppedUp).
		Msg("ledger.mint")

	l.notifier.MintRecorded(ctx, callbacks.MintEvent{
		AccountID: account,
		IntentID:  intentID,
		Amount:    result.Pledge.Amount,
		Deposited: result.Deposited,
		Policy:    l.policy.MintPolicy,
		Token:     meta.Symbol,
	})
	return result, nil
}

func (l *Ledger) rejectMint(ctx context.Context, err error) error {
	if l.metrics != nil {
		l.metrics.ObserveMint(l.policy.MintPolicy, "rejected", l.book.Metadata().Symbol, 0)
	}
	return l.fail(ctx, "mint", err)
}

func (l *Ledger) mintMulti(pledges []storage.Pledge, account, intentID string, amount money.Amount, unique bool) ([]storage.Pledge, MintResult, error) {
	if unique {
		if err := duplicateIntent(pledges, intentID); err != nil {
			return nil, MintResult{}, err
		}
	}
	p := l.newPledge(pledges, account, intentID, amount)
	return append(pledges, p), MintResult{Pledge: p, Deposited: amount}, nil
}

func (l *Ledger) mintTopUp(pledges []storage.Pledge, account, intentID string, amount money.Amount, unique bool) ([]storage.Pledge, MintResult, error) {
	found := findLive(pledges)
	switch found.state {
	case lookupAbsent:
		if unique {
			if err := duplicateIntent(pledges, intentID); err != nil {
				return nil, MintResult{}, err
			}
		}
		p := l.newPledge(pledges, account, intentID, amount)
		return append(pledges, p), MintResult{Pledge: p, Deposited: amount}, nil

	case lookupLive:
		live := &pledges[found.index]
		if live.IntentID != intentID {
			return nil, MintResult{}, fmt.Errorf("%w: live pledge is %s", ErrIntentMismatch, live.IntentID)
		}
		if amount <= live.Amount {
			return nil, MintResult{}, fmt.Errorf("%w: %d <= %d", ErrBalanceDecrease, amount, live.Amount)
		}
		delta := amount - live.Amount
		live.Amount = amount
		return pledges, MintResult{Pledge: *live, Deposited: delta, ToppedUp: true}, nil

	default:
		return nil, MintResult{}, fmt.Errorf("ledger: unknown lookup state %d", found.state)
	}
}

func (l *Ledger) newPledge(pledges []storage.Pledge, account, intentID string, amount money.Amount) storage.Pledge {
	return storage.Pledge{
		AccountID: account,
		IntentID:  intentID,
		Amount:    amount,
		Seq:       nextSeq(pledges),
		CreatedAt: l.now().UTC(),
	}
}
