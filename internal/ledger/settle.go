package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/CedrosPay/holdledger/internal/callbacks"
	"github.com/CedrosPay/holdledger/internal/logger"
	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/storage"
)

// Allocation is the FIFO split of one unsettled pledge.
type Allocation struct {
	IntentID string       `json:"intent_id"`
	Pledged  money.Amount `json:"pledged"`
	Burn     money.Amount `json:"burn"`
	Capture  money.Amount `json:"capture"`
}

// CaptureInstruction tells the payment pipeline how much of a hold to capture.
// Amount is the capture amount; Pledged - Amount is released.
type CaptureInstruction struct {
	AccountID string       `json:"account_id"`
	IntentID  string       `json:"intent_id"`
	Amount    money.Amount `json:"amount"`
	Burned    money.Amount `json:"burned"`
	Pledged   money.Amount `json:"pledged"`
}

// Allocate replays the unsettled pledges, in slice order, against balance.
// Older pledges are backed first; whatever the balance cannot cover is
// captured. It returns one allocation per unsettled pledge and the balance
// left afterwards.
func Allocate(pledges []storage.Pledge, balance money.Amount) ([]Allocation, money.Amount) {
	running := balance
	allocs := make([]Allocation, 0, len(pledges))
	for _, p := range pledges {
		if p.IsSettled() {
			continue
		}
		burn := money.Min(running, p.Amount)
		allocs = append(allocs, Allocation{
			IntentID: p.IntentID,
			Pledged:  p.Amount,
			Burn:     burn,
			Capture:  p.Amount - burn,
		})
		running -= burn
	}
	return allocs, running
}

// CaptureAndBurnFor settles every unsettled pledge of account. Owner only.
// An account with nothing to settle returns an empty list and is not touched.
func (l *Ledger) CaptureAndBurnFor(ctx context.Context, caller, account string) ([]CaptureInstruction, error) {
	if err := l.authorize(caller); err != nil {
		return nil, l.fail(ctx, "settle_account", err)
	}
	if account == "" {
		return nil, l.fail(ctx, "settle_account", ErrInvalidAccount)
	}

	start := time.Now()
	var out []CaptureInstruction
	err := l.update(ctx, "settle_account", func(tx storage.Tx) error {
		instr, err := l.settleAccount(ctx, tx, account, l.now().UTC())
		out = instr
		return err
	})
	if err != nil {
		return nil, l.fail(ctx, "settle_account", err)
	}

	l.settled(ctx, "account", out, time.Since(start))
	l.log(ctx).Info().
		Str("account", logger.TruncateAddress(account)).
		Int("pledges", len(out)).
		Msg("ledger.settle.account")
	return out, nil
}

// CaptureAndBurnAll settles up to limit accounts holding unsettled pledges,
// in ascending account id order. limit <= 0 uses the deployment default.
// With the gate enforced the burn window must be open. Owner only.
func (l *Ledger) CaptureAndBurnAll(ctx context.Context, caller string, limit int) ([]CaptureInstruction, error) {
	if err := l.authorize(caller); err != nil {
		return nil, l.fail(ctx, "settle_batch", err)
	}
	if limit <= 0 {
		limit = l.policy.DefaultBatchLimit
	}

	start := time.Now()
	var (
		out      []CaptureInstruction
		accounts []string
	)
	err := l.update(ctx, "settle_batch", func(tx storage.Tx) error {
		if l.policy.EnforceWindow {
			open, err := tx.BurnWindow(ctx)
			if err != nil {
				return err
			}
			if !open {
				return ErrWindowNotOpen
			}
		}

		pending, err := tx.PendingAccounts(ctx, "", limit)
		if err != nil {
			return err
		}

		now := l.now().UTC()
		batch := make([]CaptureInstruction, 0)
		for _, account := range pending {
			instr, err := l.settleAccount(ctx, tx, account, now)
			if err != nil {
				return err
			}
			batch = append(batch, instr...)
		}
		out = batch
		accounts = pending
		return nil
	})
	if err != nil {
		return nil, l.fail(ctx, "settle_batch", err)
	}

	if l.metrics != nil {
		l.metrics.ObserveBatch(len(accounts))
	}
	l.settled(ctx, "batch", out, time.Since(start))
	l.log(ctx).Info().
		Int("accounts", len(accounts)).
		Int("pledges", len(out)).
		Int("limit", limit).
		Msg("ledger.settle.batch")
	return out, nil
}

// PendingAccounts previews the accounts the next batch call would settle.
func (l *Ledger) PendingAccounts(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = l.policy.DefaultBatchLimit
	}
	var out []string
	err := l.view(ctx, "pending_accounts", func(tx storage.Tx) error {
		ids, err := tx.PendingAccounts(ctx, "", limit)
		out = ids
		return err
	})
	if out == nil {
		out = []string{}
	}
	return out, err
}

// Preview computes the allocation CaptureAndBurnFor would apply right now
// without writing anything.
func (l *Ledger) Preview(ctx context.Context, account string) ([]Allocation, error) {
	var out []Allocation
	err := l.view(ctx, "preview", func(tx storage.Tx) error {
		pledges, err := tx.Pledges(ctx, account)
		if err != nil {
			return err
		}
		balance, err := l.book.Bind(tx).BalanceOf(ctx, account)
		if err != nil {
			return err
		}
		sortBySeq(pledges)
		out, _ = Allocate(pledges, balance)
		return nil
	})
	return out, err
}

// settleAccount writes terminal settlements for every unsettled pledge of
// account and burns the backed total. It must run inside tx.
func (l *Ledger) settleAccount(ctx context.Context, tx storage.Tx, account string, now time.Time) ([]CaptureInstruction, error) {
	pledges, err := tx.Pledges(ctx, account)
	if err != nil {
		return nil, err
	}
	sortBySeq(pledges)

	bal := l.book.Bind(tx)
	balance, err := bal.BalanceOf(ctx, account)
	if err != nil {
		return nil, err
	}

	allocs, remaining := Allocate(pledges, balance)
	out := make([]CaptureInstruction, 0, len(allocs))
	if len(allocs) == 0 {
		return out, nil
	}

	next := 0
	for i := range pledges {
		if pledges[i].IsSettled() {
			continue
		}
		a := allocs[next]
		next++
		pledges[i].Settlement = &storage.Settlement{
			Burn:      a.Burn,
			Capture:   a.Capture,
			SettledAt: now,
		}
		out = append(out, CaptureInstruction{
			AccountID: account,
			IntentID:  a.IntentID,
			Amount:    a.Capture,
			Burned:    a.Burn,
			Pledged:   a.Pledged,
		})
	}

	if err := tx.PutPledges(ctx, account, pledges); err != nil {
		return nil, err
	}
	if burned := balance - remaining; burned > 0 {
		if err := bal.Withdraw(ctx, account, burned); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// settled records metrics and relays instructions for a committed settlement.
func (l *Ledger) settled(ctx context.Context, mode string, out []CaptureInstruction, took time.Duration) {
	var burned, captured money.Amount
	for _, in := range out {
		burned += in.Burned
		captured += in.Amount
	}
	if l.metrics != nil {
		l.metrics.ObserveSettlement(mode, len(out), uint64(burned), uint64(captured), took)
	}
	if len(out) == 0 {
		return
	}

	meta := l.book.Metadata()
	event := callbacks.SettlementEvent{
		Mode:         mode,
		Token:        meta.Symbol,
		Currency:     meta.StripeCurrency,
		Instructions: make([]callbacks.Instruction, len(out)),
	}
	for i, in := range out {
		event.Instructions[i] = callbacks.Instruction{
			AccountID: in.AccountID,
			IntentID:  in.IntentID,
			Capture:   in.Amount,
			Burned:    in.Burned,
			Pledged:   in.Pledged,
		}
	}
	l.notifier.SettlementCompleted(ctx, event)
}

func sortBySeq(pledges []storage.Pledge) {
	sort.SliceStable(pledges, func(i, j int) bool { return pledges[i].Seq < pledges[j].Seq })
}
