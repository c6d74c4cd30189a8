// Package token implements the fungible Balance Store: per-account balances
// and total supply, read and written through a storage transaction.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/storage"
)

var (
	ErrNotRegistered         = errors.New("token: account not registered")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrOverflow              = errors.New("token: balance overflow")
	ErrDestinationNotAllowed = errors.New("token: destination not allowed")
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrSelfTransfer          = errors.New("token: sender and receiver are the same account")
	ErrInvalidAccount        = errors.New("token: account id required")
)

// Book holds the token's metadata and transfer policy. It is stateless;
// bind it to a transaction to read or move balances.
type Book struct {
	meta    money.Token
	allowed map[string]struct{}
}

// NewBook creates a Book. An empty allow-list lets transfers reach any
// registered account.
func NewBook(meta money.Token, allowedDestinations []string) *Book {
	b := &Book{meta: meta}
	if len(allowedDestinations) > 0 {
		b.allowed = make(map[string]struct{}, len(allowedDestinations))
		for _, d := range allowedDestinations {
			b.allowed[d] = struct{}{}
		}
	}
	return b
}

// Metadata returns the token description.
func (b *Book) Metadata() money.Token {
	return b.meta
}

// DestinationAllowed reports whether transfers may credit account.
func (b *Book) DestinationAllowed(account string) bool {
	if b.allowed == nil {
		return true
	}
	_, ok := b.allowed[account]
	return ok
}

// Bind returns the Balance Store view over tx.
func (b *Book) Bind(tx storage.Tx) *Balances {
	return &Balances{book: b, tx: tx}
}

// Balances mutates balances and supply inside one storage transaction.
type Balances struct {
	book *Book
	tx   storage.Tx
}

// Register creates an empty account. It reports false when the account
// already existed.
func (b *Balances) Register(ctx context.Context, account string) (bool, error) {
	if account == "" {
		return false, ErrInvalidAccount
	}
	acct, ok, err := b.tx.Account(ctx, account)
	if err != nil {
		return false, err
	}
	if ok && acct.Registered {
		return false, nil
	}
	acct.ID = account
	acct.Registered = true
	if err := b.tx.PutAccount(ctx, acct); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Balances) IsRegistered(ctx context.Context, account string) (bool, error) {
	acct, ok, err := b.tx.Account(ctx, account)
	if err != nil {
		return false, err
	}
	return ok && acct.Registered, nil
}

// BalanceOf returns zero for unknown accounts.
func (b *Balances) BalanceOf(ctx context.Context, account string) (money.Amount, error) {
	acct, _, err := b.tx.Account(ctx, account)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

func (b *Balances) TotalSupply(ctx context.Context) (money.Amount, error) {
	return b.tx.Supply(ctx)
}

func (b *Balances) registered(ctx context.Context, account string) (storage.Account, error) {
	acct, ok, err := b.tx.Account(ctx, account)
	if err != nil {
		return storage.Account{}, err
	}
	if !ok || !acct.Registered {
		return storage.Account{}, fmt.Errorf("%w: %s", ErrNotRegistered, account)
	}
	return acct, nil
}

// Deposit credits account and grows total supply by amount.
func (b *Balances) Deposit(ctx context.Context, account string, amount money.Amount) error {
	acct, err := b.registered(ctx, account)
	if err != nil {
		return err
	}
	supply, err := b.tx.Supply(ctx)
	if err != nil {
		return err
	}

	nextBalance, err := acct.Balance.Add(amount)
	if err != nil {
		return ErrOverflow
	}
	nextSupply, err := supply.Add(amount)
	if err != nil {
		return ErrOverflow
	}

	acct.Balance = nextBalance
	if err := b.tx.PutAccount(ctx, acct); err != nil {
		return err
	}
	return b.tx.SetSupply(ctx, nextSupply)
}

// Withdraw debits account and shrinks total supply by amount (a burn).
func (b *Balances) Withdraw(ctx context.Context, account string, amount money.Amount) error {
	acct, err := b.registered(ctx, account)
	if err != nil {
		return err
	}
	nextBalance, err := acct.Balance.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, account, acct.Balance, amount)
	}
	supply, err := b.tx.Supply(ctx)
	if err != nil {
		return err
	}
	nextSupply, err := supply.Sub(amount)
	if err != nil {
		// Supply below a single balance means the store is corrupt.
		return fmt.Errorf("token: supply %d below withdrawal %d: %w", supply, amount, err)
	}

	acct.Balance = nextBalance
	if err := b.tx.PutAccount(ctx, acct); err != nil {
		return err
	}
	return b.tx.SetSupply(ctx, nextSupply)
}

// Transfer moves amount between two registered accounts; supply is unchanged.
func (b *Balances) Transfer(ctx context.Context, from, to string, amount money.Amount) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrSelfTransfer
	}
	if !b.book.DestinationAllowed(to) {
		return fmt.Errorf("%w: %s", ErrDestinationNotAllowed, to)
	}

	src, err := b.registered(ctx, from)
	if err != nil {
		return err
	}
	dst, err := b.registered(ctx, to)
	if err != nil {
		return err
	}

	nextSrc, err := src.Balance.Sub(amount)
	if err != nil {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from, src.Balance, amount)
	}
	nextDst, err := dst.Balance.Add(amount)
	if err != nil {
		return ErrOverflow
	}

	src.Balance = nextSrc
	dst.Balance = nextDst
	if err := b.tx.PutAccount(ctx, src); err != nil {
		return err
	}
	return b.tx.PutAccount(ctx, dst)
}
