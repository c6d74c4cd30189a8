package token

import (
	"context"
	"errors"
	"testing"

	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/storage"
)

func update(t *testing.T, store storage.Store, book *Book, fn func(b *Balances) error) error {
	t.Helper()
	return store.Update(context.Background(), func(tx storage.Tx) error {
		return fn(book.Bind(tx))
	})
}

func TestBalances_DepositWithdrawConservesSupply(t *testing.T) {
	store := storage.NewMemoryStore()
	book := NewBook(money.DefaultToken, nil)
	ctx := context.Background()

	err := update(t, store, book, func(b *Balances) error {
		if _, err := b.Register(ctx, "alice"); err != nil {
			return err
		}
		if _, err := b.Register(ctx, "bob"); err != nil {
			return err
		}
		if err := b.Deposit(ctx, "alice", 100); err != nil {
			return err
		}
		if err := b.Deposit(ctx, "bob", 50); err != nil {
			return err
		}
		if err := b.Transfer(ctx, "alice", "bob", 30); err != nil {
			return err
		}
		return b.Withdraw(ctx, "bob", 20)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	_ = store.View(ctx, func(tx storage.Tx) error {
		b := book.Bind(tx)
		alice, _ := b.BalanceOf(ctx, "alice")
		bob, _ := b.BalanceOf(ctx, "bob")
		supply, _ := b.TotalSupply(ctx)
		if alice != 70 || bob != 60 {
			t.Errorf("balances = %d/%d, want 70/60", alice, bob)
		}
		if supply != alice+bob {
			t.Errorf("supply %d != sum of balances %d", supply, alice+bob)
		}
		return nil
	})
}

func TestBalances_Errors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		allowed []string
		op      func(b *Balances) error
		wantErr error
	}{
		{
			name:    "deposit unregistered",
			op:      func(b *Balances) error { return b.Deposit(ctx, "ghost", 1) },
			wantErr: ErrNotRegistered,
		},
		{
			name:    "withdraw more than balance",
			op:      func(b *Balances) error { return b.Withdraw(ctx, "alice", 11) },
			wantErr: ErrInsufficientBalance,
		},
		{
			name:    "deposit overflow",
			op:      func(b *Balances) error { return b.Deposit(ctx, "alice", money.MaxAmount) },
			wantErr: ErrOverflow,
		},
		{
			name:    "transfer zero",
			op:      func(b *Balances) error { return b.Transfer(ctx, "alice", "bob", 0) },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "transfer to self",
			op:      func(b *Balances) error { return b.Transfer(ctx, "alice", "alice", 1) },
			wantErr: ErrSelfTransfer,
		},
		{
			name:    "transfer to unregistered",
			op:      func(b *Balances) error { return b.Transfer(ctx, "alice", "ghost", 1) },
			wantErr: ErrNotRegistered,
		},
		{
			name:    "transfer insufficient",
			op:      func(b *Balances) error { return b.Transfer(ctx, "alice", "bob", 11) },
			wantErr: ErrInsufficientBalance,
		},
		{
			name:    "destination not on allow-list",
			allowed: []string{"market"},
			op:      func(b *Balances) error { return b.Transfer(ctx, "alice", "bob", 1) },
			wantErr: ErrDestinationNotAllowed,
		},
		{
			name:    "register empty id",
			op:      func(b *Balances) error { _, err := b.Register(ctx, ""); return err },
			wantErr: ErrInvalidAccount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			book := NewBook(money.DefaultToken, tt.allowed)
			if err := update(t, store, book, func(b *Balances) error {
				for _, id := range []string{"alice", "bob", "market"} {
					if _, err := b.Register(ctx, id); err != nil {
						return err
					}
				}
				return b.Deposit(ctx, "alice", 10)
			}); err != nil {
				t.Fatalf("setup: %v", err)
			}

			err := update(t, store, book, tt.op)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}

			_ = store.View(ctx, func(tx storage.Tx) error {
				b := book.Bind(tx)
				if bal, _ := b.BalanceOf(ctx, "alice"); bal != 10 {
					t.Errorf("alice balance changed to %d", bal)
				}
				if supply, _ := b.TotalSupply(ctx); supply != 10 {
					t.Errorf("supply changed to %d", supply)
				}
				return nil
			})
		})
	}
}

func TestBalances_AllowListPermitsListedDestination(t *testing.T) {
	store := storage.NewMemoryStore()
	book := NewBook(money.DefaultToken, []string{"market"})
	ctx := context.Background()

	err := update(t, store, book, func(b *Balances) error {
		for _, id := range []string{"alice", "market"} {
			if _, err := b.Register(ctx, id); err != nil {
				return err
			}
		}
		if err := b.Deposit(ctx, "alice", 5); err != nil {
			return err
		}
		return b.Transfer(ctx, "alice", "market", 5)
	})
	if err != nil {
		t.Fatalf("transfer to market: %v", err)
	}
}

func TestBalances_RegisterIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	book := NewBook(money.DefaultToken, nil)
	ctx := context.Background()

	var first, second bool
	err := update(t, store, book, func(b *Balances) error {
		var err error
		if first, err = b.Register(ctx, "alice"); err != nil {
			return err
		}
		if err := b.Deposit(ctx, "alice", 7); err != nil {
			return err
		}
		second, err = b.Register(ctx, "alice")
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !first || second {
		t.Errorf("Register() created = %v then %v, want true then false", first, second)
	}

	_ = store.View(ctx, func(tx storage.Tx) error {
		if bal, _ := book.Bind(tx).BalanceOf(ctx, "alice"); bal != 7 {
			t.Errorf("re-register reset balance to %d", bal)
		}
		return nil
	})
}
