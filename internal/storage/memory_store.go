package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/CedrosPay/holdledger/internal/money"
)

// ledgerState is the full in-process ledger image shared by MemoryStore and FileStore.
type ledgerState struct {
	accounts   map[string]Account
	pledges    map[string][]Pledge
	supply     money.Amount
	burnWindow bool
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		accounts: make(map[string]Account),
		pledges:  make(map[string][]Pledge),
	}
}

// clone copies the maps; pledge slices are shared because memTx never mutates them in place.
func (s *ledgerState) clone() *ledgerState {
	next := &ledgerState{
		accounts:   make(map[string]Account, len(s.accounts)),
		pledges:    make(map[string][]Pledge, len(s.pledges)),
		supply:     s.supply,
		burnWindow: s.burnWindow,
	}
	for k, v := range s.accounts {
		next.accounts[k] = v
	}
	for k, v := range s.pledges {
		next.pledges[k] = v
	}
	return next
}

// memTx buffers writes over a base state until commit.
type memTx struct {
	base     *ledgerState
	readOnly bool

	accounts   map[string]Account
	pledges    map[string][]Pledge
	supply     *money.Amount
	burnWindow *bool
}

func newMemTx(base *ledgerState, readOnly bool) *memTx {
	return &memTx{
		base:     base,
		readOnly: readOnly,
		accounts: make(map[string]Account),
		pledges:  make(map[string][]Pledge),
	}
}

// ErrReadOnly is returned when a View callback attempts a write.
var ErrReadOnly = errors.New("storage: write in read-only transaction")

func (t *memTx) Account(_ context.Context, id string) (Account, bool, error) {
	if acct, ok := t.accounts[id]; ok {
		return acct, true, nil
	}
	acct, ok := t.base.accounts[id]
	return acct, ok, nil
}

func (t *memTx) PutAccount(_ context.Context, acct Account) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.accounts[acct.ID] = acct
	return nil
}

func (t *memTx) Supply(_ context.Context) (money.Amount, error) {
	if t.supply != nil {
		return *t.supply, nil
	}
	return t.base.supply, nil
}

func (t *memTx) SetSupply(_ context.Context, amount money.Amount) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.supply = &amount
	return nil
}

func (t *memTx) Pledges(_ context.Context, accountID string) ([]Pledge, error) {
	if p, ok := t.pledges[accountID]; ok {
		return clonePledges(p), nil
	}
	return clonePledges(t.base.pledges[accountID]), nil
}

func (t *memTx) PutPledges(_ context.Context, accountID string, pledges []Pledge) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.pledges[accountID] = clonePledges(pledges)
	return nil
}

func (t *memTx) PendingAccounts(_ context.Context, after string, limit int) ([]string, error) {
	var ids []string
	for id, p := range t.base.pledges {
		if _, overlaid := t.pledges[id]; overlaid {
			continue
		}
		if id > after && countUnsettled(p) > 0 {
			ids = append(ids, id)
		}
	}
	for id, p := range t.pledges {
		if id > after && countUnsettled(p) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (t *memTx) BurnWindow(_ context.Context) (bool, error) {
	if t.burnWindow != nil {
		return *t.burnWindow, nil
	}
	return t.base.burnWindow, nil
}

func (t *memTx) SetBurnWindow(_ context.Context, open bool) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.burnWindow = &open
	return nil
}

// applyTo writes the buffered changes into s.
func (t *memTx) applyTo(s *ledgerState) {
	for id, acct := range t.accounts {
		s.accounts[id] = acct
	}
	for id, p := range t.pledges {
		s.pledges[id] = p
	}
	if t.supply != nil {
		s.supply = *t.supply
	}
	if t.burnWindow != nil {
		s.burnWindow = *t.burnWindow
	}
}

// MemoryStore is an in-memory Store implementation suitable for tests and single-instance deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	state *ledgerState
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newLedgerState()}
}

// Update runs fn under the store-wide write lock and applies its writes only on success.
func (m *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newMemTx(m.state, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.applyTo(m.state)
	return nil
}

// View runs fn against a read-only snapshot.
func (m *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(newMemTx(m.state, true))
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	return nil
}
