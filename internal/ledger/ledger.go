// Package ledger is the hold ledger aggregate. It owns every account's
// pledge sequence, mints against card authorizations, settles pledges FIFO
// against the remaining token balance and gates batch settlement behind the
// burn window. All mutations require the owner, fixed at construction.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/CedrosPay/holdledger/internal/callbacks"
	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/logger"
	"github.com/CedrosPay/holdledger/internal/metrics"
	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/storage"
	"github.com/CedrosPay/holdledger/internal/token"
	"github.com/rs/zerolog"
)

// DefaultBatchLimit is used when neither the caller nor the deployment picks a limit.
const DefaultBatchLimit = 10

// Policy holds the per-deployment behaviour switches.
type Policy struct {
	Owner                   string
	MintPolicy              string // config.MintPolicyMulti or config.MintPolicyTopUp
	UniqueIntents           bool
	EnforceWindow           bool
	LockTransfersDuringBurn bool
	DefaultBatchLimit       int
}

// PolicyFromConfig builds a Policy from the ledger config section.
func PolicyFromConfig(cfg config.LedgerConfig) Policy {
	return Policy{
		Owner:                   cfg.Owner,
		MintPolicy:              cfg.MintPolicy,
		UniqueIntents:           cfg.UniqueIntents,
		EnforceWindow:           cfg.EnforceWindow,
		LockTransfersDuringBurn: cfg.LockTransfersDuringBurn,
		DefaultBatchLimit:       cfg.DefaultBatchLimit,
	}
}

// Ledger is the single aggregate over pledges, balances and the burn window.
type Ledger struct {
	store    storage.Store
	book     *token.Book
	policy   Policy
	backend  string
	notifier callbacks.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithNotifier relays committed mints and settlements.
func WithNotifier(n callbacks.Notifier) Option {
	return func(l *Ledger) {
		if n != nil {
			l.notifier = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithBackendLabel names the storage backend in transaction metrics.
func WithBackendLabel(backend string) Option {
	return func(l *Ledger) {
		l.backend = backend
	}
}

// WithClock overrides time.Now for pledge and settlement timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates the ledger. The Balance Store is injected as book and only
// ever touched through transactions on store.
func New(store storage.Store, book *token.Book, policy Policy, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger: store is required")
	}
	if book == nil {
		return nil, fmt.Errorf("ledger: token book is required")
	}
	if policy.Owner == "" {
		return nil, fmt.Errorf("ledger: owner is required")
	}
	switch policy.MintPolicy {
	case "":
		policy.MintPolicy = config.MintPolicyMulti
	case config.MintPolicyMulti, config.MintPolicyTopUp:
	default:
		return nil, fmt.Errorf("ledger: unknown mint policy %q", policy.MintPolicy)
	}
	if policy.DefaultBatchLimit <= 0 {
		policy.DefaultBatchLimit = DefaultBatchLimit
	}

	l := &Ledger{
		store:    store,
		book:     book,
		policy:   policy,
		backend:  "unknown",
		notifier: callbacks.NoopNotifier{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Owner returns the fixed owner identity.
func (l *Ledger) Owner() string {
	return l.policy.Owner
}

// Policy returns the active deployment policy.
func (l *Ledger) Policy() Policy {
	return l.policy
}

// Token returns the token metadata.
func (l *Ledger) Token() money.Token {
	return l.book.Metadata()
}

func (l *Ledger) authorize(caller string) error {
	if caller != l.policy.Owner {
		return ErrUnauthorized
	}
	return nil
}

func (l *Ledger) update(ctx context.Context, op string, fn func(storage.Tx) error) error {
	defer metrics.MeasureDBTx(l.metrics, op, l.backend)()
	return l.store.Update(ctx, fn)
}

func (l *Ledger) view(ctx context.Context, op string, fn func(storage.Tx) error) error {
	defer metrics.MeasureDBTx(l.metrics, op, l.backend)()
	return l.store.View(ctx, fn)
}

func (l *Ledger) log(ctx context.Context) *zerolog.Logger {
	lg := logger.FromContextOr(ctx, l.logger)
	return &lg
}

// fail records a rejected call and hands the error back unchanged.
func (l *Ledger) fail(ctx context.Context, op string, err error) error {
	kind := Kind(err)
	if l.metrics != nil {
		l.metrics.ObserveLedgerError(op, string(kind))
	}
	ev := l.log(ctx).Warn()
	if kind == KindInternal {
		ev = l.log(ctx).Error()
	}
	ev.Err(err).Str("operation", op).Str("kind", string(kind)).Msg("ledger.rejected")
	return err
}

// BalanceOf returns the account's token balance; unknown accounts hold zero.
func (l *Ledger) BalanceOf(ctx context.Context, account string) (money.Amount, error) {
	var out money.Amount
	err := l.view(ctx, "balance_of", func(tx storage.Tx) error {
		v, err := l.book.Bind(tx).BalanceOf(ctx, account)
		out = v
		return err
	})
	return out, err
}

func (l *Ledger) TotalSupply(ctx context.Context) (money.Amount, error) {
	var out money.Amount
	err := l.view(ctx, "total_supply", func(tx storage.Tx) error {
		v, err := l.book.Bind(tx).TotalSupply(ctx)
		out = v
		return err
	})
	return out, err
}

func (l *Ledger) IsRegistered(ctx context.Context, account string) (bool, error) {
	var out bool
	err := l.view(ctx, "is_registered", func(tx storage.Tx) error {
		v, err := l.book.Bind(tx).IsRegistered(ctx, account)
		out = v
		return err
	})
	return out, err
}

// Pledges returns the account's pledge history in mint order.
func (l *Ledger) Pledges(ctx context.Context, account string) ([]storage.Pledge, error) {
	var out []storage.Pledge
	err := l.view(ctx, "pledges", func(tx storage.Tx) error {
		p, err := tx.Pledges(ctx, account)
		out = p
		return err
	})
	if out == nil {
		out = []storage.Pledge{}
	}
	return out, err
}

// Register creates an empty account. Any caller may register any account.
func (l *Ledger) Register(ctx context.Context, account string) (bool, error) {
	if account == "" {
		return false, l.fail(ctx, "register", ErrInvalidAccount)
	}
	var created bool
	err := l.update(ctx, "register", func(tx storage.Tx) error {
		c, err := l.book.Bind(tx).Register(ctx, account)
		created = c
		return err
	})
	if err != nil {
		return false, l.fail(ctx, "register", err)
	}
	if created {
		l.log(ctx).Info().Str("account", logger.TruncateAddress(account)).Msg("ledger.register")
	}
	return created, nil
}

// Transfer moves amount from caller to to. It is refused while the burn
// window is open when the deployment locks transfers during settlement.
func (l *Ledger) Transfer(ctx context.Context, caller, to string, amount money.Amount) error {
	err := l.update(ctx, "transfer", func(tx storage.Tx) error {
		if l.policy.LockTransfersDuringBurn {
			open, err := tx.BurnWindow(ctx)
			if err != nil {
				return err
			}
			if open {
				return ErrWindowOpen
			}
		}
		return l.book.Bind(tx).Transfer(ctx, caller, to, amount)
	})
	if err != nil {
		if l.metrics != nil {
			l.metrics.ObserveTransfer("rejected")
		}
		return l.fail(ctx, "transfer", err)
	}

	if l.metrics != nil {
		l.metrics.ObserveTransfer("success")
	}
	l.log(ctx).Info().
		Str("from", logger.TruncateAddress(caller)).
		Str("to", logger.TruncateAddress(to)).
		Str("amount", amount.Format(l.book.Metadata())).
		Msg("ledger.transfer")
	return nil
}
