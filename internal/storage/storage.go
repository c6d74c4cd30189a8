package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/money"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// DefaultQueryTimeout bounds every database round trip that does not already
// carry a deadline.
const DefaultQueryTimeout = 5 * time.Second

// Store persists ledger state. Every ledger operation runs inside exactly one
// Update; returning an error from fn discards all writes made through the Tx.
// Backends serialize Update calls against each other.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the transactional view handed to Store callbacks.
type Tx interface {
	// Account returns the balance record; ok is false for unknown accounts.
	Account(ctx context.Context, id string) (acct Account, ok bool, err error)
	PutAccount(ctx context.Context, acct Account) error

	Supply(ctx context.Context) (money.Amount, error)
	SetSupply(ctx context.Context, amount money.Amount) error

	// Pledges returns the account's pledges ordered by Seq. The slice is a
	// copy; callers persist changes through PutPledges.
	Pledges(ctx context.Context, accountID string) ([]Pledge, error)
	PutPledges(ctx context.Context, accountID string, pledges []Pledge) error

	// PendingAccounts lists, in ascending order, up to limit account ids
	// strictly greater than after that hold at least one unsettled pledge.
	PendingAccounts(ctx context.Context, after string, limit int) ([]string, error)

	BurnWindow(ctx context.Context) (open bool, err error)
	SetBurnWindow(ctx context.Context, open bool) error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres", "mongodb", or "file"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	FilePath        string
	PostgresPool    config.PostgresPoolConfig

	// Schema mapping (table names for Postgres, collection names for MongoDB)
	AccountsTableName string // Default: "ledger_accounts"
	IntentsTableName  string // Default: "ledger_intents"
	StateTableName    string // Default: "ledger_state"
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database pool.
// Pass nil to let postgres backends open their own pool.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "memory":
		// Memory backend loses every pledge on restart; development and tests only.
		return NewMemoryStore(), nil
	case "":
		// Auto-detect backend from provided configuration: postgres > mongodb > file.
		if cfg.PostgresURL != "" {
			return newPostgres(cfg, sharedDB)
		}
		if cfg.MongoDBURL != "" {
			if cfg.MongoDBDatabase == "" {
				cfg.MongoDBDatabase = "holdledger"
			}
			return newMongo(cfg)
		}
		if cfg.FilePath == "" {
			cfg.FilePath = "./data/holdledger.json"
		}
		return NewFileStore(cfg.FilePath)
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return newPostgres(cfg, sharedDB)
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return newMongo(cfg)
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file backend requires file_path")
		}
		return NewFileStore(cfg.FilePath)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func newPostgres(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	var (
		store *PostgresStore
		err   error
	)
	if sharedDB != nil {
		store, err = NewPostgresStoreWithDB(sharedDB)
	} else {
		store, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool)
	}
	if err != nil {
		return nil, err
	}
	mapped, err := store.WithTableNames(cfg.AccountsTableName, cfg.IntentsTableName, cfg.StateTableName)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return mapped, nil
}

func newMongo(cfg StoreConfig) (Store, error) {
	store, err := NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
	if err != nil {
		return nil, err
	}
	mapped, err := store.WithCollectionNames(cfg.AccountsTableName, cfg.StateTableName)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return mapped, nil
}

// withQueryTimeout applies DefaultQueryTimeout unless the caller already set a deadline.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}
