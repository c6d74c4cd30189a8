package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/schema"
	"github.com/lib/pq"
)

const (
	supplyKey     = "total_supply"
	burnWindowKey = "burn_window_open"

	// maxSerializationRetries bounds how often Update replays fn after a
	// serialization failure (SQLSTATE 40001).
	maxSerializationRetries = 3
)

// PostgresStore implements Store using PostgreSQL. Each Update runs in one
// SERIALIZABLE transaction, so concurrent settlements of the same account
// cannot both commit.
type PostgresStore struct {
	db                *sql.DB
	ownsDB            bool   // Track if we created the DB connection (for Close())
	accountsTableName string // Configurable table name (default: "ledger_accounts")
	intentsTableName  string // Configurable table name (default: "ledger_intents")
	stateTableName    string // Configurable table name (default: "ledger_state")
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close() error is not actionable here and would obscure the ping failure.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := newPostgresStore(db, true)
	if err := store.createPostgresTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := newPostgresStore(db, false)
	if err := store.createPostgresTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func newPostgresStore(db *sql.DB, owns bool) *PostgresStore {
	return &PostgresStore{
		db:                db,
		ownsDB:            owns,
		accountsTableName: schema.DefaultAccountsTable,
		intentsTableName:  schema.DefaultIntentsTable,
		stateTableName:    schema.DefaultStateTable,
	}
}

// WithTableNames sets custom table names (for schema_mapping support) and
// creates any that are missing.
func (s *PostgresStore) WithTableNames(accounts, intents, state string) (*PostgresStore, error) {
	if accounts == "" && intents == "" && state == "" {
		return s, nil
	}
	tables := schema.Tables{
		Accounts: s.accountsTableName,
		Intents:  s.intentsTableName,
		State:    s.stateTableName,
	}.Override(accounts, intents, state)
	// Names are interpolated into DDL and queries.
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	s.accountsTableName = tables.Accounts
	s.intentsTableName = tables.Intents
	s.stateTableName = tables.State
	if err := s.createPostgresTables(); err != nil {
		return nil, err
	}
	return s, nil
}

// createPostgresTables creates the ledger tables if they don't exist.
// Amounts are BIGINT atomic units; a NULL burn_amount marks an unsettled pledge.
func (s *PostgresStore) createPostgresTables() error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			account_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			registered BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS %[2]s (
			account_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			intent_id TEXT NOT NULL,
			amount BIGINT NOT NULL CHECK (amount > 0),
			burn_amount BIGINT,
			capture_amount BIGINT,
			settled_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (account_id, seq),
			CHECK ((burn_amount IS NULL) = (capture_amount IS NULL))
		);

		CREATE TABLE IF NOT EXISTS %[3]s (
			key TEXT PRIMARY KEY,
			value BIGINT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_%[2]s_unsettled ON %[2]s(account_id) WHERE burn_amount IS NULL;
		CREATE INDEX IF NOT EXISTS idx_%[2]s_intent ON %[2]s(account_id, intent_id);

		INSERT INTO %[3]s (key, value) VALUES ('%[4]s', 0), ('%[5]s', 0)
		ON CONFLICT (key) DO NOTHING;
	`, s.accountsTableName, s.intentsTableName, s.stateTableName, supplyKey, burnWindowKey)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create postgres tables: %w", err)
	}
	return nil
}

// Update runs fn inside a SERIALIZABLE transaction, replaying it when
// PostgreSQL reports a serialization failure.
func (s *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
		err = s.runTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return fmt.Errorf("postgres: transaction retries exhausted: %w", err)
}

// View runs fn inside a read-only transaction.
func (s *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.runTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (s *PostgresStore) runTx(ctx context.Context, opts *sql.TxOptions, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&pgTx{tx: tx, s: s}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// Close closes the database connection if this store created it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// pgTx implements Tx over a *sql.Tx.
type pgTx struct {
	tx *sql.Tx
	s  *PostgresStore
}

func (t *pgTx) Account(ctx context.Context, id string) (Account, bool, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT balance, registered FROM %s WHERE account_id = $1`, t.s.accountsTableName)
	var (
		balance    int64
		registered bool
	)
	err := t.tx.QueryRowContext(ctx, query, id).Scan(&balance, &registered)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, fmt.Errorf("query account: %w", err)
	}
	amt, err := money.FromInt64(balance)
	if err != nil {
		return Account{}, false, err
	}
	return Account{ID: id, Balance: amt, Registered: registered}, true, nil
}

func (t *pgTx) PutAccount(ctx context.Context, acct Account) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (account_id, balance, registered, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_id) DO UPDATE
		SET balance = EXCLUDED.balance, registered = EXCLUDED.registered, updated_at = NOW()
	`, t.s.accountsTableName)
	if _, err := t.tx.ExecContext(ctx, query, acct.ID, acct.Balance.Int64(), acct.Registered); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (t *pgTx) stateValue(ctx context.Context, key string) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, t.s.stateTableName)
	var v int64
	err := t.tx.QueryRowContext(ctx, query, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", key, err)
	}
	return v, nil
}

func (t *pgTx) setStateValue(ctx context.Context, key string, v int64) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, t.s.stateTableName)
	if _, err := t.tx.ExecContext(ctx, query, key, v); err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) Supply(ctx context.Context) (money.Amount, error) {
	v, err := t.stateValue(ctx, supplyKey)
	if err != nil {
		return 0, err
	}
	return money.FromInt64(v)
}

func (t *pgTx) SetSupply(ctx context.Context, amount money.Amount) error {
	return t.setStateValue(ctx, supplyKey, amount.Int64())
}

func (t *pgTx) BurnWindow(ctx context.Context) (bool, error) {
	v, err := t.stateValue(ctx, burnWindowKey)
	return v != 0, err
}

func (t *pgTx) SetBurnWindow(ctx context.Context, open bool) error {
	var v int64
	if open {
		v = 1
	}
	return t.setStateValue(ctx, burnWindowKey, v)
}

func (t *pgTx) Pledges(ctx context.Context, accountID string) ([]Pledge, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT seq, intent_id, amount, burn_amount, capture_amount, settled_at, created_at
		FROM %s WHERE account_id = $1 ORDER BY seq
	`, t.s.intentsTableName)
	rows, err := t.tx.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query intents: %w", err)
	}
	defer rows.Close()

	var pledges []Pledge
	for rows.Next() {
		var (
			p         Pledge
			amount    int64
			burn      sql.NullInt64
			capture   sql.NullInt64
			settledAt sql.NullTime
		)
		if err := rows.Scan(&p.Seq, &p.IntentID, &amount, &burn, &capture, &settledAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		p.AccountID = accountID
		p.Amount = money.Amount(amount)
		if burn.Valid {
			p.Settlement = &Settlement{
				Burn:      money.Amount(burn.Int64),
				Capture:   money.Amount(capture.Int64),
				SettledAt: settledAt.Time,
			}
		}
		pledges = append(pledges, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intents: %w", err)
	}
	return pledges, nil
}

// PutPledges upserts every pledge of the account keyed by (account_id, seq).
func (t *pgTx) PutPledges(ctx context.Context, accountID string, pledges []Pledge) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (account_id, seq, intent_id, amount, burn_amount, capture_amount, settled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, seq) DO UPDATE
		SET amount = EXCLUDED.amount,
			burn_amount = EXCLUDED.burn_amount,
			capture_amount = EXCLUDED.capture_amount,
			settled_at = EXCLUDED.settled_at
	`, t.s.intentsTableName)
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare intent upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range pledges {
		var burn, capture sql.NullInt64
		var settledAt sql.NullTime
		if p.Settlement != nil {
			burn = sql.NullInt64{Int64: p.Settlement.Burn.Int64(), Valid: true}
			capture = sql.NullInt64{Int64: p.Settlement.Capture.Int64(), Valid: true}
			settledAt = sql.NullTime{Time: p.Settlement.SettledAt, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, accountID, p.Seq, p.IntentID, p.Amount.Int64(), burn, capture, settledAt, p.CreatedAt); err != nil {
			return fmt.Errorf("upsert intent %s: %w", p.IntentID, err)
		}
	}
	return nil
}

func (t *pgTx) PendingAccounts(ctx context.Context, after string, limit int) ([]string, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT DISTINCT account_id FROM %s
		WHERE burn_amount IS NULL AND account_id > $1
		ORDER BY account_id
	`, t.s.intentsTableName)
	args := []interface{}{after}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending account: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
