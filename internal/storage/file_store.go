package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/CedrosPay/holdledger/internal/money"
)

// FileStore implements Store using a JSON file. Every committed Update is
// written to disk before it becomes visible, so a crash never loses an
// acknowledged mint or settlement.
//
// FileStore is NOT safe for multiple processes sharing one file. Use
// PostgreSQL or MongoDB for production deployments.
type FileStore struct {
	filePath string
	mu       sync.RWMutex
	state    *ledgerState
}

// fileData represents the JSON structure stored in the file.
type fileData struct {
	Accounts    map[string]Account  `json:"accounts"`
	Intents     map[string][]Pledge `json:"intents"`
	TotalSupply money.Amount        `json:"total_supply"`
	BurnWindow  bool                `json:"burn_window_open"`
}

// NewFileStore creates a new file-backed store, loading any existing data.
func NewFileStore(filePath string) (*FileStore, error) {
	if env := os.Getenv("ENVIRONMENT"); env == "production" || env == "prod" {
		fmt.Fprintf(os.Stderr, "WARNING: file storage backend in production; use postgres or mongodb\n")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	store := &FileStore{
		filePath: filePath,
		state:    newLedgerState(),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// load reads data from the file.
func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var fd fileData
	if err := json.Unmarshal(data, &fd); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}

	if fd.Accounts != nil {
		s.state.accounts = fd.Accounts
	}
	if fd.Intents != nil {
		s.state.pledges = fd.Intents
	}
	s.state.supply = fd.TotalSupply
	s.state.burnWindow = fd.BurnWindow
	return nil
}

// save writes the given state to disk atomically.
func (s *FileStore) save(state *ledgerState) error {
	jsonData, err := json.MarshalIndent(fileData{
		Accounts:    state.accounts,
		Intents:     state.pledges,
		TotalSupply: state.supply,
		BurnWindow:  state.burnWindow,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// Update runs fn under the store-wide write lock. The resulting state is
// persisted first; if persisting fails the call returns the error and the
// in-memory state is left untouched.
func (s *FileStore) Update(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := newMemTx(s.state, false)
	if err := fn(tx); err != nil {
		return err
	}

	next := s.state.clone()
	tx.applyTo(next)
	if err := s.save(next); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	s.state = next
	return nil
}

// View runs fn against a read-only snapshot.
func (s *FileStore) View(ctx context.Context, fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(newMemTx(s.state, true))
}

// Close closes the file store. All data is already on disk.
func (s *FileStore) Close() error {
	return nil
}
