package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// NoopDLQStore discards all failed deliveries.
type NoopDLQStore struct{}

func (NoopDLQStore) SaveFailedDelivery(context.Context, FailedDelivery) error { return nil }
func (NoopDLQStore) ListFailedDeliveries(context.Context, int) ([]FailedDelivery, error) {
	return []FailedDelivery{}, nil
}
func (NoopDLQStore) DeleteFailedDelivery(context.Context, string) error { return nil }

// MemoryDLQStore stores failed deliveries in memory (for testing/development).
type MemoryDLQStore struct {
	mu         sync.RWMutex
	deliveries map[string]FailedDelivery
}

// NewMemoryDLQStore creates an in-memory DLQ store.
func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{
		deliveries: make(map[string]FailedDelivery),
	}
}

func (m *MemoryDLQStore) SaveFailedDelivery(ctx context.Context, delivery FailedDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[delivery.ID] = delivery
	return nil
}

func (m *MemoryDLQStore) ListFailedDeliveries(ctx context.Context, limit int) ([]FailedDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return oldestFirst(m.deliveries, limit), nil
}

func (m *MemoryDLQStore) DeleteFailedDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deliveries, id)
	return nil
}

// FileDLQStore stores failed deliveries in a JSON file.
type FileDLQStore struct {
	mu         sync.RWMutex
	filePath   string
	deliveries map[string]FailedDelivery
}

// NewFileDLQStore creates a file-based DLQ store.
func NewFileDLQStore(filePath string) (*FileDLQStore, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create DLQ directory: %w", err)
		}
	}

	store := &FileDLQStore{
		filePath:   filePath,
		deliveries: make(map[string]FailedDelivery),
	}

	if err := store.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load DLQ file: %w", err)
	}

	return store, nil
}

func (f *FileDLQStore) SaveFailedDelivery(ctx context.Context, delivery FailedDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deliveries[delivery.ID] = delivery
	return f.persist()
}

func (f *FileDLQStore) ListFailedDeliveries(ctx context.Context, limit int) ([]FailedDelivery, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return oldestFirst(f.deliveries, limit), nil
}

func (f *FileDLQStore) DeleteFailedDelivery(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.deliveries, id)
	return f.persist()
}

func (f *FileDLQStore) load() error {
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}

	var deliveries map[string]FailedDelivery
	if err := json.Unmarshal(data, &deliveries); err != nil {
		return fmt.Errorf("unmarshal DLQ data: %w", err)
	}
	if deliveries != nil {
		f.deliveries = deliveries
	}
	return nil
}

func (f *FileDLQStore) persist() error {
	data, err := json.MarshalIndent(f.deliveries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal DLQ data: %w", err)
	}

	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}

	if err := os.Rename(tmpPath, f.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename DLQ file: %w", err)
	}

	return nil
}

// Close is a no-op; every write is persisted immediately.
func (f *FileDLQStore) Close() error {
	return nil
}

// oldestFirst returns up to limit deliveries ordered by creation time.
func oldestFirst(in map[string]FailedDelivery, limit int) []FailedDelivery {
	result := make([]FailedDelivery, 0, len(in))
	for _, d := range in {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
