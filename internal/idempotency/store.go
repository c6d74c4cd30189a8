package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a cached response to a keyed request.
type Response struct {
	StatusCode  int
	Headers     map[string]string
	Body        []byte
	Fingerprint string // sha256 of the request body that produced it
	CachedAt    time.Time
}

// Store manages idempotency keys and cached responses.
type Store interface {
	// Get retrieves a cached response for the given key
	Get(ctx context.Context, key string) (*Response, bool)

	// Set stores a response for the given key with TTL
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error

	// Delete removes a cached response
	Delete(ctx context.Context, key string) error

	// Reserve marks key as in flight. It returns false when another request
	// already holds it.
	Reserve(ctx context.Context, key string) bool

	// Release drops the in-flight mark.
	Release(ctx context.Context, key string)
}

// MemoryStore is an in-memory Store with LRU eviction. Keys do not survive
// a restart; a replay after restart reaches the ledger, whose intent checks
// still refuse a duplicate mint.
type MemoryStore struct {
	mu          sync.Mutex
	cache       map[string]*cacheEntry
	inflight    map[string]struct{}
	lru         *list.List
	maxSize     int
	now         func() time.Time
	stopOnce    sync.Once
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type cacheEntry struct {
	key      string
	response *Response
	expires  time.Time
	element  *list.Element
}

// NewMemoryStore creates a store holding at most 10,000 responses.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000)
}

// NewMemoryStoreWithSize creates a store with a custom maximum size.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 1
	}
	s := &MemoryStore{
		cache:       make(map[string]*cacheEntry),
		inflight:    make(map[string]struct{}),
		lru:         list.New(),
		maxSize:     maxSize,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go s.cleanup()

	return s
}

// Get retrieves a cached response for the given key.
func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.cache[key]
	if !found || now.After(entry.expires) {
		return nil, false
	}
	s.lru.MoveToFront(entry.element)
	return entry.response, true
}

// Set stores a response for the given key with TTL.
func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	expires := s.now().Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.cache[key]; exists {
		entry.response = response
		entry.expires = expires
		s.lru.MoveToFront(entry.element)
		return nil
	}

	// Evict first so the map never exceeds maxSize.
	if len(s.cache) >= s.maxSize {
		s.evictLRU()
	}

	entry := &cacheEntry{key: key, response: response, expires: expires}
	entry.element = s.lru.PushFront(entry)
	s.cache[key] = entry
	return nil
}

// evictLRU removes the least recently used entry (caller must hold lock).
func (s *MemoryStore) evictLRU() {
	element := s.lru.Back()
	if element == nil {
		return
	}
	s.remove(element.Value.(*cacheEntry))
}

func (s *MemoryStore) remove(entry *cacheEntry) {
	s.lru.Remove(entry.element)
	delete(s.cache, entry.key)
}

// Delete removes a cached response.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.cache[key]; exists {
		s.remove(entry)
	}
	return nil
}

// Reserve marks key as in flight.
func (s *MemoryStore) Reserve(_ context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

// Release drops the in-flight mark.
func (s *MemoryStore) Release(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

// Len reports the number of cached responses, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *MemoryStore) purgeExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.cache {
		if now.After(entry.expires) {
			s.remove(entry)
		}
	}
}

// Stop shuts down the cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
	<-s.cleanupDone
}

// Close implements io.Closer for lifecycle registration.
func (s *MemoryStore) Close() error {
	s.Stop()
	return nil
}
