package lifecycle

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// Manager closes registered resources in reverse order on shutdown.
type Manager struct {
	mu        sync.Mutex
	resources []resource
	logger    zerolog.Logger
	closed    bool
}

type resource struct {
	name  string
	close func(context.Context) error
}

// NewManager creates a new resource lifecycle manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		resources: make([]resource, 0),
		logger:    logger,
	}
}

// Register adds a resource to be closed when the manager is closed.
// Resources are closed in reverse order of registration (LIFO).
func (m *Manager) Register(name string, closer io.Closer) {
	m.RegisterContextFunc(name, func(context.Context) error { return closer.Close() })
}

// RegisterFunc wraps a cleanup function.
func (m *Manager) RegisterFunc(name string, fn func() error) {
	m.RegisterContextFunc(name, func(context.Context) error { return fn() })
}

// RegisterContextFunc adds a cleanup that honours the shutdown deadline,
// such as draining in-flight relay deliveries.
func (m *Manager) RegisterContextFunc(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = append(m.resources, resource{name: name, close: fn})
}

// Close closes all registered resources in reverse order. Every resource is
// attempted; the first error is returned. A second Close is a no-op.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for i := len(m.resources) - 1; i >= 0; i-- {
		res := m.resources[i]
		if err := res.close(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("resource", res.name).
				Msg("lifecycle.close_resource_failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.logger.Debug().Str("resource", res.name).Msg("lifecycle.closed")
	}

	return firstErr
}
