package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/metrics"
)

// ServiceType identifies an external dependency with its own breaker.
type ServiceType string

// ServiceRelay guards delivery of settlement instructions to the capture pipeline.
const ServiceRelay ServiceType = "settlement_relay"

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

// Manager keeps one breaker per external service.
type Manager struct {
	enabled  bool
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	Enabled bool
	Relay   BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests passed through while half-open.
	MaxRequests uint32

	// Interval clears counts in the closed state; 0 never clears.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// Trip on ConsecutiveFailures, or on FailureRatio once MinRequests is reached.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetrics exports breaker transitions as a gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// NewManagerFromConfig builds a Manager from the circuit_breaker config section.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, logger zerolog.Logger, opts ...Option) *Manager {
	return NewManager(Config{
		Enabled: cfg.Enabled,
		Relay: BreakerConfig{
			MaxRequests:         cfg.Relay.MaxRequests,
			Interval:            cfg.Relay.Interval.Duration,
			Timeout:             cfg.Relay.Timeout.Duration,
			ConsecutiveFailures: cfg.Relay.ConsecutiveFailures,
			FailureRatio:        cfg.Relay.FailureRatio,
			MinRequests:         cfg.Relay.MinRequests,
		},
	}, logger, opts...)
}

// NewManager creates a Manager. A disabled manager passes every call through.
func NewManager(cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		enabled:  cfg.Enabled,
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceRelay] = gobreaker.NewCircuitBreaker(m.settings(ServiceRelay, cfg.Relay))
	if m.metrics != nil {
		m.metrics.SetBreakerState(string(ServiceRelay), int(gobreaker.StateClosed))
	}
	return m
}

// Execute wraps fn with breaker protection. Disabled or unknown services pass through.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	breaker := m.breaker(service)
	if breaker == nil {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the breaker state, "disabled" or "not_configured".
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.enabled {
		return "disabled"
	}
	breaker := m.breaker(service)
	if breaker == nil {
		return "not_configured"
	}
	return breaker.State().String()
}

func (m *Manager) breaker(service ServiceType) *gobreaker.CircuitBreaker {
	if m == nil || !m.enabled {
		return nil
	}
	return m.breakers[service]
}

func (m *Manager) settings(service ServiceType, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        string(service),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := m.logger.Info()
			if to == gobreaker.StateOpen {
				// Settlement instructions pile up in the DLQ until the pipeline recovers.
				ev = m.logger.Warn()
			}
			ev.Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_change")
			if m.metrics != nil {
				m.metrics.SetBreakerState(name, int(to))
			}
		},
	}
}

// DefaultConfig mirrors the config package defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Relay: BreakerConfig{
			MaxRequests:         5,
			Interval:            60 * time.Second,
			Timeout:             60 * time.Second,
			ConsecutiveFailures: 10,
			FailureRatio:        0.7,
			MinRequests:         20,
		},
	}
}
