package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CedrosPay/holdledger/internal/circuitbreaker"
	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/httputil"
	"github.com/CedrosPay/holdledger/internal/metrics"
	"github.com/rs/zerolog"
)

// IdempotencyHeader carries the event id on every delivery attempt.
const IdempotencyHeader = "Idempotency-Key"

const relayUserAgent = "holdledger-relay/1"

// RetryConfig holds relay retry configuration.
type RetryConfig struct {
	MaxAttempts     int           // Maximum attempts (default: 5)
	InitialInterval time.Duration // Initial backoff interval (default: 1s)
	MaxInterval     time.Duration // Maximum backoff interval (default: 5m)
	Multiplier      float64       // Backoff multiplier (default: 2.0)
	Timeout         time.Duration // Per-attempt timeout (default: 10s)
}

// DefaultRetryConfig returns sensible defaults for relay retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Timeout:         10 * time.Second,
	}
}

// RetryConfigFrom converts the relay section of the application config.
func RetryConfigFrom(cfg config.RelayConfig) RetryConfig {
	out := DefaultRetryConfig()
	if cfg.Retry.MaxAttempts > 0 {
		out.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval.Duration > 0 {
		out.InitialInterval = cfg.Retry.InitialInterval.Duration
	}
	if cfg.Retry.MaxInterval.Duration > 0 {
		out.MaxInterval = cfg.Retry.MaxInterval.Duration
	}
	if cfg.Retry.Multiplier >= 1 {
		out.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Timeout.Duration > 0 {
		out.Timeout = cfg.Timeout.Duration
	}
	if !cfg.Retry.Enabled {
		out.MaxAttempts = 1
	}
	return out
}

// RetryableClient posts ledger events to the relay URL with exponential
// backoff, an optional circuit breaker and a dead letter queue.
// A client built without a URL drops every event.
type RetryableClient struct {
	cfg        config.RelayConfig
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	dlqStore   DLQStore
	metrics    *metrics.Metrics
	breakers   *circuitbreaker.Manager

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// DLQStore persists deliveries that exhausted their retries.
type DLQStore interface {
	SaveFailedDelivery(ctx context.Context, delivery FailedDelivery) error
	ListFailedDeliveries(ctx context.Context, limit int) ([]FailedDelivery, error)
	DeleteFailedDelivery(ctx context.Context, id string) error
}

// FailedDelivery is a relay request that exhausted all attempts.
type FailedDelivery struct {
	ID          string            `json:"id"`
	EventID     string            `json:"eventId"`
	URL         string            `json:"url"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers"`
	EventType   string            `json:"eventType"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"lastError"`
	LastAttempt time.Time         `json:"lastAttempt"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// RetryOption customizes the retry client behavior.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) {
		c.logger = logger
	}
}

// WithDLQStore enables the dead letter queue.
func WithDLQStore(store DLQStore) RetryOption {
	return func(c *RetryableClient) {
		c.dlqStore = store
	}
}

// WithRetryConfig overrides the retry configuration derived from RelayConfig.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) {
		c.retryCfg = cfg
	}
}

// WithMetrics sets the metrics collector for relay observability.
func WithMetrics(metrics *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) {
		c.metrics = metrics
	}
}

// WithCircuitBreaker routes every attempt through the relay breaker.
func WithCircuitBreaker(m *circuitbreaker.Manager) RetryOption {
	return func(c *RetryableClient) {
		c.breakers = m
	}
}

// NewRetryableClient constructs the settlement relay.
func NewRetryableClient(cfg config.RelayConfig, opts ...RetryOption) *RetryableClient {
	retryCfg := RetryConfigFrom(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	client := &RetryableClient{
		cfg:        cfg,
		retryCfg:   retryCfg,
		httpClient: httputil.NewClient(retryCfg.Timeout, httputil.WithUserAgent(relayUserAgent)),
		logger:     zerolog.Nop(),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Enabled reports whether a relay URL is configured.
func (c *RetryableClient) Enabled() bool {
	return c != nil && c.cfg.URL != ""
}

// MintRecorded dispatches the mint event asynchronously.
func (c *RetryableClient) MintRecorded(_ context.Context, event MintEvent) {
	if !c.Enabled() {
		return
	}
	PrepareMintEvent(&event)
	c.dispatch(event.EventID, event.EventType, event)
}

// SettlementCompleted dispatches the settlement event asynchronously.
// The EventID is fixed before the first attempt so every retry carries the same key.
func (c *RetryableClient) SettlementCompleted(_ context.Context, event SettlementEvent) {
	if !c.Enabled() {
		return
	}
	PrepareSettlementEvent(&event)
	c.dispatch(event.EventID, event.EventType, event)
}

func (c *RetryableClient) dispatch(eventID, eventType string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Str("event_type", eventType).Msg("relay.serialize_failed")
		return
	}
	headers := c.headersFor(eventID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		attempts, err := c.sendWithRetry(c.ctx, payload, headers, eventType)
		if err == nil {
			return
		}
		c.logger.Error().
			Err(err).
			Str("event_id", eventID).
			Str("event_type", eventType).
			Msg("relay.delivery_failed")
		if c.dlqStore != nil {
			c.saveToDLQ(context.Background(), eventID, payload, headers, eventType, attempts, err)
		}
	}()
}

// Close waits for in-flight deliveries until ctx expires, then aborts the rest.
// Aborted deliveries still land in the DLQ.
func (c *RetryableClient) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

func (c *RetryableClient) headersFor(eventID string) map[string]string {
	headers := make(map[string]string, len(c.cfg.Headers)+1)
	for k, v := range c.cfg.Headers {
		if k == "" {
			continue
		}
		headers[k] = v
	}
	headers[IdempotencyHeader] = eventID
	return headers
}

// sendWithRetry attempts delivery with exponential backoff and returns the
// number of attempts made.
func (c *RetryableClient) sendWithRetry(ctx context.Context, payload []byte, headers map[string]string, eventType string) (int, error) {
	var lastErr error
	interval := c.retryCfg.InitialInterval
	startTime := time.Now()

	attempt := 1
attempts:
	for ; attempt <= c.retryCfg.MaxAttempts; attempt++ {
		err := c.attempt(ctx, c.cfg.URL, payload, headers)
		if err == nil {
			if c.metrics != nil {
				c.metrics.ObserveRelay(eventType, "success", time.Since(startTime), attempt, false)
			}
			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Str("event_type", eventType).
					Msg("relay.delivered_after_retry")
			}
			return attempt, nil
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.retryCfg.MaxAttempts).
			Str("event_type", eventType).
			Dur("next_retry", interval).
			Msg("relay.attempt_failed")

		if attempt == c.retryCfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			break attempts
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
		if interval > c.retryCfg.MaxInterval {
			interval = c.retryCfg.MaxInterval
		}
	}

	if attempt > c.retryCfg.MaxAttempts {
		attempt = c.retryCfg.MaxAttempts
	}
	if c.metrics != nil {
		c.metrics.ObserveRelay(eventType, "failed", time.Since(startTime), attempt, false)
	}
	return attempt, fmt.Errorf("relay failed after %d attempts: %w", attempt, lastErr)
}

// attempt performs one bounded HTTP request, through the breaker when configured.
func (c *RetryableClient) attempt(ctx context.Context, url string, payload []byte, headers map[string]string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
	defer cancel()

	if c.breakers == nil {
		return c.sendHTTP(reqCtx, url, payload, headers)
	}
	_, err := c.breakers.Execute(circuitbreaker.ServiceRelay, func() (interface{}, error) {
		return nil, c.sendHTTP(reqCtx, url, payload, headers)
	})
	return err
}

func (c *RetryableClient) sendHTTP(ctx context.Context, url string, payload []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if strings.EqualFold(k, "content-type") {
			req.Header.Set("Content-Type", v)
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, url)
	}

	return nil
}

func (c *RetryableClient) saveToDLQ(ctx context.Context, eventID string, payload []byte, headers map[string]string, eventType string, attempts int, lastErr error) {
	now := time.Now().UTC()
	delivery := FailedDelivery{
		ID:          "dlq_" + eventID,
		EventID:     eventID,
		URL:         c.cfg.URL,
		Payload:     json.RawMessage(payload),
		Headers:     headers,
		EventType:   eventType,
		Attempts:    attempts,
		LastError:   lastErr.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}

	if err := c.dlqStore.SaveFailedDelivery(ctx, delivery); err != nil {
		c.logger.Error().Err(err).Str("delivery_id", delivery.ID).Msg("relay.dlq_save_failed")
		return
	}

	if c.metrics != nil {
		c.metrics.ObserveRelay(eventType, "dlq", 0, attempts, true)
	}
	c.logger.Info().
		Str("delivery_id", delivery.ID).
		Str("event_type", eventType).
		Int("attempts", attempts).
		Msg("relay.dlq_saved")
}

// ReplayResult summarizes one DLQ replay pass.
type ReplayResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// ReplayDLQ retries up to limit dead-lettered deliveries once each. Delivered
// entries are removed; failures stay queued with their attempt count bumped.
func (c *RetryableClient) ReplayDLQ(ctx context.Context, limit int) (ReplayResult, error) {
	var result ReplayResult
	if c == nil || c.dlqStore == nil {
		return result, nil
	}

	deliveries, err := c.dlqStore.ListFailedDeliveries(ctx, limit)
	if err != nil {
		return result, fmt.Errorf("list dlq: %w", err)
	}

	for _, d := range deliveries {
		start := time.Now()
		sendErr := c.attempt(ctx, d.URL, d.Payload, d.Headers)
		if sendErr == nil {
			if err := c.dlqStore.DeleteFailedDelivery(ctx, d.ID); err != nil {
				return result, fmt.Errorf("delete dlq entry %s: %w", d.ID, err)
			}
			result.Delivered++
			if c.metrics != nil {
				c.metrics.ObserveRelay(d.EventType, "replayed", time.Since(start), d.Attempts+1, false)
			}
			continue
		}

		result.Failed++
		d.Attempts++
		d.LastError = sendErr.Error()
		d.LastAttempt = time.Now().UTC()
		if err := c.dlqStore.SaveFailedDelivery(ctx, d); err != nil {
			return result, fmt.Errorf("update dlq entry %s: %w", d.ID, err)
		}
	}

	if len(deliveries) > 0 {
		c.logger.Info().
			Int("delivered", result.Delivered).
			Int("failed", result.Failed).
			Msg("relay.dlq_replayed")
	}
	return result, nil
}
