package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the hold ledger.
type Metrics struct {
	// Mint metrics
	MintsTotal        *prometheus.CounterVec
	MintedAmountTotal *prometheus.CounterVec

	// Settlement metrics
	SettlementsTotal    *prometheus.CounterVec
	PledgesSettledTotal prometheus.Counter
	BurnedAmountTotal   prometheus.Counter
	CapturedAmountTotal prometheus.Counter
	SettlementDuration  *prometheus.HistogramVec
	BatchAccounts       prometheus.Histogram
	BurnWindowOpen      prometheus.Gauge

	// Transfer metrics
	TransfersTotal *prometheus.CounterVec

	// Ledger errors by operation and error kind
	LedgerErrorsTotal *prometheus.CounterVec

	// Relay metrics
	RelayTotal        *prometheus.CounterVec
	RelayRetriesTotal *prometheus.CounterVec
	RelayDLQTotal     prometheus.Counter
	RelayDuration     prometheus.Histogram
	BreakerState      *prometheus.GaugeVec

	// Reconcile worker metrics
	ReconcileRunsTotal *prometheus.CounterVec

	// Stripe webhook intake
	WebhooksTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBTxDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		MintsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdledger_mints_total",
				Help: "Total number of mint calls by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		MintedAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdledger_minted_amount_total",
				Help: "Total atomic units deposited by mints",
			},
			[]string{"token"},
		),

		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdledger_settlements_total",
				Help: "Total number of settlement calls",
			},
			[]string{"mode"},
		),
		PledgesSettledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "holdledger_pledges_settled_total",
				Help: "Total number of pledges moved to settled",
			},
		),
		BurnedAmountTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "holdledger_burned_amount_total",
				Help: "Total atomic units burned by settlement",
			},
		),
		CapturedAmountTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "holdledger_captured_amount_total",
				Help: "Total atomic units instructed for capture",
			},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "holdledger_settlement_duration_seconds",
				Help:    "Time taken by one settlement call",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"mode"},
		),
		BatchAccounts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "holdledger_batch_accounts",
				Help:    "Accounts settled per batch call",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		BurnWindowOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "holdledger_burn_window_open",
				Help: "1 while the burn window is open, 0 otherwise",
			},
		),

		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdledger_transfers_total",
				Help: "Total number of holder transfers",
			},
			[]string{"status"},
		),

		LedgerErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdledger_errors_total",
				Help: "Ledger operations rejected or failed, by kind",
			},
			[]string{"operation", "kind"},
		),

		RelayTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdledger_relay_deliveries_total",
				Help: "Settlement relay deliveries by final status",
			},
			[]string{"event_type", "status"},
		),
		RelayRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdledger_relay_retries_total",
				Help: "Relay deliveries that needed more than one attempt",
			},
			[]string{"attempt"},
		),
		RelayDLQTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "holdledger_relay_dlq_total",
				Help: "Relay deliveries moved to the dead letter queue",
			},
		),
		RelayDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "holdledger_relay_duration_seconds",
				Help:    "Time from first relay attempt to final outcome",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
			},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "holdledger_circuit_breaker_state",
				Help: "Circuit breaker state per service: 0 closed, 1 half-open, 2 open",
			},
			[]string{"service"},
		),

		ReconcileRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdledger_reconcile_runs_total",
				Help: "Scheduled reconciliation passes by outcome",
			},
			[]string{"status"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdledger_stripe_webhooks_total",
				Help: "Stripe webhooks received by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "holdledger_rate_limit_hits_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limit_type"},
		),

		DBTxDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "holdledger_db_tx_duration_seconds",
				Help:    "Duration of storage transactions",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveMint records a mint outcome ("minted", "topped_up" or "rejected").
func (m *Metrics) ObserveMint(policy, outcome, token string, deposited uint64) {
	m.MintsTotal.WithLabelValues(policy, outcome).Inc()
	if deposited > 0 {
		m.MintedAmountTotal.WithLabelValues(token).Add(float64(deposited))
	}
}

// ObserveSettlement records one settlement call ("account" or "batch").
func (m *Metrics) ObserveSettlement(mode string, pledges int, burned, captured uint64, duration time.Duration) {
	m.SettlementsTotal.WithLabelValues(mode).Inc()
	m.PledgesSettledTotal.Add(float64(pledges))
	m.BurnedAmountTotal.Add(float64(burned))
	m.CapturedAmountTotal.Add(float64(captured))
	m.SettlementDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveBatch records how many accounts one batch call settled.
func (m *Metrics) ObserveBatch(accounts int) {
	m.BatchAccounts.Observe(float64(accounts))
}

// SetBurnWindow mirrors the burn window state.
func (m *Metrics) SetBurnWindow(open bool) {
	if open {
		m.BurnWindowOpen.Set(1)
		return
	}
	m.BurnWindowOpen.Set(0)
}

// ObserveTransfer records a holder transfer outcome.
func (m *Metrics) ObserveTransfer(status string) {
	m.TransfersTotal.WithLabelValues(status).Inc()
}

// ObserveLedgerError records a rejected or failed ledger operation.
func (m *Metrics) ObserveLedgerError(operation, kind string) {
	m.LedgerErrorsTotal.WithLabelValues(operation, kind).Inc()
}

// ObserveRelay records relay delivery.
func (m *Metrics) ObserveRelay(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	m.RelayTotal.WithLabelValues(eventType, status).Inc()
	m.RelayDuration.Observe(duration.Seconds())

	if attempt > 1 {
		m.RelayRetriesTotal.WithLabelValues(formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.RelayDLQTotal.Inc()
	}
}

// SetBreakerState mirrors a circuit breaker transition.
func (m *Metrics) SetBreakerState(service string, state int) {
	m.BreakerState.WithLabelValues(service).Set(float64(state))
}

// ObserveReconcile records a reconcile worker pass ("success", "failed" or "skipped").
func (m *Metrics) ObserveReconcile(status string) {
	m.ReconcileRunsTotal.WithLabelValues(status).Inc()
}

// ObserveWebhook records one Stripe webhook delivery.
func (m *Metrics) ObserveWebhook(eventType, outcome string) {
	m.WebhooksTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}

// ObserveDBTx records a storage transaction.
func (m *Metrics) ObserveDBTx(operation, backend string, duration time.Duration) {
	m.DBTxDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return strconv.Itoa(attempt)
	}
	return "5+"
}
