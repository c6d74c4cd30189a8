package holdledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/holdledger/internal/callbacks"
	"github.com/CedrosPay/holdledger/internal/circuitbreaker"
	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/dbpool"
	"github.com/CedrosPay/holdledger/internal/httpserver"
	"github.com/CedrosPay/holdledger/internal/idempotency"
	"github.com/CedrosPay/holdledger/internal/ledger"
	"github.com/CedrosPay/holdledger/internal/lifecycle"
	"github.com/CedrosPay/holdledger/internal/logger"
	"github.com/CedrosPay/holdledger/internal/metrics"
	"github.com/CedrosPay/holdledger/internal/reconcile"
	"github.com/CedrosPay/holdledger/internal/storage"
	stripesvc "github.com/CedrosPay/holdledger/internal/stripe"
	"github.com/CedrosPay/holdledger/internal/token"
)

// App wires the ledger components for embedding or standalone serving.
type App struct {
	Config *config.Config
	Store  storage.Store
	Ledger *ledger.Ledger
	Relay  *callbacks.RetryableClient // nil when a notifier was injected
	Stripe *stripesvc.Client          // nil when no webhook secret is configured
	Worker *reconcile.Worker

	server           *httpserver.Server
	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
	logger           zerolog.Logger
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	backend  string
	notifier callbacks.Notifier
	router   chi.Router
	registry prometheus.Registerer
	logger   *zerolog.Logger
}

// WithStore sets a custom storage backend. The caller keeps ownership and
// closes it.
func WithStore(store storage.Store, backend string) Option {
	return func(o *options) {
		o.store = store
		o.backend = backend
	}
}

// WithNotifier replaces the HTTP settlement relay.
func WithNotifier(notifier callbacks.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithRouter registers routes onto an existing chi.Router.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegistry registers metrics on registry instead of the default one.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithLogger sets the application logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

// NewApp assembles the ledger services. On error every resource opened so
// far is released.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("holdledger: config required")
	}

	optState := options{registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := zerolog.Nop()
	if optState.logger != nil {
		appLogger = *optState.logger
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(appLogger),
		logger:          appLogger,
	}
	defer func() {
		if err != nil {
			_ = app.resourceManager.Close(context.Background())
		}
	}()

	backend := optState.backend
	if optState.store != nil {
		app.Store = optState.store
		if backend == "" {
			backend = "custom"
		}
	} else {
		app.Store, backend, err = openStore(ctx, cfg.Storage, app.resourceManager)
		if err != nil {
			return nil, err
		}
		if backend == "memory" {
			appLogger.Warn().Msg("holdledger: in-memory store loses every pledge on restart")
		}
	}

	metricsCollector := metrics.New(optState.registry)
	app.metricsCollector = metricsCollector

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, logger.Component(appLogger, "circuitbreaker"),
		circuitbreaker.WithMetrics(metricsCollector))

	notifier := optState.notifier
	if notifier == nil {
		relayOpts := []callbacks.RetryOption{
			callbacks.WithRetryLogger(logger.Component(appLogger, "relay")),
			callbacks.WithMetrics(metricsCollector),
			callbacks.WithCircuitBreaker(breakers),
		}
		if cfg.Relay.DLQEnabled {
			dlqStore, dlqErr := callbacks.NewFileDLQStore(cfg.Relay.DLQPath)
			if dlqErr != nil {
				return nil, fmt.Errorf("init relay dlq: %w", dlqErr)
			}
			app.resourceManager.Register("relay-dlq", dlqStore)
			relayOpts = append(relayOpts, callbacks.WithDLQStore(dlqStore))
		}
		app.Relay = callbacks.NewRetryableClient(cfg.Relay, relayOpts...)
		app.resourceManager.RegisterContextFunc("relay", app.Relay.Close)
		notifier = app.Relay
	}

	book := token.NewBook(cfg.TokenMetadata(), cfg.Token.AllowedDestinations)
	app.Ledger, err = ledger.New(app.Store, book, ledger.PolicyFromConfig(cfg.Ledger),
		ledger.WithNotifier(notifier),
		ledger.WithMetrics(metricsCollector),
		ledger.WithLogger(logger.Component(appLogger, "ledger")),
		ledger.WithBackendLabel(backend),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Stripe.WebhookSecret != "" {
		app.Stripe = stripesvc.NewClient(cfg.Stripe, app.Ledger, app.Ledger.Token(), metricsCollector)
	}

	// Relay may be nil here; the worker then skips DLQ replay.
	var replayer reconcile.Replayer
	if app.Relay != nil {
		replayer = app.Relay
	}
	app.Worker = reconcile.NewWorker(cfg.Reconcile, app.Ledger, replayer, metricsCollector, logger.Component(appLogger, "reconcile"))
	app.resourceManager.RegisterFunc("reconcile-worker", func() error {
		app.Worker.Stop()
		return nil
	})

	if optState.router != nil {
		app.router = optState.router
		idem := idempotency.NewMemoryStore()
		app.resourceManager.Register("idempotency-store", idem)
		httpserver.ConfigureRouter(app.router, cfg, app.Ledger, app.Stripe, idem, metricsCollector, appLogger)
	} else {
		app.server = httpserver.New(cfg, app.Ledger, app.Stripe, metricsCollector, appLogger)
	}

	return app, nil
}

// openStore builds the configured backend and reports the backend label used
// in metrics. PostgreSQL stores borrow a shared pool closed after the store.
func openStore(ctx context.Context, cfg config.StorageConfig, resources *lifecycle.Manager) (storage.Store, string, error) {
	storeCfg := storage.StoreConfig{
		Backend:           cfg.Backend,
		PostgresURL:       cfg.PostgresURL,
		MongoDBURL:        cfg.MongoDBURL,
		MongoDBDatabase:   cfg.MongoDBDatabase,
		FilePath:          cfg.FilePath,
		PostgresPool:      cfg.PostgresPool,
		AccountsTableName: cfg.SchemaMapping.Accounts.TableName,
		IntentsTableName:  cfg.SchemaMapping.Intents.TableName,
		StateTableName:    cfg.SchemaMapping.State.TableName,
	}
	backend := detectBackend(cfg)

	var sharedDB *dbpool.SharedPool
	if backend == "postgres" {
		pool, err := dbpool.NewSharedPool(ctx, cfg.PostgresURL, cfg.PostgresPool)
		if err != nil {
			return nil, backend, err
		}
		resources.Register("postgres-pool", pool)
		sharedDB = pool
	}

	var (
		store storage.Store
		err   error
	)
	if sharedDB != nil {
		store, err = storage.NewStoreWithDB(storeCfg, sharedDB.DB())
	} else {
		store, err = storage.NewStore(storeCfg)
	}
	if err != nil {
		return nil, backend, fmt.Errorf("init %s store: %w", backend, err)
	}
	resources.Register("storage", store)
	return store, backend, nil
}

// detectBackend mirrors the auto-detection in storage.NewStoreWithDB.
func detectBackend(cfg config.StorageConfig) string {
	if cfg.Backend != "" {
		return cfg.Backend
	}
	switch {
	case cfg.PostgresURL != "":
		return "postgres"
	case cfg.MongoDBURL != "":
		return "mongodb"
	default:
		return "file"
	}
}

// Start launches background work bound to ctx.
func (a *App) Start(ctx context.Context) {
	a.Worker.Start(ctx)
}

// ListenAndServe serves HTTP until Shutdown. It fails when the app was
// built onto an external router.
func (a *App) ListenAndServe() error {
	if a.server == nil {
		return errors.New("holdledger: app was built with an external router")
	}
	return a.server.ListenAndServe()
}

// Router returns the chi router with ledger routes registered, or nil when
// the app owns its server.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the routes as an http.Handler.
func (a *App) Handler() http.Handler {
	if a.server != nil {
		return a.server.Handler()
	}
	return a.router
}

// Shutdown stops accepting requests, then releases every resource in
// reverse order of construction.
func (a *App) Shutdown(ctx context.Context) error {
	var serverErr error
	if a.server != nil {
		serverErr = a.server.Shutdown(ctx)
	}
	return errors.Join(serverErr, a.resourceManager.Close(ctx))
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for embedders.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
