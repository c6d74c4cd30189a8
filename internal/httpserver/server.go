package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/holdledger/internal/auth"
	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/idempotency"
	"github.com/CedrosPay/holdledger/internal/ledger"
	"github.com/CedrosPay/holdledger/internal/logger"
	"github.com/CedrosPay/holdledger/internal/metrics"
	"github.com/CedrosPay/holdledger/internal/ratelimit"
	stripesvc "github.com/CedrosPay/holdledger/internal/stripe"
)

var (
	serverStartTime = time.Now()
)

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer  *http.Server
	idempotency *idempotency.MemoryStore
}

type handlers struct {
	cfg      *config.Config
	ledger   *ledger.Ledger
	stripe   *stripesvc.Client        // nil when webhook intake is not configured
	verifier *auth.SignatureVerifier  // Signed-request verification
	metrics  *metrics.Metrics         // Prometheus metrics collector
	logger   zerolog.Logger           // Structured logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, l *ledger.Ledger, stripeClient *stripesvc.Client, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		idempotency: idempotency.NewMemoryStore(),
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}
	s.handlers = ConfigureRouter(router, cfg, l, stripeClient, s.idempotency, metricsCollector, appLogger)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ConfigureRouter attaches ledger routes to an existing router. The caller
// owns idem and stops it on shutdown.
func ConfigureRouter(router chi.Router, cfg *config.Config, l *ledger.Ledger, stripeClient *stripesvc.Client, idem idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) handlers {
	handler := handlers{
		cfg:      cfg,
		ledger:   l,
		stripe:   stripeClient,
		verifier: auth.NewSignatureVerifier(cfg.Server.SignatureMaxAge.Duration),
		metrics:  metricsCollector,
		logger:   appLogger,
	}
	if router == nil {
		return handler
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", auth.HeaderSigner, auth.HeaderSignature, auth.HeaderTimestamp, idempotency.HeaderKey},
			ExposedHeaders:   []string{logger.RequestIDHeader, "Retry-After", idempotency.ReplayHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging before RequestID so the request id lands in context
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.FromConfig(cfg.RateLimit, metricsCollector)
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.SignerLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix
	signed := auth.RequireSignature(handler.verifier)
	// Replays of a keyed mutation return the first response.
	once := idempotency.Middleware(idem, idempotency.DefaultTTL)

	// Lightweight endpoints with 5s timeout (health checks, reads, metrics)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		// Protected by optional admin API key
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())

		r.Get(prefix+"/v1/token", handler.tokenInfo)
		r.Get(prefix+"/v1/supply", handler.totalSupply)
		r.Get(prefix+"/v1/burn", handler.burnWindow)
		r.Get(prefix+"/v1/pending", handler.pendingAccounts)
		r.Get(prefix+"/v1/accounts/{account}/balance", handler.balanceOf)
		r.Get(prefix+"/v1/accounts/{account}/intents", handler.intents)
		r.Get(prefix+"/v1/accounts/{account}/preview", handler.preview)
	})

	// Mutations with 30s timeout; batch settlement can touch many accounts.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Webhooks are not versioned: Stripe needs a stable URL
		r.Post(prefix+"/webhooks/stripe", handler.handleStripeWebhook)

		r.Post(prefix+"/v1/accounts/{account}/register", handler.register)

		r.With(signed, once).Post(prefix+"/v1/mint", handler.mint)
		r.With(signed, once).Post(prefix+"/v1/transfer", handler.transfer)
		r.With(signed).Post(prefix+"/v1/burn/start", handler.startBurn)
		r.With(signed).Post(prefix+"/v1/burn/complete", handler.completeBurn)
		r.With(signed, once).Post(prefix+"/v1/settle", handler.settleAll)
		r.With(signed, once).Post(prefix+"/v1/settle/{account}", handler.settleAccount)
	})

	return handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.idempotency.Stop()
	return err
}
