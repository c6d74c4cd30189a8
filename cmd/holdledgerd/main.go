package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/logger"
	"github.com/CedrosPay/holdledger/pkg/holdledger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config yaml (empty for environment only)")
	flag.Parse()

	// A missing .env is normal outside development.
	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logger.New(logger.Config{Service: "holdledgerd", Version: version})
		bootLogger.Fatal().Err(err).Str("config", *configPath).Msg("config.load_failed")
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "holdledgerd",
		Version:     version,
		Environment: cfg.Logging.Environment,
	})
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		appLogger.Warn().Err(envErr).Msg("dotenv.load_failed")
	}

	if err := run(cfg, appLogger); err != nil {
		appLogger.Fatal().Err(err).Msg("server.exited")
	}
}

func run(cfg *config.Config, appLogger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := holdledger.NewApp(ctx, cfg, holdledger.WithLogger(appLogger))
	if err != nil {
		return err
	}

	app.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("owner", logger.TruncateAddress(cfg.Ledger.Owner)).
			Str("mint_policy", cfg.Ledger.MintPolicy).
			Bool("stripe_webhooks", app.Stripe != nil).
			Bool("reconcile", cfg.Reconcile.Enabled).
			Msg("server.starting")
		if err := app.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("server.shutting_down")
	case err := <-serveErr:
		if err != nil {
			_ = app.Shutdown(context.Background())
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLogger.Info().Msg("server.stopped")
	return nil
}
