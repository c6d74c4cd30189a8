// Package reconcile runs scheduled settlement passes: open the burn window,
// drain every pending account in batches, close the window.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/holdledger/internal/callbacks"
	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/ledger"
	"github.com/CedrosPay/holdledger/internal/metrics"
)

// maxBatchesPerPass stops a pass that keeps finding work, e.g. when mints
// arrive faster than batches drain them. The next pass picks up the rest.
const maxBatchesPerPass = 1000

const replayLimit = 100

// Pass statuses reported in metrics.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Settler is the slice of the ledger a pass drives.
type Settler interface {
	Owner() string
	StartBurn(ctx context.Context, caller string) error
	CompleteBurn(ctx context.Context, caller string) error
	CaptureAndBurnAll(ctx context.Context, caller string, limit int) ([]ledger.CaptureInstruction, error)
}

// Replayer retries dead-lettered relay deliveries.
type Replayer interface {
	ReplayDLQ(ctx context.Context, limit int) (callbacks.ReplayResult, error)
}

// PassResult summarises one reconciliation pass.
type PassResult struct {
	Status       string
	Batches      int
	Instructions int
	Replay       callbacks.ReplayResult
}

// Worker periodically settles every account holding unsettled pledges.
type Worker struct {
	cfg      config.ReconcileConfig
	settler  Settler
	replayer Replayer
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewWorker creates a worker. replayer and metricsCollector may be nil.
func NewWorker(cfg config.ReconcileConfig, settler Settler, replayer Replayer, metricsCollector *metrics.Metrics, logger zerolog.Logger) *Worker {
	if cfg.Interval.Duration <= 0 {
		cfg.Interval.Duration = 24 * time.Hour
	}
	return &Worker{
		cfg:      cfg,
		settler:  settler,
		replayer: replayer,
		metrics:  metricsCollector,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop. It does nothing when disabled.
func (w *Worker) Start(ctx context.Context) {
	if !w.cfg.Enabled {
		w.logger.Info().Msg("reconcile.disabled")
		return
	}
	w.startOnce.Do(func() {
		w.logger.Info().
			Dur("interval", w.cfg.Interval.Duration).
			Int("batch_limit", w.cfg.BatchLimit).
			Bool("replay_dlq", w.cfg.ReplayDLQ).
			Msg("reconcile.started")

		w.wg.Add(1)
		go w.loop(ctx)
	})
}

// Stop gracefully stops the loop, waiting for an in-flight pass.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
	w.logger.Info().Msg("reconcile.stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			// Errors are logged and counted inside RunOnce.
			_, _ = w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass. A window already open means an operator
// is settling by hand, so the pass is skipped. Once this pass opens the
// window it always tries to close it, even after a failed batch, so holder
// transfers are not left locked.
func (w *Worker) RunOnce(ctx context.Context) (PassResult, error) {
	start := time.Now()
	owner := w.settler.Owner()

	result, err := w.run(ctx, owner)
	if w.metrics != nil {
		w.metrics.ObserveReconcile(result.Status)
	}

	evt := w.logger.Info()
	if err != nil {
		evt = w.logger.Error().Err(err)
	}
	evt.Str("status", result.Status).
		Int("batches", result.Batches).
		Int("instructions", result.Instructions).
		Int("replayed", result.Replay.Delivered).
		Dur("took", time.Since(start)).
		Msg("reconcile.pass")
	return result, err
}

func (w *Worker) run(ctx context.Context, owner string) (PassResult, error) {
	result := PassResult{Status: StatusFailed}

	if err := w.settler.StartBurn(ctx, owner); err != nil {
		if errors.Is(err, ledger.ErrWindowAlreadyOpen) {
			result.Status = StatusSkipped
			return result, nil
		}
		return result, fmt.Errorf("reconcile: start burn: %w", err)
	}

	drainErr := w.drain(ctx, owner, &result)

	// Close with a fresh context so a cancelled pass still unlocks transfers.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := w.settler.CompleteBurn(closeCtx, owner); err != nil {
		return result, errors.Join(drainErr, fmt.Errorf("reconcile: complete burn: %w", err))
	}
	if drainErr != nil {
		return result, drainErr
	}

	if w.cfg.ReplayDLQ && w.replayer != nil {
		replay, err := w.replayer.ReplayDLQ(ctx, replayLimit)
		result.Replay = replay
		if err != nil {
			return result, fmt.Errorf("reconcile: replay dlq: %w", err)
		}
	}

	result.Status = StatusSuccess
	return result, nil
}

func (w *Worker) drain(ctx context.Context, owner string, result *PassResult) error {
	for result.Batches < maxBatchesPerPass {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := w.settler.CaptureAndBurnAll(ctx, owner, w.cfg.BatchLimit)
		if err != nil {
			return fmt.Errorf("reconcile: batch %d: %w", result.Batches+1, err)
		}
		if len(out) == 0 {
			return nil
		}
		result.Batches++
		result.Instructions += len(out)
	}
	w.logger.Warn().Int("batches", result.Batches).Msg("reconcile.batch_cap_reached")
	return nil
}
