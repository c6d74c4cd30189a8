package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/holdledger/internal/callbacks"
	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/ledger"
	"github.com/CedrosPay/holdledger/internal/metrics"
)

const owner = "owner-key"

type fakeSettler struct {
	mu        sync.Mutex
	batches   [][]ledger.CaptureInstruction
	startErr  error
	batchErr  error
	open      bool
	calls     []string
	lastLimit int
}

func (f *fakeSettler) Owner() string { return owner }

func (f *fakeSettler) StartBurn(_ context.Context, caller string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	if caller != owner {
		return ledger.ErrUnauthorized
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.open = true
	return nil
}

func (f *fakeSettler) CompleteBurn(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "complete")
	f.open = false
	return nil
}

func (f *fakeSettler) CaptureAndBurnAll(_ context.Context, _ string, limit int) ([]ledger.CaptureInstruction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "batch")
	f.lastLimit = limit
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeSettler) callLog() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

type fakeReplayer struct {
	calls int
}

func (r *fakeReplayer) ReplayDLQ(_ context.Context, limit int) (callbacks.ReplayResult, error) {
	r.calls++
	return callbacks.ReplayResult{Delivered: 2}, nil
}

func instructions(n int) []ledger.CaptureInstruction {
	out := make([]ledger.CaptureInstruction, n)
	for i := range out {
		out[i] = ledger.CaptureInstruction{AccountID: "acct", IntentID: "pi"}
	}
	return out
}

func newTestWorker(t *testing.T, cfg config.ReconcileConfig, s Settler, r Replayer) (*Worker, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return NewWorker(cfg, s, r, m, zerolog.Nop()), m
}

func TestRunOnce(t *testing.T) {
	tests := []struct {
		name         string
		settler      *fakeSettler
		replay       bool
		wantStatus   string
		wantErr      bool
		wantCalls    string
		wantBatches  int
		wantInstr    int
		wantReplayed int
	}{
		{
			name:        "drains until empty",
			settler:     &fakeSettler{batches: [][]ledger.CaptureInstruction{instructions(3), instructions(1)}},
			wantStatus:  StatusSuccess,
			wantCalls:   "start,batch,batch,batch,complete",
			wantBatches: 2,
			wantInstr:   4,
		},
		{
			name:       "nothing pending",
			settler:    &fakeSettler{},
			wantStatus: StatusSuccess,
			wantCalls:  "start,batch,complete",
		},
		{
			name:       "window already open",
			settler:    &fakeSettler{startErr: ledger.ErrWindowAlreadyOpen},
			wantStatus: StatusSkipped,
			wantCalls:  "start",
		},
		{
			name:       "start fails",
			settler:    &fakeSettler{startErr: errors.New("store down")},
			wantStatus: StatusFailed,
			wantErr:    true,
			wantCalls:  "start",
		},
		{
			name:       "batch failure still closes window",
			settler:    &fakeSettler{batchErr: errors.New("store down")},
			wantStatus: StatusFailed,
			wantErr:    true,
			wantCalls:  "start,batch,complete",
		},
		{
			name:         "replays dead letters after success",
			settler:      &fakeSettler{},
			replay:       true,
			wantStatus:   StatusSuccess,
			wantCalls:    "start,batch,complete",
			wantReplayed: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			replayer := &fakeReplayer{}
			cfg := config.ReconcileConfig{Enabled: true, BatchLimit: 7, ReplayDLQ: tt.replay}
			w, m := newTestWorker(t, cfg, tt.settler, replayer)

			res, err := w.RunOnce(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("RunOnce err = %v, wantErr %v", err, tt.wantErr)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", res.Status, tt.wantStatus)
			}
			if got := tt.settler.callLog(); got != tt.wantCalls {
				t.Errorf("calls = %q, want %q", got, tt.wantCalls)
			}
			if res.Batches != tt.wantBatches || res.Instructions != tt.wantInstr {
				t.Errorf("batches=%d instructions=%d, want %d/%d", res.Batches, res.Instructions, tt.wantBatches, tt.wantInstr)
			}
			if res.Replay.Delivered != tt.wantReplayed {
				t.Errorf("replayed = %d, want %d", res.Replay.Delivered, tt.wantReplayed)
			}
			if tt.settler.open {
				t.Error("burn window left open")
			}
			if got := testutil.ToFloat64(m.ReconcileRunsTotal.WithLabelValues(tt.wantStatus)); got != 1 {
				t.Errorf("reconcile metric[%s] = %v, want 1", tt.wantStatus, got)
			}
		})
	}
}

func TestRunOnceUsesBatchLimit(t *testing.T) {
	s := &fakeSettler{}
	w, _ := newTestWorker(t, config.ReconcileConfig{Enabled: true, BatchLimit: 42}, s, nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.lastLimit != 42 {
		t.Errorf("limit = %d, want 42", s.lastLimit)
	}
}

func TestStartStop(t *testing.T) {
	s := &fakeSettler{}
	cfg := config.ReconcileConfig{
		Enabled:    true,
		Interval:   config.Duration{Duration: 10 * time.Millisecond},
		BatchLimit: 5,
	}
	w, _ := newTestWorker(t, cfg, s, nil)
	w.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(s.callLog(), "complete") {
		if time.Now().After(deadline) {
			t.Fatal("worker never ran a pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()
	w.Stop()
}

func TestStartDisabled(t *testing.T) {
	s := &fakeSettler{}
	w, _ := newTestWorker(t, config.ReconcileConfig{Interval: config.Duration{Duration: time.Millisecond}}, s, nil)
	w.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	if got := s.callLog(); got != "" {
		t.Errorf("disabled worker ran: %q", got)
	}
}
