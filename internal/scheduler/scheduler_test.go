package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type countingRefresher struct{ calls atomic.Int64 }

func (c *countingRefresher) RefreshAll(ctx context.Context) { c.calls.Add(1) }

type countingPruner struct{ calls atomic.Int64 }

func (c *countingPruner) Prune(ctx context.Context) (int64, error) {
	c.calls.Add(1)
	return 0, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMaintenance_RunsJobs(t *testing.T) {
	refresher := &countingRefresher{}
	pruner := &countingPruner{}
	m := New(refresher, pruner, Config{
		ReconcileEvery: 100 * time.Millisecond,
		PruneEvery:     100 * time.Millisecond,
	}, testLogger())

	stop, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if refresher.calls.Load() > 0 && pruner.calls.Load() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("jobs did not run: reconcile=%d prune=%d", refresher.calls.Load(), pruner.calls.Load())
}

func TestMaintenance_NilPruner(t *testing.T) {
	refresher := &countingRefresher{}
	m := New(refresher, nil, Config{ReconcileEvery: 50 * time.Millisecond}, testLogger())

	stop, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	stop()
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	if got := cfg.reconcileSpec(); got != "@every 30s" {
		t.Errorf("reconcile spec = %q, want @every 30s", got)
	}
	if got := cfg.pruneSpec(); got != "@every 1h0m0s" {
		t.Errorf("prune spec = %q, want @every 1h0m0s", got)
	}
}
