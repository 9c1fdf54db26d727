// Package scheduler runs the bridge's periodic maintenance: session
// registry reconciliation against gateway snapshots, and history
// retention pruning on persistent stores.
//
// Reconciliation is a fallback, not the primary mechanism: lifecycle
// frames keep the registry current in real time, and the periodic
// snapshot repairs whatever a dropped frame left behind.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Refresher fires session snapshot requests at connected gateways.
type Refresher interface {
	RefreshAll(ctx context.Context)
}

// Pruner trims history logs to their retention window. nil disables the
// prune job (the in-memory store evicts on append instead).
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Config sets the maintenance cadence.
type Config struct {
	ReconcileEvery time.Duration // Default: 30s.
	PruneEvery     time.Duration // Default: 1h.
}

func (c Config) reconcileSpec() string {
	d := c.ReconcileEvery
	if d <= 0 {
		d = 30 * time.Second
	}
	return fmt.Sprintf("@every %s", d)
}

func (c Config) pruneSpec() string {
	d := c.PruneEvery
	if d <= 0 {
		d = time.Hour
	}
	return fmt.Sprintf("@every %s", d)
}

// Maintenance owns the cron runner for periodic bridge upkeep.
type Maintenance struct {
	cron      *cron.Cron
	refresher Refresher
	pruner    Pruner
	cfg       Config
	logger    *slog.Logger
}

// New creates a Maintenance scheduler. pruner may be nil.
func New(refresher Refresher, pruner Pruner, cfg Config, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		cron:      cron.New(),
		refresher: refresher,
		pruner:    pruner,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start registers the jobs and launches the cron runner. Returns a stop
// function that blocks until in-flight jobs finish.
func (m *Maintenance) Start(ctx context.Context) (func(), error) {
	if _, err := m.cron.AddFunc(m.cfg.reconcileSpec(), func() {
		m.reconcile(ctx)
	}); err != nil {
		return nil, fmt.Errorf("registering reconcile job: %w", err)
	}

	if m.pruner != nil {
		if _, err := m.cron.AddFunc(m.cfg.pruneSpec(), func() {
			m.prune(ctx)
		}); err != nil {
			return nil, fmt.Errorf("registering prune job: %w", err)
		}
	}

	m.cron.Start()
	m.logger.Info("maintenance scheduler started",
		slog.String("reconcile", m.cfg.reconcileSpec()),
		slog.Bool("prune_enabled", m.pruner != nil),
	)

	return func() {
		stopCtx := m.cron.Stop()
		<-stopCtx.Done()
		m.logger.Info("maintenance scheduler stopped")
	}, nil
}

func (m *Maintenance) reconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m.refresher.RefreshAll(ctx)
}

func (m *Maintenance) prune(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	start := time.Now()
	deleted, err := m.pruner.Prune(pruneCtx)
	if err != nil {
		m.logger.Error("history prune failed", slog.String("error", err.Error()))
		return
	}
	if deleted > 0 {
		m.logger.Info("history pruned",
			slog.Int64("deleted", deleted),
			slog.Duration("took", time.Since(start)),
		)
	}
}
