package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/clawbridge/internal/bridge"
	"github.com/jkaninda/clawbridge/internal/config"
	"github.com/jkaninda/clawbridge/internal/history"
	"github.com/jkaninda/clawbridge/internal/httpapi"
	"github.com/jkaninda/clawbridge/internal/observability"
	"github.com/jkaninda/clawbridge/internal/ratelimit"
	"github.com/jkaninda/clawbridge/internal/scheduler"
	"github.com/jkaninda/clawbridge/internal/storage"
	pgstore "github.com/jkaninda/clawbridge/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/clawbridge/internal/storage/sqlite"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge (gateway connections, HTTP API, maintenance jobs)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `clawbridge --config path` and `clawbridge serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts ClawBridge in serve mode: one bridge per configured
// gateway, the HTTP API, and the maintenance scheduler.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("CLAWBRIDGE_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		cfg.API.ListenAddr = servePort
	}

	logger.Info("starting clawbridge",
		slog.String("config", serveConfigPath),
		slog.Int("gateways", len(cfg.Gateways)),
	)

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// History store. persist is nil for the in-memory driver.
	hist, persist, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer hist.Close()

	if persist != nil {
		if err := persist.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating storage: %w", err)
		}
		logger.Info("storage ready", slog.String("driver", persist.Driver()))
	}

	// Observability (optional).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	var metrics *observability.MetricsCollector
	if obs != nil {
		metrics = obs.Metrics
	}

	// Gateway bridges.
	manager := bridge.NewManager(cfg.Gateways, hist, metrics, logger)
	manager.Start(ctx)
	defer manager.Stop()

	// Readiness probes: storage plus one probe per gateway.
	if obs != nil && obs.Health != nil {
		if persist != nil {
			obs.Health.AddCheck("storage", persist.Ping)
		}
		for _, gw := range cfg.Gateways {
			obs.Health.AddCheck("gateway:"+gw.ID, manager.HealthCheck(gw.ID))
		}
	}

	// Maintenance jobs: periodic snapshot reconcile, history pruning.
	var pruner scheduler.Pruner
	if persist != nil {
		pruner = persist
	}
	maintenance := scheduler.New(manager, pruner, scheduler.Config{
		ReconcileEvery: minRefreshInterval(cfg.Gateways),
	}, logger)
	stopMaintenance, err := maintenance.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting maintenance jobs: %w", err)
	}
	defer stopMaintenance()

	// HTTP API.
	apiCfg := httpapi.Config{
		ListenAddr: cfg.API.Addr(),
		EnableDocs: cfg.API.EnableDocs,
		EnableSSE:  cfg.API.EnableSSE,
		APIKeys:    cfg.API.APIKeys,
		DataDir:    dataDir,
		Sync:       cfg.Sync,
	}
	if obs != nil {
		apiCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			apiCfg.MetricsRegistry = obs.Metrics.Registry
			apiCfg.Metrics = obs.Metrics
		}
		if obs.Tracer != nil {
			apiCfg.Tracer = obs.Tracer.Tracer()
		}
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.API.RequestsPerMinute,
	})
	api := httpapi.NewServer(apiCfg, manager, cfg.Gateways, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- api.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http api exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := api.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api", slog.String("error", err.Error()))
	}

	return nil
}

// openStore builds the history store from the storage config. The second
// return value carries the storage.Store extras (Migrate, Prune, Ping)
// and is nil for the in-memory driver.
func openStore(cfg *config.Config, logger *slog.Logger) (history.Store, storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverMemory:
		return history.NewMemoryStore(historyRetention(cfg.Gateways)), nil, nil

	case storage.DriverSQLite:
		sqliteCfg := sqlitestore.Config{
			Path:      cfg.SQLitePath(),
			Retention: historyRetention(cfg.Gateways),
		}
		if cfg.Storage.SQLite != nil {
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		st, err := sqlitestore.Open(sqliteCfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite storage: %w", err)
		}
		return st, st, nil

	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		if pg == nil {
			return nil, nil, fmt.Errorf("storage.postgres config is required for driver %q", driver)
		}
		st, err := pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
			Retention:       historyRetention(cfg.Gateways),
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		return st, st, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// historyRetention returns the largest per-gateway retention cap, so a
// shared store never evicts below what any gateway was promised.
// 0 lets the store apply its default.
func historyRetention(gateways []config.GatewayConfig) int {
	max := 0
	for _, gw := range gateways {
		if gw.HistoryRetention > max {
			max = gw.HistoryRetention
		}
	}
	return max
}

// minRefreshInterval returns the shortest configured refresh interval
// across gateways, used as the reconcile cadence.
func minRefreshInterval(gateways []config.GatewayConfig) time.Duration {
	var min time.Duration
	for _, gw := range gateways {
		if d := gw.RefreshInterval(); min == 0 || d < min {
			min = d
		}
	}
	return min
}
