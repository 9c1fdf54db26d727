// Package postgres implements PostgreSQL-backed history storage using
// GORM over the pgx stdlib driver. All GORM usage is confined to this
// package — domain types remain ORM-free.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/clawbridge/internal/history"
	"github.com/jkaninda/clawbridge/internal/storage"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	Retention       int           // Per-session event cap. Default: history.DefaultRetention.
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	repo   *HistoryRepository
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL through pgx and configures the pool.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening pgx connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.maxOpen())
	sqlDB.SetMaxIdleConns(cfg.maxIdle())
	sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	slogger.Info("postgres store opened",
		slog.Int("max_open_conns", cfg.maxOpen()),
		slog.Int("max_idle_conns", cfg.maxIdle()),
	)

	return &Store{
		db:     db,
		repo:   NewHistoryRepository(db, cfg.Retention),
		logger: slogger,
	}, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&SessionRecordModel{},
		&HistoryEventModel{},
	)
}

// EnsureSession registers a session record.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	return s.repo.EnsureSession(ctx, sessionID)
}

// Append stores one history event.
func (s *Store) Append(ctx context.Context, ev history.Event) (history.Event, error) {
	return s.repo.Append(ctx, ev)
}

// List returns a session's events oldest first.
func (s *Store) List(ctx context.Context, sessionID string) ([]history.Event, error) {
	return s.repo.List(ctx, sessionID)
}

// DropSession discards a session's log.
func (s *Store) DropSession(ctx context.Context, sessionID string) error {
	return s.repo.DropSession(ctx, sessionID)
}

// Prune enforces the retention cap across sessions.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	return s.repo.Prune(ctx)
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string { return storage.DriverPostgres }

// GormDB returns the underlying GORM DB for the SQLite backend's reuse.
func (s *Store) GormDB() *gorm.DB { return s.db }

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
