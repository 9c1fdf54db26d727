// Package sqlite implements the history store using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver. WAL mode is enabled by default for concurrent reads; the
// models and repository logic are shared with the PostgreSQL backend.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/clawbridge/internal/history"
	"github.com/jkaninda/clawbridge/internal/storage"
	pgstore "github.com/jkaninda/clawbridge/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // "wal" (default), "delete", "truncate", etc.
	Retention   int    // Per-session event cap. Default: history.DefaultRetention.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	repo   *pgstore.HistoryRepository
	logger *slog.Logger
	path   string
}

var _ storage.Store = (*Store)(nil)

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", journalMode),
	)

	return &Store{
		db:     db,
		repo:   pgstore.NewHistoryRepository(db, cfg.Retention),
		logger: slogger,
		path:   cfg.Path,
	}, nil
}

// Migrate runs GORM AutoMigrate using the same models as the PostgreSQL
// backend.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&pgstore.SessionRecordModel{},
		&pgstore.HistoryEventModel{},
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

// Ping checks the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string { return storage.DriverSQLite }

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
