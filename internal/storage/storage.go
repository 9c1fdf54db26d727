// Package storage defines the unified persistence interface for the
// bridge. GORM usage is confined to the sqlite and postgres
// sub-packages — domain types remain ORM-free.
package storage

import (
	"context"

	"github.com/jkaninda/clawbridge/internal/history"
)

// Driver names accepted in configuration.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is a persistent history backend with lifecycle and health hooks.
type Store interface {
	history.Store

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Prune enforces the retention cap across all sessions. Driven by
	// the maintenance scheduler; the memory backend prunes on append
	// instead.
	Prune(ctx context.Context) (int64, error)

	// Ping checks backend health for readiness probes.
	Ping(ctx context.Context) error

	// Driver reports the backend name.
	Driver() string
}
