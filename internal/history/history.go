// Package history provides the append-only per-session event log.
//
// Retention is a most-recent-N cap per session: once a session's log
// reaches the cap, appending evicts the oldest events first. Listing an
// unknown session fails with session.ErrSessionNotFound; a known session
// with no events returns an empty slice.
package history

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultRetention is the per-session event cap when none is configured.
const DefaultRetention = 1000

// Event is one immutable entry in a session's history log. Seq increases
// monotonically per session in arrival order.
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	EventType string          `json:"event_type"`
	Content   json.RawMessage `json:"content"`
	Sender    string          `json:"sender,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store is the persistence interface for session history.
// Implementations: in-memory (this package), SQLite and PostgreSQL
// (internal/storage).
type Store interface {
	// EnsureSession records that a session exists, so a zero-event
	// session lists as empty rather than not-found.
	EnsureSession(ctx context.Context, sessionID string) error

	// Append records one event, assigning its per-session sequence
	// number. The session is registered implicitly if unknown.
	Append(ctx context.Context, ev Event) (Event, error)

	// List returns a session's events oldest first. Unknown session →
	// session.ErrSessionNotFound.
	List(ctx context.Context, sessionID string) ([]Event, error)

	// DropSession discards a session's log and its registration.
	DropSession(ctx context.Context, sessionID string) error

	Close() error
}
