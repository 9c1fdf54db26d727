// Package session tracks the live sessions of one gateway: a single
// distinguished "main" session plus dynamically created per-agent sessions.
//
// The registry is eventually consistent with the gateway. Lifecycle frames
// mutate it as they arrive, and a periodic reconcile replaces its state
// from an authoritative snapshot so sessions closed without an explicit
// event do not linger. The only writer is the bridge's frame-processing
// path; API consumers read.
package session

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/clawbridge/internal/protocol"
)

// ErrSessionNotFound is returned when a session id is unknown to the registry.
var ErrSessionNotFound = errors.New("session not found")

// Role distinguishes the singleton main session from per-agent sessions.
type Role string

const (
	RoleMain  Role = "main"
	RoleAgent Role = "agent"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusClosed Status = "closed"
)

// Session is one live (or recently closed) session on a gateway.
type Session struct {
	ID           string    `json:"session_id"`
	Role         Role      `json:"role"`
	Status       Status    `json:"status"`
	AgentID      string    `json:"agent_id,omitempty"` // Empty for the main session.
	Label        string    `json:"label,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

// Registry manages the session set of one gateway.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Upsert applies one lifecycle frame. The session id is resolved through
// the dual-key normalization in protocol.SessionRef, so callers never
// branch on session_id vs legacy id themselves.
func (r *Registry) Upsert(lc protocol.SessionLifecycle) {
	key := lc.Key()
	if key == "" {
		r.logger.Warn("lifecycle frame without session id dropped")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	s, ok := r.sessions[key]
	if !ok {
		s = &Session{
			ID:        key,
			Role:      RoleAgent,
			Status:    StatusActive,
			CreatedAt: now,
		}
		r.sessions[key] = s
		r.logger.Info("session registered", slog.String("session_id", key))
	}

	if lc.Role != "" {
		r.setRoleLocked(s, Role(lc.Role))
	}
	if lc.Status != "" {
		s.Status = Status(lc.Status)
	}
	if lc.AgentID != "" {
		s.AgentID = lc.AgentID
	}
	if lc.Label != "" {
		s.Label = lc.Label
	}
	if !lc.LastActivity.IsZero() {
		s.LastActivity = lc.LastActivity.UTC()
	} else {
		s.LastActivity = now
	}
}

// setRoleLocked assigns a role while preserving the invariant that at most
// one session holds RoleMain. A newly promoted main demotes the old one.
func (r *Registry) setRoleLocked(s *Session, role Role) {
	if role == RoleMain {
		for _, other := range r.sessions {
			if other != s && other.Role == RoleMain {
				other.Role = RoleAgent
				r.logger.Warn("demoted previous main session",
					slog.String("session_id", other.ID),
				)
			}
		}
	}
	s.Role = role
}

// Close marks a session closed. Closed sessions remain listed until the
// next reconcile confirms the gateway dropped them.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Status = StatusClosed
		s.LastActivity = time.Now().UTC()
		r.logger.Info("session closed", slog.String("session_id", id))
	}
}

// Touch refreshes a session's last-activity timestamp.
func (r *Registry) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivity = at.UTC()
	}
}

// Has reports whether the registry knows the session id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Get returns a copy of one session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// List returns the main session (nil if none) and the agent sessions
// ordered by creation time. The listing is a snapshot; callers may
// re-issue it freely.
func (r *Registry) List() (*Session, []Session) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var main *Session
	agents := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		copied := *s
		if s.Role == RoleMain {
			main = &copied
			continue
		}
		agents = append(agents, copied)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return main, agents
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reconcile replaces registry state from an authoritative gateway
// snapshot. Sessions absent from the snapshot are removed; sessions
// present in both keep their CreatedAt so listing order stays stable.
func (r *Registry) Reconcile(snapshot []protocol.SessionLifecycle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	next := make(map[string]*Session, len(snapshot))
	for _, lc := range snapshot {
		key := lc.Key()
		if key == "" {
			continue
		}
		s := &Session{
			ID:        key,
			Role:      RoleAgent,
			Status:    StatusActive,
			CreatedAt: now,
		}
		if prev, ok := r.sessions[key]; ok {
			s.CreatedAt = prev.CreatedAt
			s.Role = prev.Role
			s.Status = prev.Status
			s.AgentID = prev.AgentID
			s.Label = prev.Label
			s.LastActivity = prev.LastActivity
		}
		if lc.Role != "" {
			s.Role = Role(lc.Role)
		}
		if lc.Status != "" {
			s.Status = Status(lc.Status)
		}
		if lc.AgentID != "" {
			s.AgentID = lc.AgentID
		}
		if lc.Label != "" {
			s.Label = lc.Label
		}
		if !lc.LastActivity.IsZero() {
			s.LastActivity = lc.LastActivity.UTC()
		}
		next[key] = s
	}

	removed := 0
	for id := range r.sessions {
		if _, ok := next[id]; !ok {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("reconcile removed stale sessions", slog.Int("count", removed))
	}

	// Re-assert the single-main invariant on the merged state.
	mainSeen := false
	for _, s := range next {
		if s.Role == RoleMain {
			if mainSeen {
				s.Role = RoleAgent
			}
			mainSeen = true
		}
	}

	r.sessions = next
}
