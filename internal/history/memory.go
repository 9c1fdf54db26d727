package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default in-process history backend. Suitable for a
// single bridge process; events do not survive restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	logs      map[string][]Event
	seqs      map[string]uint64
	retention int
}

// NewMemoryStore creates a MemoryStore capped at retention events per
// session. retention <= 0 uses DefaultRetention.
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		logs:      make(map[string][]Event),
		seqs:      make(map[string]uint64),
		retention: retention,
	}
}

// EnsureSession registers a session with an empty log.
func (m *MemoryStore) EnsureSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[sessionID]; !ok {
		m.logs[sessionID] = nil
	}
	return nil
}

// Append records one event in arrival order, evicting the oldest event
// once the session's log exceeds the retention cap.
func (m *MemoryStore) Append(_ context.Context, ev Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqs[ev.SessionID]++
	ev.Seq = m.seqs[ev.SessionID]
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	log := append(m.logs[ev.SessionID], ev)
	if overflow := len(log) - m.retention; overflow > 0 {
		log = log[overflow:]
	}
	m.logs[ev.SessionID] = log
	return ev, nil
}

// List returns the retained events for a session, oldest first.
func (m *MemoryStore) List(_ context.Context, sessionID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, ok := m.logs[sessionID]
	if !ok {
		return nil, errUnknownSession(sessionID)
	}
	out := make([]Event, len(log))
	copy(out, log)
	return out, nil
}

// DropSession discards a session's log.
func (m *MemoryStore) DropSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, sessionID)
	delete(m.seqs, sessionID)
	return nil
}

// Close releases nothing for the in-memory backend.
func (m *MemoryStore) Close() error { return nil }
