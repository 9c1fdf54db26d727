package bridge

import (
	"sync"
)

// EventKind classifies hub notifications for stream consumers.
type EventKind string

const (
	EventSessionChanged EventKind = "session"
	EventHistoryAppend  EventKind = "history"
	EventConnState      EventKind = "connection"
)

// Event is one notification on a gateway's event stream.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// hub fans gateway events out to stream subscribers (SSE). It is the
// single internal event source per gateway; session-list polling is a
// reconciliation fallback, not a second source of truth.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and a cancel func. Slow
// subscribers lose events rather than stalling the frame path.
func (h *hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking.
func (h *hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full; drop.
		}
	}
}
