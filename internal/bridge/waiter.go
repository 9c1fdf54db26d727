package bridge

import (
	"sync"

	"github.com/jkaninda/clawbridge/internal/protocol"
)

// replyWaiter correlates request envelopes with their response frames.
// The gateway echoes the request's envelope ID on the response.
type replyWaiter struct {
	mu      sync.Mutex
	waiters map[string]chan *protocol.Envelope // envelope ID → reply channel
}

func newReplyWaiter() *replyWaiter {
	return &replyWaiter{
		waiters: make(map[string]chan *protocol.Envelope),
	}
}

// register creates a reply channel for the given envelope ID. Register
// before writing the request to avoid racing a fast response.
func (w *replyWaiter) register(id string) chan *protocol.Envelope {
	ch := make(chan *protocol.Envelope, 1)
	w.mu.Lock()
	w.waiters[id] = ch
	w.mu.Unlock()
	return ch
}

// resolve delivers a response to the waiting channel. Returns true if a
// waiter was found and notified.
func (w *replyWaiter) resolve(id string, env *protocol.Envelope) bool {
	w.mu.Lock()
	ch, ok := w.waiters[id]
	if ok {
		delete(w.waiters, id)
	}
	w.mu.Unlock()

	if ok {
		ch <- env
		return true
	}
	return false
}

// remove cleans up a waiter without a response (timeout, cancellation,
// transport drop).
func (w *replyWaiter) remove(id string) {
	w.mu.Lock()
	delete(w.waiters, id)
	w.mu.Unlock()
}

// failAll drops every pending waiter. Called when the transport dies so
// in-flight requests fail fast instead of hanging until their timeouts.
func (w *replyWaiter) failAll() {
	w.mu.Lock()
	for id, ch := range w.waiters {
		close(ch)
		delete(w.waiters, id)
	}
	w.mu.Unlock()
}
