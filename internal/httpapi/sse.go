package httpapi

import (
	"github.com/jkaninda/okapi"
)

// handleEvents streams one gateway's session and history events as SSE.
// The stream is the push channel for dashboards; polling the session
// endpoints remains available as a reconciliation fallback.
func (s *Server) handleEvents(c *okapi.Context) error {
	if err := s.rateLimit(c); err != nil {
		return err
	}
	b, err := s.lookup(c)
	if err != nil {
		return err
	}

	events, cancel := b.Subscribe()
	defer cancel()

	ctx := c.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.SSEvent(string(ev.Kind), ev)
		}
	}
}
