package history

import (
	"fmt"

	"github.com/jkaninda/clawbridge/internal/session"
)

// errUnknownSession wraps session.ErrSessionNotFound with the session id,
// so errors.Is matching works across every history backend.
func errUnknownSession(sessionID string) error {
	return fmt.Errorf("history for session %s: %w", sessionID, session.ErrSessionNotFound)
}
