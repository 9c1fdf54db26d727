package bridge

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an operation needs a live gateway
// connection and none exists.
var ErrNotConnected = errors.New("not connected to gateway")

// ConnectionError reports a transport-level failure after the reconnect
// policy is exhausted. Dependents receive it instead of a crash.
type ConnectionError struct {
	Gateway  string // Gateway id.
	Attempts int    // Connection attempts made before giving up.
	Err      error  // Last underlying error.
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gateway %s: connection failed after %d attempts: %v", e.Gateway, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ValidationError reports bad caller input. Never retried; surfaced
// synchronously to the caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }
