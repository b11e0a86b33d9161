package session

import (
	"errors"
	"fmt"
	"time"

	"workbox"
)

// ErrNotFound indicates an operation on a session that was never created
// or has been deleted.
var ErrNotFound = errors.New("session not found")

// UnavailableError is returned when container recreation has failed twice
// in a row: the sandbox cannot be provisioned right now. It carries the
// last failure for diagnosis.
type UnavailableError struct {
	Key      workbox.SessionKey
	Attempts int
	LastErr  error
	Since    time.Time
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("sandbox unavailable for %s after %d failed creation attempts (since %s): %v",
		e.Key, e.Attempts, e.Since.Format(time.RFC3339), e.LastErr)
}

func (e *UnavailableError) Unwrap() error { return e.LastErr }
