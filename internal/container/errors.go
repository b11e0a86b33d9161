package container

import (
	"errors"
	"fmt"

	"workbox/internal/ports"
)

// ErrNotTracked indicates an operation on a container the manager does not
// know about.
var ErrNotTracked = errors.New("container is not tracked")

// ErrExhausted is re-exported so callers need not import the ports package
// to classify capacity failures.
var ErrExhausted = ports.ErrExhausted

// StartupError means a container never reached sustained-running: it
// crashed inside the verification window. The captured logs travel with the
// error for diagnosis. Retrying the creation is the caller's call.
type StartupError struct {
	ContainerID string
	LastStatus  Status
	Checks      int // successful consecutive checks before the crash
	Logs        string
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("container %s crashed during startup verification after %d check(s) (exit code %d, oom %v)",
		shortID(e.ContainerID), e.Checks, e.LastStatus.ExitCode, e.LastStatus.OOMKilled)
}

// RuntimeError wraps a transient container-engine failure; the same
// operation may be retried.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("container runtime: %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
