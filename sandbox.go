// Package workbox defines the shared value types of the sandbox manager:
// session identity, container and service summaries, command results, and
// lifecycle events. The manager itself lives under internal/.
package workbox

import (
	"fmt"
	"strings"
	"time"
)

// SessionKey identifies a sandbox session. A session is durable: it outlives
// any single container bound to it.
type SessionKey struct {
	UserID    string
	SessionID string
}

func (k SessionKey) String() string {
	return k.UserID + "/" + k.SessionID
}

// Validate rejects keys that cannot be mapped onto the filesystem layout.
func (k SessionKey) Validate() error {
	if err := validateID(k.UserID); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	if err := validateID(k.SessionID); err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("must not be empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("longer than 128 characters")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("%q is not a valid path component", id)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("contains control characters")
		}
	}
	return nil
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	Key          SessionKey
	Phase        string
	ContainerID  string // empty until a container has been created
	CreatedAt    time.Time
	LastActivity time.Time
}

// ContainerInfo is a read-only snapshot of a tracked container.
type ContainerInfo struct {
	ID        string
	Session   SessionKey
	Phase     string
	HostPath  string
	Ports     []int
	CreatedAt time.Time
}

// ServiceInfo is a read-only snapshot of a background service.
type ServiceInfo struct {
	ID          string
	Name        string
	ContainerID string
	Command     string
	PID         int
	Phase       string
	Ports       []int // declared plus discovered listening ports
	ExitCode    int   // meaningful once Phase is stopped or failed
	StartedAt   time.Time
}

// ExecResult is the outcome of a single command execution. A non-zero exit
// code is a normal result; TimedOut marks forced termination.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// EventType classifies a lifecycle event.
type EventType string

const (
	EventSessionCreated    EventType = "session.created"
	EventSessionExpired    EventType = "session.expired"
	EventSessionDeleted    EventType = "session.deleted"
	EventSessionRecovered  EventType = "session.recovered"
	EventContainerCreated  EventType = "container.created"
	EventContainerRemoved  EventType = "container.removed"
	EventContainerFailed   EventType = "container.failed"
	EventCommandFinished   EventType = "command.finished"
	EventServiceStarted    EventType = "service.started"
	EventServiceStopped    EventType = "service.stopped"
	EventServiceFailed     EventType = "service.failed"
	EventStartupVerifyFail EventType = "container.startup_verification_failed"
)

// Event is one structured lifecycle record, consumed by an external
// observability pipeline (or the local journal).
type Event struct {
	Time        time.Time
	Type        EventType
	UserID      string
	SessionID   string
	ContainerID string
	ServiceID   string
	Outcome     string // "ok" or an error summary
	Detail      string
	Duration    time.Duration
}
