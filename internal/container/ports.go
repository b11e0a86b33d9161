package container

import (
	"context"
	"time"

	"workbox"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Status is the runtime's view of one container.
type Status struct {
	Exists    bool
	Running   bool
	ExitCode  int
	OOMKilled bool
}

// Resources bounds one container.
type Resources struct {
	CPUQuota float64 // CPUs
	MemoryMB int64
	PidsMax  int64
}

// CreateSpec describes a container to create. HostPath is bind-mounted at
// the fixed workspace target; Ports are published 1:1 host:container.
type CreateSpec struct {
	Name      string
	Image     string
	HostPath  string
	Ports     []int
	Resources Resources
	Labels    map[string]string
}

// Listed is one entry from a label-filtered container listing.
type Listed struct {
	ID        string
	Name      string
	Labels    map[string]string
	Running   bool
	CreatedAt time.Time
}

// Runtime is the container engine contract the manager depends on. The
// Docker implementation lives in internal/adapter/docker; tests use
// internal/adapter/fake.
type Runtime interface {
	WaitReady(ctx context.Context) error
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (Status, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	List(ctx context.Context, labels map[string]string) ([]Listed, error)
}

// FailureHandler observes externally caused container failures detected by
// the health monitor. Handlers mark state; they must not block and must not
// attempt recovery inline.
type FailureHandler interface {
	HandleContainerFailure(id string, session workbox.SessionKey, reason string)
}

// ActivityProvider reports session activity for the retention sweep.
// The second return is false when the session is unknown to the caller.
type ActivityProvider interface {
	LastActivity(key workbox.SessionKey) (time.Time, bool)
}
