package exec

import (
	"context"
	"io"
)

// Spec describes one in-container process to start.
type Spec struct {
	Cmd        []string
	WorkingDir string
	Env        []string
	Stdout     io.Writer // nil discards
	Stderr     io.Writer // nil discards
}

// State is the runtime's view of a started process.
type State struct {
	Running  bool
	ExitCode int
	PID      int // host-side pid; 0 when unknown
}

// Runtime is the process-execution contract the executor depends on,
// implemented by the docker adapter (exec API) and the fake.
type Runtime interface {
	// ExecStart launches the process and begins streaming its output to
	// the Spec's Stdout and Stderr writers. It returns an opaque exec id.
	ExecStart(ctx context.Context, containerID string, spec Spec) (string, error)
	// ExecInspect reports the current state of a started process.
	ExecInspect(ctx context.Context, execID string) (State, error)
	// SignalExec terminates the process tree: graceful first (force ==
	// false), forced kill otherwise.
	SignalExec(ctx context.Context, containerID, execID string, force bool) error
}
