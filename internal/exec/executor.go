// Package exec runs single commands inside a session's container. Each run
// is an isolated OS process so that a timeout can be enforced by killing
// the process tree; cooperative in-process cancellation is not trusted.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"workbox"
	"workbox/internal/check"
)

const (
	// defaultPollInterval is 50ms: cheap enough against a local engine,
	// fine-grained enough for short commands.
	defaultPollInterval = 50 * time.Millisecond
	// defaultGracePeriod is 5s between SIGTERM and SIGKILL.
	defaultGracePeriod = 5 * time.Second
)

// Executor runs commands with enforced timeouts and escalating
// termination.
type Executor struct {
	runtime      Runtime
	pollInterval time.Duration
	gracePeriod  time.Duration
}

// Option tunes an Executor.
type Option func(*Executor)

// WithPollInterval overrides the completion poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.pollInterval = d }
}

// WithGracePeriod overrides the SIGTERM-to-SIGKILL grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) { e.gracePeriod = d }
}

// New creates an Executor over the given runtime.
func New(runtime Runtime, opts ...Option) *Executor {
	check.Assert(runtime != nil, "exec.New: runtime must not be nil")
	e := &Executor{
		runtime:      runtime,
		pollInterval: defaultPollInterval,
		gracePeriod:  defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Options bound one run.
type Options struct {
	WorkingDir string
	Env        []string
	Timeout    time.Duration // zero means no timeout
}

// Run executes command via the container's shell and blocks until it exits
// or the timeout fires. A non-zero exit code is a normal result. On
// timeout the process tree is terminated (graceful, grace period, forced)
// and the partial output is returned with TimedOut set; the error return
// is reserved for infrastructure failures.
func (e *Executor) Run(ctx context.Context, containerID, command string, opts Options) (workbox.ExecResult, error) {
	var stdout, stderr lockedBuffer
	started := time.Now()

	execID, err := e.runtime.ExecStart(ctx, containerID, Spec{
		Cmd:        []string{"/bin/sh", "-c", command},
		WorkingDir: opts.WorkingDir,
		Env:        opts.Env,
		Stdout:     &stdout,
		Stderr:     &stderr,
	})
	if err != nil {
		return workbox.ExecResult{}, fmt.Errorf("start command in %s: %w", shortID(containerID), err)
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	state, timedOut, err := e.await(ctx, containerID, execID, deadline)
	if err != nil {
		return workbox.ExecResult{}, err
	}

	res := workbox.ExecResult{
		ExitCode: state.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
		Duration: time.Since(started),
	}
	if timedOut {
		res.ExitCode = -1
	}
	return res, nil
}

// await polls until the process exits, escalating termination once the
// deadline fires: graceful signal, grace period, forced kill.
func (e *Executor) await(ctx context.Context, containerID, execID string, deadline <-chan time.Time) (State, bool, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = e.runtime.SignalExec(context.WithoutCancel(ctx), containerID, execID, true)
			return State{}, false, ctx.Err()
		case <-deadline:
			return e.terminate(ctx, containerID, execID)
		case <-ticker.C:
			state, err := e.runtime.ExecInspect(ctx, execID)
			if err != nil {
				return State{}, false, fmt.Errorf("inspect command: %w", err)
			}
			if !state.Running {
				return state, false, nil
			}
		}
	}
}

func (e *Executor) terminate(ctx context.Context, containerID, execID string) (State, bool, error) {
	// The process may still exit between the deadline and the signal;
	// that still counts as a timeout, the caller asked for less.
	if err := e.runtime.SignalExec(ctx, containerID, execID, false); err != nil {
		slog.Debug("graceful termination failed", "container", shortID(containerID), "err", err)
	}

	graceTicker := time.NewTicker(e.pollInterval)
	defer graceTicker.Stop()
	graceDeadline := time.NewTimer(e.gracePeriod)
	defer graceDeadline.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = e.runtime.SignalExec(context.WithoutCancel(ctx), containerID, execID, true)
			return State{}, true, nil
		case <-graceDeadline.C:
			if err := e.runtime.SignalExec(ctx, containerID, execID, true); err != nil {
				slog.Warn("forced kill failed", "container", shortID(containerID), "err", err)
			}
			state, _ := e.runtime.ExecInspect(ctx, execID)
			return state, true, nil
		case <-graceTicker.C:
			state, err := e.runtime.ExecInspect(ctx, execID)
			if err == nil && !state.Running {
				return state, true, nil
			}
		}
	}
}

// lockedBuffer is an io.Writer safe for the adapter's background copy
// goroutine to race with result collection.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
