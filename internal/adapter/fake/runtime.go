// Package fake provides in-memory test doubles for the runtime contracts:
// a scriptable container engine, process executor, and command runner, plus
// a deterministic clock. All doubles embed CallRecorder for assertions.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"workbox/internal/container"
	"workbox/internal/exec"
	"workbox/internal/service"
)

var (
	_ container.Runtime = (*Runtime)(nil)
	_ exec.Runtime      = (*Runtime)(nil)
	_ service.Runner    = (*Runtime)(nil)
)

// Container is the fake's record of one created container.
type Container struct {
	ID        string
	Spec      container.CreateSpec
	Running   bool
	ExitCode  int
	OOMKilled bool

	// statusScript overrides Inspect results, consumed front to back.
	// When exhausted, Inspect derives the status from the fields above.
	statusScript []container.Status
}

// ExecScript scripts one ExecStart: output, exit code, and how long the
// process appears to run. With IgnoreTerm set, a graceful SignalExec is
// ignored and only a forced one ends the process.
type ExecScript struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	PID        int
	RunFor     time.Duration
	IgnoreTerm bool
}

type execState struct {
	script   ExecScript
	started  time.Time
	killedAt time.Time
	killCode int
}

// Runtime is an in-memory container engine. The zero value is usable.
type Runtime struct {
	CallRecorder

	// Per-method error hooks. A nil hook (or nil return) means success.
	CreateErr  func(spec container.CreateSpec) error
	StartErr   func(id string) error
	StopErr    func(id string) error
	RemoveErr  func(id string) error
	InspectErr func(id string) error
	LogsFn     func(id string, tail int) (string, error)

	// RunFn overrides the synchronous command runner. Without it Run
	// reports exit 0 with empty output.
	RunFn func(containerID string, cmd []string) (int, string, string, error)

	mu         sync.Mutex
	seq        int
	containers map[string]*Container
	execQueue  []ExecScript
	execs      map[string]*execState
}

func (r *Runtime) init() {
	if r.containers == nil {
		r.containers = make(map[string]*Container)
	}
	if r.execs == nil {
		r.execs = make(map[string]*execState)
	}
}

func (r *Runtime) WaitReady(ctx context.Context) error {
	r.record("WaitReady")
	return nil
}

func (r *Runtime) Create(ctx context.Context, spec container.CreateSpec) (string, error) {
	r.record("Create", spec)
	if r.CreateErr != nil {
		if err := r.CreateErr(spec); err != nil {
			return "", err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	r.seq++
	id := fmt.Sprintf("ctr-%04d", r.seq)
	r.containers[id] = &Container{ID: id, Spec: spec}
	return id, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	r.record("Start", id)
	if r.StartErr != nil {
		if err := r.StartErr(id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("fake: start unknown container %q", id)
	}
	c.Running = true
	return nil
}

func (r *Runtime) Stop(ctx context.Context, id string) error {
	r.record("Stop", id)
	if r.StopErr != nil {
		if err := r.StopErr(id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Running = false
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string, force bool) error {
	r.record("Remove", id, force)
	if r.RemoveErr != nil {
		if err := r.RemoveErr(id); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (container.Status, error) {
	r.record("Inspect", id)
	if r.InspectErr != nil {
		if err := r.InspectErr(id); err != nil {
			return container.Status{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return container.Status{Exists: false}, nil
	}
	if len(c.statusScript) > 0 {
		st := c.statusScript[0]
		c.statusScript = c.statusScript[1:]
		return st, nil
	}
	return container.Status{Exists: true, Running: c.Running, ExitCode: c.ExitCode, OOMKilled: c.OOMKilled}, nil
}

func (r *Runtime) Logs(ctx context.Context, id string, tail int) (string, error) {
	r.record("Logs", id, tail)
	if r.LogsFn != nil {
		return r.LogsFn(id, tail)
	}
	return "", nil
}

func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]container.Listed, error) {
	r.record("List", labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []container.Listed
	for _, c := range r.containers {
		match := true
		for k, v := range labels {
			if c.Spec.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, container.Listed{
				ID:      c.ID,
				Name:    c.Spec.Name,
				Labels:  c.Spec.Labels,
				Running: c.Running,
			})
		}
	}
	return out, nil
}

// Get returns the fake's record of a container, for direct manipulation in
// tests.
func (r *Runtime) Get(id string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	return c, ok
}

// ScriptStatus queues Inspect results for a container.
func (r *Runtime) ScriptStatus(id string, statuses ...container.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.statusScript = append(c.statusScript, statuses...)
	}
}

// Crash marks a container dead with the given exit code.
func (r *Runtime) Crash(id string, exitCode int, oom bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Running = false
		c.ExitCode = exitCode
		c.OOMKilled = oom
	}
}

// ScriptExec queues behavior for upcoming ExecStart calls, consumed in
// order. An empty queue yields an immediately-exiting process with exit 0.
func (r *Runtime) ScriptExec(scripts ...ExecScript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execQueue = append(r.execQueue, scripts...)
}

func (r *Runtime) ExecStart(ctx context.Context, containerID string, spec exec.Spec) (string, error) {
	r.record("ExecStart", containerID, spec.Cmd)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()

	var script ExecScript
	if len(r.execQueue) > 0 {
		script = r.execQueue[0]
		r.execQueue = r.execQueue[1:]
	}

	r.seq++
	id := fmt.Sprintf("exec-%04d", r.seq)
	r.execs[id] = &execState{script: script, started: time.Now()}

	if spec.Stdout != nil && script.Stdout != "" {
		_, _ = spec.Stdout.Write([]byte(script.Stdout))
	}
	if spec.Stderr != nil && script.Stderr != "" {
		_, _ = spec.Stderr.Write([]byte(script.Stderr))
	}
	return id, nil
}

func (r *Runtime) ExecInspect(ctx context.Context, execID string) (exec.State, error) {
	r.record("ExecInspect", execID)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.execs[execID]
	if !ok {
		return exec.State{}, fmt.Errorf("fake: unknown exec %q", execID)
	}
	if !e.killedAt.IsZero() {
		return exec.State{Running: false, ExitCode: e.killCode, PID: e.script.PID}, nil
	}
	if time.Since(e.started) < e.script.RunFor {
		return exec.State{Running: true, PID: e.script.PID}, nil
	}
	return exec.State{Running: false, ExitCode: e.script.ExitCode, PID: e.script.PID}, nil
}

func (r *Runtime) SignalExec(ctx context.Context, containerID, execID string, force bool) error {
	r.record("SignalExec", containerID, execID, force)
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.execs[execID]
	if !ok {
		return nil
	}
	if e.script.IgnoreTerm && !force {
		return nil
	}
	if e.killedAt.IsZero() && time.Since(e.started) < e.script.RunFor {
		e.killedAt = time.Now()
		if force {
			e.killCode = 137
		} else {
			e.killCode = 143
		}
	}
	return nil
}

func (r *Runtime) Run(ctx context.Context, containerID string, cmd []string) (int, string, string, error) {
	r.record("Run", containerID, cmd)
	if r.RunFn != nil {
		return r.RunFn(containerID, cmd)
	}
	return 0, "", "", nil
}
