package session

import (
	"context"
	"fmt"
	"time"

	"workbox"
	"workbox/internal/exec"
	"workbox/internal/service"
)

// The operations below share the same shape: ensure a running container,
// record the activity, delegate to the executor or service manager. Only
// ServiceStatus breaks the pattern, deliberately: a status poll is a
// monitoring read and must not keep the session alive.

// CommandOptions bound one RunCommand call.
type CommandOptions struct {
	WorkingDir string // workspace-relative; empty means the workspace root
	Env        []string
	Timeout    time.Duration
}

// RunCommand executes a shell command in the session's container and blocks
// until it finishes or times out. Recovery is transparent: if the container
// died, the caller pays creation latency here, not an error.
func (m *Manager) RunCommand(ctx context.Context, key workbox.SessionKey, command string, opts CommandOptions) (workbox.ExecResult, error) {
	info, err := m.EnsureReady(ctx, key)
	if err != nil {
		return workbox.ExecResult{}, err
	}

	workdir, err := m.paths.ContainerPath(opts.WorkingDir)
	if err != nil {
		return workbox.ExecResult{}, fmt.Errorf("working dir: %w", err)
	}

	res, err := m.executor.Run(ctx, info.ID, command, exec.Options{
		WorkingDir: workdir,
		Env:        opts.Env,
		Timeout:    opts.Timeout,
	})
	if err != nil {
		return workbox.ExecResult{}, err
	}

	outcome := "ok"
	if res.TimedOut {
		outcome = "timeout"
	}
	m.events.Emit(workbox.Event{
		Time: m.clock.Now(), Type: workbox.EventCommandFinished,
		UserID: key.UserID, SessionID: key.SessionID, ContainerID: info.ID,
		Outcome: outcome,
		Detail:  fmt.Sprintf("exit=%d duration=%s", res.ExitCode, res.Duration.Round(time.Millisecond)),
	})
	return res, nil
}

// ServiceSpec describes a service to start in a session.
type ServiceSpec struct {
	Name    string
	Command string
	Env     []string
	Ports   []int // declared listening ports
}

// StartService launches a long-running process in the session's container.
// The service monitor is bound to the manager's background context, so it
// outlives the request.
func (m *Manager) StartService(ctx context.Context, key workbox.SessionKey, spec ServiceSpec) (workbox.ServiceInfo, error) {
	info, err := m.EnsureReady(ctx, key)
	if err != nil {
		return workbox.ServiceInfo{}, err
	}
	return m.services.Start(m.bg, service.StartSpec{
		ContainerID:   info.ID,
		Session:       key,
		HostPath:      info.HostPath,
		Name:          spec.Name,
		Command:       spec.Command,
		Env:           spec.Env,
		DeclaredPorts: spec.Ports,
	})
}

// StopService stops a service with escalating signals. Stopping is a user
// action and counts as activity.
func (m *Manager) StopService(ctx context.Context, key workbox.SessionKey, serviceID string) (workbox.ServiceInfo, error) {
	if err := key.Validate(); err != nil {
		return workbox.ServiceInfo{}, err
	}
	m.Touch(key)
	return m.services.Stop(ctx, serviceID)
}

// ServiceStatus refreshes and returns one service's state. It never
// touches the session: health polling must not mask idleness.
func (m *Manager) ServiceStatus(ctx context.Context, serviceID string) (workbox.ServiceInfo, error) {
	return m.services.Status(ctx, serviceID)
}

// Services lists the services of the session's current container. Returns
// an empty list when no container is live.
func (m *Manager) Services(key workbox.SessionKey) []workbox.ServiceInfo {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	id := s.containerID
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	return m.services.ListContainer(id)
}

// ServiceLogs returns the tail of a service's captured output. Reading
// logs is a user action.
func (m *Manager) ServiceLogs(key workbox.SessionKey, serviceID string, tailN int) (stdout, stderr string, err error) {
	if err := key.Validate(); err != nil {
		return "", "", err
	}
	m.Touch(key)
	return m.services.Logs(serviceID, tailN)
}
