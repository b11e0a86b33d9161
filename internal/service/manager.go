// Package service manages long-running background processes inside sandbox
// containers: detached start with PID capture, liveness monitoring, port
// discovery, escalating stop, and log retrieval. Services never survive
// container recreation; their records are cleared and callers restart them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"workbox"
	"workbox/internal/check"
	"workbox/internal/events"
	"workbox/internal/pathmap"
)

// stateDirName holds per-service pid/exit/log files inside the workspace.
const stateDirName = ".workbox/services"

const (
	// defaultMonitorInterval is 2s per service: liveness is a cheap
	// in-container kill -0.
	defaultMonitorInterval = 2 * time.Second
	// defaultStopGrace is 5s between SIGTERM and SIGKILL on stop.
	defaultStopGrace = 5 * time.Second
)

// ErrNotFound indicates an unknown service id.
var ErrNotFound = errors.New("service not found")

// Runner executes short synchronous commands inside a container.
type Runner interface {
	Run(ctx context.Context, containerID string, cmd []string) (exitCode int, stdout string, stderr string, err error)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Service tracks one background process.
type Service struct {
	ID            string
	Name          string
	ContainerID   string
	Session       workbox.SessionKey
	Command       string
	PID           int // pid inside the container's namespace
	Phase         Phase
	DeclaredPorts []int
	Ports         []int
	ExitCode      int
	StartedAt     time.Time

	hostDir string // host-side state dir via the workspace bind mount
	ctrDir  string // same dir as the container sees it
	cancel  context.CancelFunc
}

// Info converts the record to its exported snapshot form.
func (s *Service) Info() workbox.ServiceInfo {
	ports := append([]int(nil), s.Ports...)
	if len(ports) == 0 {
		ports = append(ports, s.DeclaredPorts...)
	}
	return workbox.ServiceInfo{
		ID:          s.ID,
		Name:        s.Name,
		ContainerID: s.ContainerID,
		Command:     s.Command,
		PID:         s.PID,
		Phase:       s.Phase.String(),
		Ports:       ports,
		ExitCode:    s.ExitCode,
		StartedAt:   s.StartedAt,
	}
}

// Manager owns service records for all containers.
type Manager struct {
	runner          Runner
	clock           Clock
	events          events.Sink
	monitorInterval time.Duration
	stopGrace       time.Duration

	mu       sync.Mutex
	services map[string]*Service
	seq      uint64
}

// Option tunes a Manager.
type Option func(*Manager)

// WithClock injects a deterministic clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithEvents injects the lifecycle event sink.
func WithEvents(s events.Sink) Option {
	return func(m *Manager) { m.events = s }
}

// WithMonitorInterval overrides the per-service liveness poll interval.
func WithMonitorInterval(d time.Duration) Option {
	return func(m *Manager) { m.monitorInterval = d }
}

// WithStopGrace overrides the graceful-stop grace period.
func WithStopGrace(d time.Duration) Option {
	return func(m *Manager) { m.stopGrace = d }
}

// NewManager creates a Manager over the given runner.
func NewManager(runner Runner, opts ...Option) *Manager {
	check.Assert(runner != nil, "service.NewManager: runner must not be nil")
	m := &Manager{
		runner:          runner,
		clock:           realClock{},
		events:          events.Nop{},
		monitorInterval: defaultMonitorInterval,
		stopGrace:       defaultStopGrace,
		services:        make(map[string]*Service),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSpec describes a service to launch.
type StartSpec struct {
	ContainerID   string
	Session       workbox.SessionKey
	HostPath      string // the container's workspace on the host
	Name          string
	Command       string
	Env           []string // KEY=value, exported before the command runs
	DeclaredPorts []int
}

// Start launches the command as a detached, session-leading process with
// output redirected to log files, captures its PID, and returns without
// waiting: the service is STARTING until its monitor confirms liveness.
// monitorCtx bounds the per-service monitor goroutine.
func (m *Manager) Start(monitorCtx context.Context, spec StartSpec) (workbox.ServiceInfo, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return workbox.ServiceInfo{}, fmt.Errorf("start service: command is required")
	}
	name := spec.Name
	if name == "" {
		name = "svc"
	}

	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("%s-%d", sanitizeName(name), m.seq)
	m.mu.Unlock()

	ctrDir := path.Join(pathmap.WorkspaceTarget, stateDirName, id)
	hostDir := filepath.Join(spec.HostPath, filepath.FromSlash(stateDirName), id)

	script := startScript(ctrDir, exportPrefix(spec.Env)+spec.Command)

	code, out, errOut, err := m.runner.Run(monitorCtx, spec.ContainerID, []string{"/bin/sh", "-c", script})
	if err != nil {
		return workbox.ServiceInfo{}, fmt.Errorf("start service %s: %w", name, err)
	}
	if code != 0 {
		return workbox.ServiceInfo{}, fmt.Errorf("start service %s: wrapper exited %d: %s", name, code, strings.TrimSpace(errOut))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || pid <= 0 {
		return workbox.ServiceInfo{}, fmt.Errorf("start service %s: bad pid %q", name, strings.TrimSpace(out))
	}

	ctx, cancel := context.WithCancel(monitorCtx)
	svc := &Service{
		ID:            id,
		Name:          name,
		ContainerID:   spec.ContainerID,
		Session:       spec.Session,
		Command:       spec.Command,
		PID:           pid,
		Phase:         PhaseStarting,
		DeclaredPorts: append([]int(nil), spec.DeclaredPorts...),
		StartedAt:     m.clock.Now(),
		hostDir:       hostDir,
		ctrDir:        ctrDir,
		cancel:        cancel,
	}

	m.mu.Lock()
	m.services[id] = svc
	info := svc.Info()
	m.mu.Unlock()

	go m.monitor(ctx, id)

	m.events.Emit(workbox.Event{
		Time: m.clock.Now(), Type: workbox.EventServiceStarted,
		UserID: spec.Session.UserID, SessionID: spec.Session.SessionID,
		ContainerID: spec.ContainerID, ServiceID: id, Outcome: "ok", Detail: spec.Command,
	})
	return info, nil
}

// monitor is the per-service liveness loop. Iteration errors are logged
// and skipped; the loop ends when the service reaches a terminal phase.
func (m *Manager) monitor(ctx context.Context, id string) {
	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := m.checkLiveness(ctx, id); done {
				return
			}
		}
	}
}

// checkLiveness updates the service phase from the exit file and PID state.
// Returns true when the service reached a terminal phase.
func (m *Manager) checkLiveness(ctx context.Context, id string) bool {
	m.mu.Lock()
	svc, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return true
	}
	phase := svc.Phase
	hostDir, ctrID, pid := svc.hostDir, svc.ContainerID, svc.PID
	session := svc.Session
	m.mu.Unlock()

	if phase == PhaseStopped || phase == PhaseFailed {
		return true
	}

	if code, exited := readExitFile(hostDir); exited {
		m.finish(id, code, phase == PhaseStopping)
		if code != 0 && phase != PhaseStopping {
			m.events.Emit(workbox.Event{
				Time: m.clock.Now(), Type: workbox.EventServiceFailed,
				UserID: session.UserID, SessionID: session.SessionID,
				ContainerID: ctrID, ServiceID: id,
				Outcome: "error", Detail: fmt.Sprintf("exit code %d", code),
			})
		}
		return true
	}

	alive, err := m.pidAlive(ctx, ctrID, pid)
	if err != nil {
		slog.Debug("service liveness check failed", "service", id, "err", err)
		return false
	}
	if !alive {
		// Process gone without an exit file: the container restarted or
		// someone killed the tree from outside.
		m.finish(id, -1, phase == PhaseStopping)
		return true
	}

	if phase == PhaseStarting {
		m.setPhase(id, PhaseRunning)
	}
	return false
}

func (m *Manager) pidAlive(ctx context.Context, containerID string, pid int) (bool, error) {
	code, _, _, err := m.runner.Run(ctx, containerID, []string{"/bin/sh", "-c", fmt.Sprintf("kill -0 %d 2>/dev/null", pid)})
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

func (m *Manager) setPhase(id string, to Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok {
		return
	}
	if err := svc.transition(to); err != nil {
		slog.Warn("service transition rejected", "service", id, "err", err)
	}
}

// finish records the terminal phase for an exited process.
func (m *Manager) finish(id string, exitCode int, wasStopping bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok {
		return
	}
	svc.ExitCode = exitCode
	to := PhaseFailed
	if wasStopping || exitCode == 0 {
		to = PhaseStopped
	}
	if err := svc.transition(to); err != nil {
		slog.Warn("service transition rejected", "service", id, "err", err)
	}
	if svc.cancel != nil {
		svc.cancel()
	}
}

// Status performs an on-demand liveness check plus dynamic port discovery
// and returns the updated record. It is a monitoring read: callers must
// not treat it as session activity.
func (m *Manager) Status(ctx context.Context, id string) (workbox.ServiceInfo, error) {
	m.mu.Lock()
	svc, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return workbox.ServiceInfo{}, fmt.Errorf("status %s: %w", id, ErrNotFound)
	}
	ctrID := svc.ContainerID
	phase := svc.Phase
	declared := append([]int(nil), svc.DeclaredPorts...)
	m.mu.Unlock()

	if phase == PhaseStarting || phase == PhaseRunning || phase == PhaseStopping {
		m.checkLiveness(ctx, id)
	}

	// Discover listening sockets; harmless if the process just exited.
	if phase == PhaseStarting || phase == PhaseRunning {
		if discovered, err := m.listeningPorts(ctx, ctrID); err == nil {
			m.mu.Lock()
			if svc, ok := m.services[id]; ok {
				svc.Ports = mergePorts(declared, discovered)
			}
			m.mu.Unlock()
		} else {
			slog.Debug("port discovery failed", "service", id, "err", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok = m.services[id]
	if !ok {
		return workbox.ServiceInfo{}, fmt.Errorf("status %s: %w", id, ErrNotFound)
	}
	return svc.Info(), nil
}

func (m *Manager) listeningPorts(ctx context.Context, containerID string) ([]int, error) {
	code, out, _, err := m.runner.Run(ctx, containerID,
		[]string{"/bin/sh", "-c", "cat /proc/net/tcp /proc/net/tcp6 2>/dev/null"})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("read /proc/net/tcp: exit %d", code)
	}
	return ParseListeningPorts(out), nil
}

// Stop terminates a service: graceful signal to the process group, grace
// period, forced kill, and a pattern-based fallback when the PID is stale.
func (m *Manager) Stop(ctx context.Context, id string) (workbox.ServiceInfo, error) {
	m.mu.Lock()
	svc, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return workbox.ServiceInfo{}, fmt.Errorf("stop %s: %w", id, ErrNotFound)
	}
	if svc.Phase == PhaseStopped || svc.Phase == PhaseFailed {
		info := svc.Info()
		m.mu.Unlock()
		return info, nil
	}
	if err := svc.transition(PhaseStopping); err != nil {
		m.mu.Unlock()
		return workbox.ServiceInfo{}, err
	}
	ctrID, pid, command := svc.ContainerID, svc.PID, svc.Command
	hostDir := svc.hostDir
	session := svc.Session
	m.mu.Unlock()

	m.signalGroup(ctx, ctrID, pid, "TERM")

	stopped := m.awaitDeath(ctx, ctrID, pid)
	if !stopped {
		m.signalGroup(ctx, ctrID, pid, "KILL")
		stopped = m.awaitDeath(ctx, ctrID, pid)
	}
	if !stopped {
		// Stale PID or reused pid namespace: last resort, kill by pattern.
		_, _, _, err := m.runner.Run(ctx, ctrID, []string{"/bin/sh", "-c",
			"pkill -KILL -f " + shellQuote(command) + " 2>/dev/null || true"})
		if err != nil {
			slog.Warn("pattern kill failed", "service", id, "err", err)
		}
	}

	code, exited := readExitFile(hostDir)
	if !exited {
		code = -1
	}
	m.finish(id, code, true)

	m.events.Emit(workbox.Event{
		Time: m.clock.Now(), Type: workbox.EventServiceStopped,
		UserID: session.UserID, SessionID: session.SessionID,
		ContainerID: ctrID, ServiceID: id, Outcome: "ok",
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[id]; ok {
		return svc.Info(), nil
	}
	return workbox.ServiceInfo{}, fmt.Errorf("stop %s: %w", id, ErrNotFound)
}

func (m *Manager) signalGroup(ctx context.Context, containerID string, pid int, sig string) {
	// Kill the whole group the setsid wrapper leads; fall back to the
	// single pid if the group is already gone.
	script := fmt.Sprintf("kill -%s -- -%d 2>/dev/null || kill -%s %d 2>/dev/null", sig, pid, sig, pid)
	if _, _, _, err := m.runner.Run(ctx, containerID, []string{"/bin/sh", "-c", script}); err != nil {
		slog.Debug("signal failed", "container", containerID, "pid", pid, "sig", sig, "err", err)
	}
}

func (m *Manager) awaitDeath(ctx context.Context, containerID string, pid int) bool {
	deadline := time.NewTimer(m.stopGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			alive, err := m.pidAlive(ctx, containerID, pid)
			if err == nil && !alive {
				return true
			}
		}
	}
}

// Logs reads the retained stdout and stderr files, returning up to tailN
// trailing lines of each.
func (m *Manager) Logs(id string, tailN int) (stdout, stderr string, err error) {
	m.mu.Lock()
	svc, ok := m.services[id]
	if !ok {
		m.mu.Unlock()
		return "", "", fmt.Errorf("logs %s: %w", id, ErrNotFound)
	}
	hostDir := svc.hostDir
	m.mu.Unlock()

	stdout = tailFile(filepath.Join(hostDir, "stdout.log"), tailN)
	stderr = tailFile(filepath.Join(hostDir, "stderr.log"), tailN)
	return stdout, stderr, nil
}

// Get returns the current record for id.
func (m *Manager) Get(id string) (workbox.ServiceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok {
		return workbox.ServiceInfo{}, false
	}
	return svc.Info(), true
}

// ListContainer returns all services of one container.
func (m *Manager) ListContainer(containerID string) []workbox.ServiceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []workbox.ServiceInfo
	for _, svc := range m.services {
		if svc.ContainerID == containerID {
			out = append(out, svc.Info())
		}
	}
	return out
}

// DropContainer clears all service records of a failed or recreated
// container. The processes are gone with the container; stale service
// state must never leak into its successor.
func (m *Manager) DropContainer(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, svc := range m.services {
		if svc.ContainerID != containerID {
			continue
		}
		if svc.cancel != nil {
			svc.cancel()
		}
		delete(m.services, id)
	}
}

// startScript builds the detached-start wrapper: create the state dir,
// launch the command under setsid with output redirected to log files,
// record its exit code, and print the wrapper pid. setsid makes the wrapper
// a session and group leader, so a negative pid kill later takes the whole
// tree down with it. The inner script must be single-quoted: double quotes
// would let the outer shell expand $? (and any $ or backtick in the user's
// command) before the service ever runs, recording exit 0 for everything.
// ctrDir never needs quoting, ids are sanitized to [a-z0-9-].
func startScript(ctrDir, inner string) string {
	inner = inner + "; echo $? > " + ctrDir + "/exit"
	return fmt.Sprintf(
		"mkdir -p %[1]s && setsid /bin/sh -c %[2]s > %[1]s/stdout.log 2> %[1]s/stderr.log & echo $!",
		ctrDir, shellQuote(inner),
	)
}

// shellQuote wraps s in single quotes so the shell takes it literally,
// escaping embedded quotes as '\''.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func readExitFile(hostDir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(hostDir, "exit"))
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}

func tailFile(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if n <= 0 {
		return string(data)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}

// exportPrefix turns KEY=value pairs into export statements, single-quoted
// so values pass through the shell untouched.
func exportPrefix(env []string) string {
	var b strings.Builder
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		b.WriteString("export " + k + "='" + strings.ReplaceAll(v, "'", `'\''`) + "'; ")
	}
	return b.String()
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "svc"
	}
	return b.String()
}
