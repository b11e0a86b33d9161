// Package container owns the sandbox container lifecycle: creation with
// sustained-running verification, synchronous port release on removal,
// background health monitoring, and orphan/retention sweeps. Detection of
// failures is decoupled from recovery: the monitor only marks state and
// notifies registered handlers; recovery lives with the session manager.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"workbox"
	"workbox/internal/check"
	"workbox/internal/events"
	"workbox/internal/pathmap"
	"workbox/internal/ports"
)

// Container labels identifying workbox-managed containers and carrying
// enough state to rebuild records after a manager restart.
const (
	LabelManaged   = "workbox.managed"
	LabelUser      = "workbox.user"
	LabelSession   = "workbox.session"
	LabelPortBase  = "workbox.port-base"
	LabelPortCount = "workbox.port-count"
)

const (
	// defaultVerifyChecks is 3: one running observation is not enough, a
	// crash-on-start container often reports running briefly.
	defaultVerifyChecks = 3
	// defaultVerifyInterval is 300ms: the verification window stays under
	// a second while still spanning typical crash-on-start races.
	defaultVerifyInterval = 300 * time.Millisecond
	// defaultFailureThreshold is 3 consecutive failed checks: one failed
	// inspect is flapping, three is a dead container.
	defaultFailureThreshold = 3
	// healthRingSize keeps the last 8 check results per container.
	healthRingSize = 8
)

// Record tracks one managed container.
type Record struct {
	ID        string
	Session   workbox.SessionKey
	Phase     Phase
	Block     ports.Block
	HostPath  string
	CreatedAt time.Time

	// health ring: results of the most recent checks, newest last.
	ring        []bool
	consecFails int
	failLatched bool
}

// Info converts the record to its exported snapshot form.
func (r *Record) Info() workbox.ContainerInfo {
	return workbox.ContainerInfo{
		ID:        r.ID,
		Session:   r.Session,
		Phase:     r.Phase.String(),
		HostPath:  r.HostPath,
		Ports:     r.Block.Ports(),
		CreatedAt: r.CreatedAt,
	}
}

// Config assembles a Manager's dependencies.
type Config struct {
	Runtime   Runtime
	Pool      *ports.Pool
	Paths     pathmap.Translator
	Clock     Clock
	Events    events.Sink
	Image     string
	Limits    Resources
	BlockSize int

	VerifyChecks     int
	VerifyInterval   time.Duration
	FailureThreshold int
	HealthInterval   time.Duration
}

// Manager owns container records and the health monitor.
type Manager struct {
	runtime Runtime
	pool    *ports.Pool
	paths   pathmap.Translator
	clock   Clock
	events  events.Sink
	image   string
	limits  Resources

	blockSize        int
	verifyChecks     int
	verifyInterval   time.Duration
	failureThreshold int
	healthInterval   time.Duration

	mu       sync.Mutex
	records  map[string]*Record // container id -> record
	handlers []FailureHandler
}

// NewManager creates a Manager. Zero tuning fields take defaults.
func NewManager(cfg Config) *Manager {
	check.Assert(cfg.Runtime != nil, "container.NewManager: runtime must not be nil")
	check.Assert(cfg.Pool != nil, "container.NewManager: pool must not be nil")

	m := &Manager{
		runtime:          cfg.Runtime,
		pool:             cfg.Pool,
		paths:            cfg.Paths,
		clock:            cfg.Clock,
		events:           cfg.Events,
		image:            cfg.Image,
		limits:           cfg.Limits,
		blockSize:        cfg.BlockSize,
		verifyChecks:     cfg.VerifyChecks,
		verifyInterval:   cfg.VerifyInterval,
		failureThreshold: cfg.FailureThreshold,
		healthInterval:   cfg.HealthInterval,
		records:          make(map[string]*Record),
	}
	if m.clock == nil {
		m.clock = RealClock{}
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	if m.blockSize <= 0 {
		m.blockSize = 10
	}
	if m.verifyChecks <= 0 {
		m.verifyChecks = defaultVerifyChecks
	}
	if m.verifyInterval <= 0 {
		m.verifyInterval = defaultVerifyInterval
	}
	if m.failureThreshold <= 0 {
		m.failureThreshold = defaultFailureThreshold
	}
	if m.healthInterval <= 0 {
		m.healthInterval = 5 * time.Second
	}
	return m
}

// RegisterFailureHandler adds a handler for monitor-detected failures.
func (m *Manager) RegisterFailureHandler(h FailureHandler) {
	check.Assert(h != nil, "container.RegisterFailureHandler: handler must not be nil")
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Create allocates a port block, prepares the session workspace, starts a
// container, and verifies sustained running before returning. A container
// that crashes inside the verification window is a *StartupError carrying
// its logs, never a success.
func (m *Manager) Create(ctx context.Context, key workbox.SessionKey) (*Record, error) {
	block, err := m.pool.Allocate(m.blockSize)
	if err != nil {
		return nil, fmt.Errorf("create container for %s: %w", key, err)
	}

	hostPath, err := m.paths.SessionDir(key)
	if err != nil {
		m.releaseBlock(block)
		return nil, err
	}
	if err := os.MkdirAll(hostPath, 0o755); err != nil {
		m.releaseBlock(block)
		return nil, fmt.Errorf("create workspace %s: %w", hostPath, err)
	}

	spec := CreateSpec{
		Name:      containerName(key, m.clock.Now()),
		Image:     m.image,
		HostPath:  hostPath,
		Ports:     block.Ports(),
		Resources: m.limits,
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelUser:      key.UserID,
			LabelSession:   key.SessionID,
			LabelPortBase:  strconv.Itoa(block.Base),
			LabelPortCount: strconv.Itoa(block.Count),
		},
	}

	id, err := m.runtime.Create(ctx, spec)
	if err != nil {
		m.releaseBlock(block)
		return nil, &RuntimeError{Op: "create", Err: err}
	}
	if err := m.runtime.Start(ctx, id); err != nil {
		_ = m.runtime.Remove(ctx, id, true)
		m.releaseBlock(block)
		return nil, &RuntimeError{Op: "start", Err: err}
	}

	if err := m.verifySustainedRunning(ctx, id); err != nil {
		_ = m.runtime.Remove(ctx, id, true)
		m.releaseBlock(block)
		m.events.Emit(workbox.Event{
			Time: m.clock.Now(), Type: workbox.EventStartupVerifyFail,
			UserID: key.UserID, SessionID: key.SessionID, ContainerID: id,
			Outcome: "error", Detail: err.Error(),
		})
		return nil, err
	}

	rec := &Record{
		ID:        id,
		Session:   key,
		Phase:     PhaseCreating,
		Block:     block,
		HostPath:  hostPath,
		CreatedAt: m.clock.Now(),
	}
	if err := rec.transition(PhaseRunning); err != nil {
		// Creating -> Running is always legal; guard against table edits.
		return nil, err
	}

	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()

	m.events.Emit(workbox.Event{
		Time: m.clock.Now(), Type: workbox.EventContainerCreated,
		UserID: key.UserID, SessionID: key.SessionID, ContainerID: id, Outcome: "ok",
		Detail: block.String(),
	})
	slog.Info("container created", "session", key, "container", shortID(id), "ports", block)
	return rec, nil
}

// verifySustainedRunning requires verifyChecks consecutive running
// observations before treating startup as successful.
func (m *Manager) verifySustainedRunning(ctx context.Context, id string) error {
	for i := 0; i < m.verifyChecks; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.verifyInterval):
		}

		st, err := m.runtime.Inspect(ctx, id)
		if err != nil {
			return &RuntimeError{Op: "inspect during startup verification", Err: err}
		}
		if !st.Exists || !st.Running {
			logs, logErr := m.runtime.Logs(ctx, id, 50)
			if logErr != nil {
				logs = fmt.Sprintf("(logs unavailable: %v)", logErr)
			}
			return &StartupError{ContainerID: id, LastStatus: st, Checks: i, Logs: logs}
		}
	}
	return nil
}

// Remove stops and removes a container and synchronously releases its port
// block. Safe to call for containers the runtime already lost.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		delete(m.records, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove %s: %w", shortID(id), ErrNotTracked)
	}

	if rec.Phase == PhaseRunning {
		if err := rec.transition(PhaseStopped); err != nil {
			return err
		}
	} else if rec.Phase == PhaseError {
		_ = rec.transition(PhaseStopped)
	}

	var removeErr error
	if err := m.runtime.Stop(ctx, id); err != nil {
		slog.Debug("stop before remove failed", "container", shortID(id), "err", err)
	}
	if err := m.runtime.Remove(ctx, id, true); err != nil {
		removeErr = &RuntimeError{Op: "remove", Err: err}
	}

	// Port release is synchronous with removal; a leak here would shrink
	// the pool for the remaining process lifetime.
	m.releaseBlock(rec.Block)

	m.events.Emit(workbox.Event{
		Time: m.clock.Now(), Type: workbox.EventContainerRemoved,
		UserID: rec.Session.UserID, SessionID: rec.Session.SessionID,
		ContainerID: id, Outcome: outcome(removeErr),
	})
	return removeErr
}

func (m *Manager) releaseBlock(b ports.Block) {
	if err := m.pool.Release(b); err != nil {
		slog.Error("port block release failed", "block", b, "err", err)
	}
}

// Probe is the reactive pre-use check: a single live inspect, bypassing
// the monitor's cadence. Returns true only for an existing, running
// container.
func (m *Manager) Probe(ctx context.Context, id string) bool {
	st, err := m.runtime.Inspect(ctx, id)
	return err == nil && st.Exists && st.Running
}

// Get returns a copy of the record for id.
func (m *Manager) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return snapshot(rec), true
}

// ForSession returns the record bound to a session, if any.
func (m *Manager) ForSession(key workbox.SessionKey) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.Session == key {
			return snapshot(rec), true
		}
	}
	return Record{}, false
}

// List returns snapshots of all tracked containers.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, snapshot(rec))
	}
	return out
}

func snapshot(rec *Record) Record {
	cp := *rec
	cp.ring = append([]bool(nil), rec.ring...)
	return cp
}

func containerName(key workbox.SessionKey, now time.Time) string {
	return fmt.Sprintf("workbox-%s-%s-%d", key.UserID, key.SessionID, now.UnixNano()%1e9)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

// IsCapacity reports whether err is a resource-exhaustion failure the
// caller should surface rather than retry.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrExhausted)
}
