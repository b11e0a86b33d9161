// Package session is the top-level façade of the sandbox manager. It maps
// (user, session) keys to container and service state, creates containers
// lazily, validates health before use, expires idle sessions, and recovers
// failed containers transparently on next access.
//
// Detection and recovery are deliberately split: the container manager's
// health monitor only marks a session failed (via the FailureHandler
// registration); recreation happens here, on the next user access, under
// the per-session lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"workbox"
	"workbox/internal/check"
	"workbox/internal/container"
	"workbox/internal/events"
	"workbox/internal/exec"
	"workbox/internal/pathmap"
	"workbox/internal/service"
)

// maxCreateAttempts bounds consecutive creation attempts inside one
// ensure: the first failure retries transparently, the second surfaces as
// UnavailableError.
const maxCreateAttempts = 2

// state tracks one session. The per-session mutex serializes lifecycle
// operations: concurrent callers racing to recreate a failed session queue
// on it, so at most one recreation runs and late arrivals see its result.
type state struct {
	key workbox.SessionKey

	mu            sync.Mutex
	phase         Phase
	containerID   string
	createdAt     time.Time
	lastActivity  time.Time
	lastFailure   string
	lastFailureAt time.Time
}

func (s *state) info() workbox.SessionInfo {
	return workbox.SessionInfo{
		Key:          s.key,
		Phase:        s.phase.String(),
		ContainerID:  s.containerID,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// Config assembles a Manager's dependencies.
type Config struct {
	Containers *container.Manager
	Services   *service.Manager
	Executor   *exec.Executor
	Paths      pathmap.Translator
	Clock      container.Clock
	Events     events.Sink

	// Background bounds service monitors and other goroutines that must
	// outlive individual requests. Defaults to context.Background().
	Background context.Context
}

// Manager owns all session records.
type Manager struct {
	containers *container.Manager
	services   *service.Manager
	executor   *exec.Executor
	paths      pathmap.Translator
	clock      container.Clock
	events     events.Sink
	bg         context.Context

	mu       sync.Mutex
	sessions map[workbox.SessionKey]*state
}

// NewManager creates a Manager and registers it as the container manager's
// failure handler.
func NewManager(cfg Config) *Manager {
	check.Assert(cfg.Containers != nil, "session.NewManager: container manager must not be nil")
	check.Assert(cfg.Services != nil, "session.NewManager: service manager must not be nil")
	check.Assert(cfg.Executor != nil, "session.NewManager: executor must not be nil")

	m := &Manager{
		containers: cfg.Containers,
		services:   cfg.Services,
		executor:   cfg.Executor,
		paths:      cfg.Paths,
		clock:      cfg.Clock,
		events:     cfg.Events,
		bg:         cfg.Background,
		sessions:   make(map[workbox.SessionKey]*state),
	}
	if m.clock == nil {
		m.clock = container.RealClock{}
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	if m.bg == nil {
		m.bg = context.Background()
	}
	m.containers.RegisterFailureHandler(m)
	return m
}

// EnsureReady returns a running container for the session, creating or
// recreating one as needed. Idempotent: without an intervening failure,
// repeated calls return the same container.
func (m *Manager) EnsureReady(ctx context.Context, key workbox.SessionKey) (workbox.ContainerInfo, error) {
	if err := key.Validate(); err != nil {
		return workbox.ContainerInfo{}, err
	}
	s := m.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Activity is recorded before the status check below, so a sweep
	// running concurrently cannot expire the session mid-operation.
	s.lastActivity = m.clock.Now()

	return m.ensureLocked(ctx, s)
}

// Touch records user-initiated activity. Background monitors must never
// call it: monitoring reads do not keep sessions alive.
func (m *Manager) Touch(key workbox.SessionKey) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.lastActivity = m.clock.Now()
	s.mu.Unlock()
}

func (m *Manager) state(key workbox.SessionKey) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		now := m.clock.Now()
		s = &state{key: key, phase: PhaseCreating, createdAt: now, lastActivity: now}
		m.sessions[key] = s
	}
	return s
}

// ensureLocked implements the reactive layer and recreation. Caller holds
// s.mu.
func (m *Manager) ensureLocked(ctx context.Context, s *state) (workbox.ContainerInfo, error) {
	// After a restart the container may already exist, adopted by the
	// container manager from labels.
	if s.containerID == "" {
		if rec, ok := m.containers.ForSession(s.key); ok {
			s.containerID = rec.ID
			if err := s.transition(PhaseRunning); err != nil {
				return workbox.ContainerInfo{}, err
			}
		}
	}

	if s.containerID != "" && s.phase == PhaseRunning {
		rec, tracked := m.containers.Get(s.containerID)
		if tracked && rec.Phase == container.PhaseRunning && m.containers.Probe(ctx, s.containerID) {
			return rec.Info(), nil
		}
		// Reactive detection: the monitor has not tripped yet but the
		// container is unusable. Treat exactly like a monitor event.
		s.lastFailure = "reactive check: container not running"
		s.lastFailureAt = m.clock.Now()
		if err := s.transition(PhaseError); err != nil {
			return workbox.ContainerInfo{}, err
		}
	}

	// Tear down whatever is left of the previous container.
	if s.containerID != "" {
		m.services.DropContainer(s.containerID)
		if err := m.containers.Remove(ctx, s.containerID); err != nil && !errors.Is(err, container.ErrNotTracked) {
			slog.Warn("removing dead container failed", "session", s.key, "container", s.containerID, "err", err)
		}
		s.containerID = ""
	}

	recovered := s.phase == PhaseError
	rec, err := m.createLocked(ctx, s)
	if err != nil {
		return workbox.ContainerInfo{}, err
	}

	s.containerID = rec.ID
	if err := s.transition(PhaseRunning); err != nil {
		return workbox.ContainerInfo{}, err
	}

	evType := workbox.EventSessionCreated
	if recovered {
		evType = workbox.EventSessionRecovered
	}
	m.events.Emit(workbox.Event{
		Time: m.clock.Now(), Type: evType,
		UserID: s.key.UserID, SessionID: s.key.SessionID,
		ContainerID: rec.ID, Outcome: "ok",
	})
	return rec.Info(), nil
}

// createLocked attempts container creation, retrying transparently once.
// Capacity exhaustion surfaces immediately; a second consecutive failure
// surfaces as UnavailableError with the failure history attached.
func (m *Manager) createLocked(ctx context.Context, s *state) (container.Record, error) {
	var lastErr error
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		rec, err := m.containers.Create(ctx, s.key)
		if err == nil {
			s.lastFailure = ""
			return *rec, nil
		}
		lastErr = err
		s.lastFailure = err.Error()
		s.lastFailureAt = m.clock.Now()

		if container.IsCapacity(err) || ctx.Err() != nil {
			return container.Record{}, fmt.Errorf("create sandbox for %s: %w", s.key, err)
		}
		slog.Warn("sandbox creation failed", "session", s.key, "attempt", attempt, "err", err)
	}

	_ = s.transition(PhaseError)
	return container.Record{}, &UnavailableError{
		Key:      s.key,
		Attempts: maxCreateAttempts,
		LastErr:  lastErr,
		Since:    s.lastFailureAt,
	}
}

// HandleContainerFailure implements container.FailureHandler: it marks the
// session failed and clears its service records. Recovery happens on the
// session's next access, never here.
func (m *Manager) HandleContainerFailure(id string, key workbox.SessionKey, reason string) {
	m.services.DropContainer(id)

	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containerID != id {
		// The failure refers to a container this session already replaced.
		return
	}
	s.lastFailure = reason
	s.lastFailureAt = m.clock.Now()
	if err := s.transition(PhaseError); err != nil {
		slog.Warn("failure handler transition rejected", "session", key, "err", err)
	}
}

// LastActivity implements container.ActivityProvider for the retention
// sweep.
func (m *Manager) LastActivity(key workbox.SessionKey) (time.Time, bool) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity, true
}

// ExpireInactive stops containers of sessions idle beyond maxIdle. Session
// records and workspace data stay for lazy recreation later.
func (m *Manager) ExpireInactive(ctx context.Context, maxIdle time.Duration) {
	now := m.clock.Now()

	m.mu.Lock()
	snapshot := make([]*state, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	for _, s := range snapshot {
		s.mu.Lock()
		if s.phase != PhaseRunning || now.Sub(s.lastActivity) <= maxIdle {
			s.mu.Unlock()
			continue
		}
		id := s.containerID
		if id != "" {
			m.services.DropContainer(id)
			if err := m.containers.Remove(ctx, id); err != nil && !errors.Is(err, container.ErrNotTracked) {
				slog.Warn("expiry removal failed", "session", s.key, "container", id, "err", err)
			}
			s.containerID = ""
		}
		if err := s.transition(PhaseStopped); err != nil {
			slog.Warn("expiry transition rejected", "session", s.key, "err", err)
		}
		key := s.key
		idle := now.Sub(s.lastActivity)
		s.mu.Unlock()

		slog.Info("session expired", "session", key, "idle", idle)
		m.events.Emit(workbox.Event{
			Time: now, Type: workbox.EventSessionExpired,
			UserID: key.UserID, SessionID: key.SessionID, ContainerID: id, Outcome: "ok",
		})
	}
}

// Run is the lifecycle loop: periodic idle expiry plus the container
// retention sweep. Iteration errors never stop the loop.
func (m *Manager) Run(ctx context.Context, sweepInterval, maxIdle, retention time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ExpireInactive(ctx, maxIdle)
			m.containers.SweepRetention(ctx, m, retention)
		}
	}
}

// Delete removes the session entirely: container, services, and the
// workspace data. This is the only path that deletes workspace files.
func (m *Manager) Delete(ctx context.Context, key workbox.SessionKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s := m.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	// After a restart the session's container may be adopted but not yet
	// bound, because nothing accessed the session. Look it up so deletion
	// cannot leave it running against a removed workspace.
	if s.containerID == "" {
		if rec, ok := m.containers.ForSession(key); ok {
			s.containerID = rec.ID
		}
	}

	if s.containerID != "" {
		m.services.DropContainer(s.containerID)
		if err := m.containers.Remove(ctx, s.containerID); err != nil && !errors.Is(err, container.ErrNotTracked) {
			slog.Warn("delete: container removal failed", "session", key, "err", err)
		}
		s.containerID = ""
	}

	dir, err := m.paths.SessionDir(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete workspace %s: %w", dir, err)
	}

	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()

	m.events.Emit(workbox.Event{
		Time: m.clock.Now(), Type: workbox.EventSessionDeleted,
		UserID: key.UserID, SessionID: key.SessionID, Outcome: "ok",
	})
	return nil
}

// List returns snapshots of all known sessions.
func (m *Manager) List() []workbox.SessionInfo {
	m.mu.Lock()
	snapshot := make([]*state, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	out := make([]workbox.SessionInfo, 0, len(snapshot))
	for _, s := range snapshot {
		s.mu.Lock()
		out = append(out, s.info())
		s.mu.Unlock()
	}
	return out
}

// Get returns the snapshot of one session.
func (m *Manager) Get(key workbox.SessionKey) (workbox.SessionInfo, error) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return workbox.SessionInfo{}, fmt.Errorf("session %s: %w", key, ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}
