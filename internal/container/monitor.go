package container

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"workbox"
	"workbox/internal/ports"
)

// Run is the background health monitor: one loop for all tracked
// containers, independent of any request path. Each iteration's errors are
// logged and swallowed; the loop only exits with its context.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context) {
	// Snapshot under lock, inspect outside it: inspects are slow I/O and
	// handlers may call back into the manager.
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.checkOne(ctx, id)
	}
}

func (m *Manager) checkOne(ctx context.Context, id string) {
	st, err := m.runtime.Inspect(ctx, id)
	healthy := err == nil && st.Exists && st.Running
	if err != nil {
		slog.Warn("health check inspect failed", "container", shortID(id), "err", err)
	}

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	rec.ring = append(rec.ring, healthy)
	if len(rec.ring) > healthRingSize {
		rec.ring = rec.ring[len(rec.ring)-healthRingSize:]
	}
	if healthy {
		rec.consecFails = 0
		rec.failLatched = false
		m.mu.Unlock()
		return
	}
	rec.consecFails++
	trip := rec.consecFails >= m.failureThreshold && !rec.failLatched && rec.Phase == PhaseRunning
	var handlers []FailureHandler
	var session workbox.SessionKey
	var reason string
	if trip {
		rec.failLatched = true
		if err := rec.transition(PhaseError); err != nil {
			slog.Error("health monitor transition rejected", "container", shortID(id), "err", err)
			m.mu.Unlock()
			return
		}
		session = rec.Session
		reason = failureReason(st, err)
		// Dispatch over a snapshot: handlers may register more handlers.
		handlers = append(handlers, m.handlers...)
	}
	m.mu.Unlock()

	if !trip {
		return
	}

	slog.Warn("container failed", "container", shortID(id), "session", session, "reason", reason)
	m.events.Emit(workbox.Event{
		Time: m.clock.Now(), Type: workbox.EventContainerFailed,
		UserID: session.UserID, SessionID: session.SessionID,
		ContainerID: id, Outcome: "error", Detail: reason,
	})
	// Handlers contend on per-session locks that can be held across slow
	// operations, so a dispatch must not stall checks of other containers.
	// The latch above guarantees at most one dispatch per failure.
	go func() {
		for _, h := range handlers {
			h.HandleContainerFailure(id, session, reason)
		}
	}()
}

func failureReason(st Status, inspectErr error) string {
	switch {
	case inspectErr != nil:
		return "inspect failed: " + inspectErr.Error()
	case !st.Exists:
		return "container removed externally"
	case st.OOMKilled:
		return "oom-killed"
	default:
		return "stopped externally (exit code " + strconv.Itoa(st.ExitCode) + ")"
	}
}

// HealthOf classifies a container from its recent check results.
func (m *Manager) HealthOf(id string) workbox.ContainerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || len(rec.ring) == 0 {
		return workbox.HealthUnknown
	}
	if rec.consecFails >= m.failureThreshold {
		return workbox.HealthFailed
	}
	if rec.consecFails > 0 || hasRecentFailure(rec.ring) {
		return workbox.HealthFlapping
	}
	return workbox.HealthRunning
}

func hasRecentFailure(ring []bool) bool {
	for _, ok := range ring {
		if !ok {
			return true
		}
	}
	return false
}

// Health summarizes all tracked containers.
func (m *Manager) Health() workbox.HealthSummary {
	m.mu.Lock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var s workbox.HealthSummary
	for _, id := range ids {
		s.Total++
		switch m.HealthOf(id) {
		case workbox.HealthRunning, workbox.HealthUnknown:
			s.Running++
		case workbox.HealthFlapping:
			s.Flapping++
		case workbox.HealthFailed:
			s.Failed++
		}
	}
	return s
}

// Adopt rebuilds records for managed containers that survived an unclean
// shutdown and force-removes the ones that cannot be adopted. Called once
// on startup, before the monitor starts.
func (m *Manager) Adopt(ctx context.Context) error {
	listed, err := m.runtime.List(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return &RuntimeError{Op: "list managed containers", Err: err}
	}

	for _, lc := range listed {
		key := workbox.SessionKey{UserID: lc.Labels[LabelUser], SessionID: lc.Labels[LabelSession]}
		block, blockOK := blockFromLabels(lc.Labels)

		if !lc.Running || key.Validate() != nil || !blockOK {
			slog.Info("removing orphaned container", "container", shortID(lc.ID), "running", lc.Running)
			if err := m.runtime.Remove(ctx, lc.ID, true); err != nil {
				slog.Warn("orphan removal failed", "container", shortID(lc.ID), "err", err)
			}
			continue
		}

		if kept, ok := m.ForSession(key); ok {
			// Two containers claim the same session. One is stale; the
			// session can only ever use one, so the later claimant goes.
			slog.Warn("duplicate container for session, removing",
				"session", key, "kept", shortID(kept.ID), "removed", shortID(lc.ID))
			if err := m.runtime.Remove(ctx, lc.ID, true); err != nil {
				slog.Warn("duplicate removal failed", "container", shortID(lc.ID), "err", err)
			}
			continue
		}

		if err := m.pool.Reserve(block); err != nil {
			// Overlapping or out-of-range block: the container cannot keep
			// its ports, so it cannot be adopted.
			slog.Warn("cannot re-reserve ports, removing container", "container", shortID(lc.ID), "err", err)
			_ = m.runtime.Remove(ctx, lc.ID, true)
			continue
		}

		hostPath, err := m.paths.SessionDir(key)
		if err != nil {
			m.releaseBlock(block)
			_ = m.runtime.Remove(ctx, lc.ID, true)
			continue
		}

		rec := &Record{
			ID:        lc.ID,
			Session:   key,
			Phase:     PhaseRunning,
			Block:     block,
			HostPath:  hostPath,
			CreatedAt: lc.CreatedAt,
		}
		m.mu.Lock()
		m.records[lc.ID] = rec
		m.mu.Unlock()
		slog.Info("adopted container", "container", shortID(lc.ID), "session", key)
	}
	return nil
}

func blockFromLabels(labels map[string]string) (ports.Block, bool) {
	base, err1 := strconv.Atoi(labels[LabelPortBase])
	count, err2 := strconv.Atoi(labels[LabelPortCount])
	if err1 != nil || err2 != nil || base <= 0 || count <= 0 {
		return ports.Block{}, false
	}
	return ports.Block{Base: base, Count: count}, true
}

// SweepRetention removes containers whose owning session has been idle
// beyond the retention window, or whose session the activity provider no
// longer knows. A safety net behind the session manager's own expiry.
func (m *Manager) SweepRetention(ctx context.Context, activity ActivityProvider, window time.Duration) {
	now := m.clock.Now()

	for _, rec := range m.List() {
		last, known := activity.LastActivity(rec.Session)
		if !known {
			last = rec.CreatedAt
		}
		if now.Sub(last) <= window {
			continue
		}
		slog.Info("retention sweep removing container", "container", shortID(rec.ID), "session", rec.Session, "idle", now.Sub(last))
		if err := m.Remove(ctx, rec.ID); err != nil {
			slog.Warn("retention removal failed", "container", shortID(rec.ID), "err", err)
		}
	}
}
