package session_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"workbox"
	"workbox/internal/adapter/fake"
	"workbox/internal/container"
	"workbox/internal/exec"
	"workbox/internal/pathmap"
	"workbox/internal/ports"
	"workbox/internal/service"
	"workbox/internal/session"
)

var testKey = workbox.SessionKey{UserID: "alice", SessionID: "dev"}

type sinkRecorder struct {
	mu  sync.Mutex
	evs []workbox.Event
}

func (s *sinkRecorder) Emit(ev workbox.Event) {
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()
}

func (s *sinkRecorder) typeCount(t workbox.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.evs {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newStack(t *testing.T, portCount int) (*session.Manager, *fake.Runtime, *fake.Clock, *sinkRecorder, string) {
	t.Helper()
	rt := &fake.Runtime{}
	clock := fake.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sink := &sinkRecorder{}
	root := t.TempDir()
	sessions, _ := buildStack(t, rt, clock, sink, root, portCount)
	return sessions, rt, clock, sink, root
}

// buildStack assembles managers over shared collaborators, so a test can
// simulate a process restart by building a second stack on the same runtime
// and data root.
func buildStack(t *testing.T, rt *fake.Runtime, clock *fake.Clock, sink *sinkRecorder, root string, portCount int) (*session.Manager, *container.Manager) {
	t.Helper()
	pool, err := ports.NewPool(40000, portCount)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	paths := pathmap.New(root)
	containers := container.NewManager(container.Config{
		Runtime:        rt,
		Pool:           pool,
		Paths:          paths,
		Clock:          clock,
		Events:         sink,
		BlockSize:      10,
		VerifyInterval: time.Millisecond,
		HealthInterval: time.Hour, // monitor is not running in these tests
	})
	services := service.NewManager(rt,
		service.WithClock(clock),
		service.WithEvents(sink),
		service.WithMonitorInterval(time.Hour),
		service.WithStopGrace(200*time.Millisecond),
	)
	executor := exec.New(rt, exec.WithPollInterval(time.Millisecond), exec.WithGracePeriod(10*time.Millisecond))

	sessions := session.NewManager(session.Config{
		Containers: containers,
		Services:   services,
		Executor:   executor,
		Paths:      paths,
		Clock:      clock,
		Events:     sink,
	})
	return sessions, containers
}

func TestEnsureReadyIdempotent(t *testing.T) {
	sessions, rt, _, _, _ := newStack(t, 30)

	first, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("container changed without a failure: %s -> %s", first.ID, second.ID)
	}
	if got := len(rt.Calls("Create")); got != 1 {
		t.Errorf("expected 1 container creation, got %d", got)
	}
}

func TestEnsureReadyRejectsBadKeys(t *testing.T) {
	sessions, _, _, _, _ := newStack(t, 10)
	cases := []workbox.SessionKey{
		{UserID: "", SessionID: "dev"},
		{UserID: "a/b", SessionID: "dev"},
		{UserID: "alice", SessionID: ".."},
		{UserID: strings.Repeat("x", 129), SessionID: "dev"},
	}
	for _, key := range cases {
		if _, err := sessions.EnsureReady(context.Background(), key); err == nil {
			t.Errorf("key %q/%q accepted", key.UserID, key.SessionID)
		}
	}
}

func TestConcurrentEnsureCreatesOnce(t *testing.T) {
	sessions, rt, _, _, _ := newStack(t, 30)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := sessions.EnsureReady(context.Background(), testKey)
			if err != nil {
				t.Errorf("ensure %d: %v", i, err)
				return
			}
			ids[i] = info.ID
		}(i)
	}
	wg.Wait()

	if got := len(rt.Calls("Create")); got != 1 {
		t.Fatalf("expected 1 creation under contention, got %d", got)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0] {
			t.Errorf("caller %d got container %s, caller 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestRecoveryReplacesDeadContainer(t *testing.T) {
	sessions, rt, _, _, root := newStack(t, 30)

	first, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// User data written before the crash must survive it.
	marker := filepath.Join(root, "alice", "dev", "notes.txt")
	if err := os.WriteFile(marker, []byte("keep me"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	rt.Crash(first.ID, 137, false)

	second, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure after crash: %v", err)
	}
	if second.ID == first.ID {
		t.Error("dead container was not replaced")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("workspace data lost in recovery: %v", err)
	}
	if got, _ := sessions.Get(testKey); got.Phase != "running" {
		t.Errorf("expected running session, got %s", got.Phase)
	}
}

func TestRecoveryAfterMonitorDetection(t *testing.T) {
	sessions, _, _, sink, _ := newStack(t, 30)

	first, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Simulate the monitor's dispatch: detection marks, access recovers.
	sessions.HandleContainerFailure(first.ID, testKey, "oom-killed")
	if got, _ := sessions.Get(testKey); got.Phase != "error" {
		t.Fatalf("expected error phase after detection, got %s", got.Phase)
	}

	second, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure after detection: %v", err)
	}
	if second.ID == first.ID {
		t.Error("failed container was not replaced")
	}
	if sink.typeCount(workbox.EventSessionRecovered) != 1 {
		t.Error("expected a recovery event")
	}
}

func TestUnavailableAfterConsecutiveFailures(t *testing.T) {
	sessions, rt, _, _, _ := newStack(t, 30)
	rt.CreateErr = func(container.CreateSpec) error {
		return fmt.Errorf("containerd is down")
	}

	_, err := sessions.EnsureReady(context.Background(), testKey)
	var unavailable *session.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
	if unavailable.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", unavailable.Attempts)
	}
	if got := len(rt.Calls("Create")); got != 2 {
		t.Errorf("expected 2 creation attempts, got %d", got)
	}

	// The condition clears once the runtime recovers.
	rt.CreateErr = nil
	if _, err := sessions.EnsureReady(context.Background(), testKey); err != nil {
		t.Fatalf("ensure after recovery: %v", err)
	}
}

func TestCapacityErrorsSurfaceWithoutRetry(t *testing.T) {
	sessions, rt, _, _, _ := newStack(t, 10)

	if _, err := sessions.EnsureReady(context.Background(), testKey); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	_, err := sessions.EnsureReady(context.Background(), workbox.SessionKey{UserID: "bob", SessionID: "dev"})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !errors.Is(err, ports.ErrExhausted) {
		t.Errorf("expected port exhaustion, got %v", err)
	}
	var unavailable *session.UnavailableError
	if errors.As(err, &unavailable) {
		t.Error("capacity exhaustion must not be reported as unavailability")
	}
	if got := len(rt.Calls("Create")); got != 1 {
		t.Errorf("capacity failure was retried: %d creations", got)
	}
}

func TestExpireInactiveKeepsWorkspace(t *testing.T) {
	sessions, rt, clock, sink, root := newStack(t, 30)

	info, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	marker := filepath.Join(root, "alice", "dev", "state.db")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	clock.Advance(31 * time.Minute)
	sessions.ExpireInactive(context.Background(), 30*time.Minute)

	if got, _ := sessions.Get(testKey); got.Phase != "stopped" {
		t.Fatalf("expected stopped session, got %s", got.Phase)
	}
	if _, ok := rt.Get(info.ID); ok {
		t.Error("expired container still exists")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("expiry deleted workspace data: %v", err)
	}
	if sink.typeCount(workbox.EventSessionExpired) != 1 {
		t.Error("expected an expiry event")
	}

	// Lazy recreation on the next access.
	again, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure after expiry: %v", err)
	}
	if again.ID == info.ID {
		t.Error("expected a fresh container after expiry")
	}
}

func TestExpireSkipsActiveSessions(t *testing.T) {
	sessions, rt, clock, _, _ := newStack(t, 30)

	info, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	clock.Advance(20 * time.Minute)
	sessions.Touch(testKey)
	clock.Advance(20 * time.Minute)

	// 40 minutes since creation, 20 since the touch: stays alive.
	sessions.ExpireInactive(context.Background(), 30*time.Minute)
	if _, ok := rt.Get(info.ID); !ok {
		t.Error("recently touched session was expired")
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	sessions, rt, _, sink, root := newStack(t, 30)

	info, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	dir := filepath.Join(root, "alice", "dev")
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := sessions.Delete(context.Background(), testKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := rt.Get(info.ID); ok {
		t.Error("container survived deletion")
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("workspace survived deletion: %v", err)
	}
	if _, err := sessions.Get(testKey); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if sink.typeCount(workbox.EventSessionDeleted) != 1 {
		t.Error("expected a deletion event")
	}
}

func TestDeleteRemovesAdoptedContainerAfterRestart(t *testing.T) {
	rt := &fake.Runtime{}
	clock := fake.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	root := t.TempDir()

	sessions, _ := buildStack(t, rt, clock, &sinkRecorder{}, root, 30)
	info, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Process restart: fresh managers over the same runtime and data root.
	// The container is adopted from its labels; the session is deleted
	// before anything accesses it.
	sessions2, containers2 := buildStack(t, rt, clock, &sinkRecorder{}, root, 30)
	if err := containers2.Adopt(context.Background()); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if err := sessions2.Delete(context.Background(), testKey); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok := rt.Get(info.ID); ok {
		t.Error("adopted container survived session delete")
	}
	if _, err := os.Stat(filepath.Join(root, "alice", "dev")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("workspace survived deletion: %v", err)
	}
}

func TestRunCommandTransparentRecovery(t *testing.T) {
	sessions, rt, _, _, _ := newStack(t, 30)

	first, err := sessions.EnsureReady(context.Background(), testKey)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	rt.Crash(first.ID, 1, false)

	rt.ScriptExec(fake.ExecScript{Stdout: "ok\n", ExitCode: 0})
	res, err := sessions.RunCommand(context.Background(), testKey, "echo ok", session.CommandOptions{})
	if err != nil {
		t.Fatalf("run after crash: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "ok\n" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.TimedOut {
		t.Error("unexpected timeout")
	}
}

func TestRunCommandRejectsEscapingWorkdir(t *testing.T) {
	sessions, _, _, _, _ := newStack(t, 30)
	_, err := sessions.RunCommand(context.Background(), testKey, "ls", session.CommandOptions{
		WorkingDir: "../outside",
	})
	if err == nil {
		t.Fatal("expected workdir rejection")
	}
}

func TestServiceStatusIsNotActivity(t *testing.T) {
	sessions, rt, clock, _, _ := newStack(t, 30)

	var mu sync.Mutex
	killed := false
	rt.RunFn = func(containerID string, cmd []string) (int, string, string, error) {
		script := cmd[len(cmd)-1]
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.Contains(script, "setsid"):
			return 0, "4242\n", "", nil
		case strings.Contains(script, "kill -TERM"), strings.Contains(script, "kill -KILL"):
			killed = true
			return 0, "", "", nil
		case strings.Contains(script, "kill -0"):
			if killed {
				return 1, "", "", nil
			}
			return 0, "", "", nil
		default: // /proc/net/tcp
			return 0, "", "", nil
		}
	}

	svc, err := sessions.StartService(context.Background(), testKey, session.ServiceSpec{
		Name: "api", Command: "python server.py", Ports: []int{8000},
	})
	if err != nil {
		t.Fatalf("start service: %v", err)
	}

	before, _ := sessions.LastActivity(testKey)
	clock.Advance(10 * time.Minute)

	if _, err := sessions.ServiceStatus(context.Background(), svc.ID); err != nil {
		t.Fatalf("status: %v", err)
	}
	after, _ := sessions.LastActivity(testKey)
	if !after.Equal(before) {
		t.Errorf("status poll moved activity from %s to %s", before, after)
	}

	// Stopping is a user action and does count.
	if _, err := sessions.StopService(context.Background(), testKey, svc.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	after, _ = sessions.LastActivity(testKey)
	if after.Equal(before) {
		t.Error("stop did not register as activity")
	}
}
