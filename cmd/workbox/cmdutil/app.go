// Package cmdutil assembles the manager stack for CLI commands and holds
// the flag helpers shared across command groups.
package cmdutil

import (
	"context"
	"fmt"
	"log/slog"

	"workbox"
	"workbox/config"
	"workbox/internal/adapter/docker"
	"workbox/internal/container"
	"workbox/internal/events"
	"workbox/internal/exec"
	"workbox/internal/pathmap"
	"workbox/internal/ports"
	"workbox/internal/service"
	"workbox/internal/session"
)

// App is the fully wired manager stack. CLI commands operate in-process:
// the same wiring backs the foreground daemon and one-shot commands.
type App struct {
	Cfg        *config.Config
	Runtime    *docker.Runtime
	Pool       *ports.Pool
	Paths      pathmap.Translator
	Containers *container.Manager
	Services   *service.Manager
	Sessions   *session.Manager
	Journal    *events.Journal // nil when the journal is disabled

	cancel context.CancelFunc
}

// BuildApp loads config, connects to Docker, and wires the stack.
func BuildApp(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return BuildAppWith(ctx, cfg)
}

// BuildAppWith wires the stack against an explicit config.
func BuildAppWith(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	rt, err := docker.NewRuntime()
	if err != nil {
		return nil, err
	}
	if err := rt.WaitReady(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}

	pool, err := ports.NewPool(cfg.Ports.Base, cfg.Ports.Count)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	sink := events.Multi{events.Slog{Level: slog.LevelInfo}}
	var journal *events.Journal
	if cfg.EventJournal != "" {
		journal, err = events.OpenJournal(cfg.JournalPath())
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		sink = append(sink, journal)
	}

	paths := pathmap.New(cfg.DataRoot)

	containers := container.NewManager(container.Config{
		Runtime: rt,
		Pool:    pool,
		Paths:   paths,
		Events:  sink,
		Image:   cfg.Image,
		Limits: container.Resources{
			CPUQuota: cfg.Limits.CPUQuota,
			MemoryMB: cfg.Limits.MemoryMB,
			PidsMax:  cfg.Limits.PidsMax,
		},
		BlockSize:      cfg.Ports.BlockSize,
		HealthInterval: cfg.HealthInterval,
	})

	services := service.NewManager(rt, service.WithEvents(sink))
	executor := exec.New(rt)

	bg, cancel := context.WithCancel(context.Background())
	sessions := session.NewManager(session.Config{
		Containers: containers,
		Services:   services,
		Executor:   executor,
		Paths:      paths,
		Events:     sink,
		Background: bg,
	})

	return &App{
		Cfg:        cfg,
		Runtime:    rt,
		Pool:       pool,
		Paths:      paths,
		Containers: containers,
		Services:   services,
		Sessions:   sessions,
		Journal:    journal,
		cancel:     cancel,
	}, nil
}

// Close releases background goroutines and connections. Containers keep
// running; they are adopted on the next start.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.Journal != nil {
		_ = a.Journal.Close()
	}
	if a.Runtime != nil {
		_ = a.Runtime.Close()
	}
}

// SessionFlags holds the identity flags every session-scoped command takes.
type SessionFlags struct {
	User    string
	Session string
}

// Key validates and returns the session key.
func (f *SessionFlags) Key() (workbox.SessionKey, error) {
	key := workbox.SessionKey{UserID: f.User, SessionID: f.Session}
	if err := key.Validate(); err != nil {
		return workbox.SessionKey{}, err
	}
	return key, nil
}
