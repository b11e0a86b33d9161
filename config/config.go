// Package config handles workbox configuration.
//
// Config is stored at $XDG_CONFIG_HOME/workbox/config.yaml (defaults to
// ~/.config/workbox/config.yaml). Every field has a working default so a
// missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultDataRoot  = "/var/lib/workbox/sessions"
	defaultImage     = "debian:bookworm-slim"
	defaultPortBase  = 40000
	defaultPortCount = 2000
	defaultBlockSize = 10
)

// Resources bounds one sandbox container.
type Resources struct {
	CPUQuota float64 `yaml:"cpu-quota,omitempty"` // CPUs, e.g. 1.5
	MemoryMB int64   `yaml:"memory-mb,omitempty"`
	PidsMax  int64   `yaml:"pids-max,omitempty"`
}

// Ports describes the global port range carved into per-container blocks.
type Ports struct {
	Base      int `yaml:"base,omitempty"`
	Count     int `yaml:"count,omitempty"`
	BlockSize int `yaml:"block-size,omitempty"`
}

// Config holds the daemon and CLI settings.
type Config struct {
	DataRoot string    `yaml:"data-root,omitempty"` // host directory for session workspaces
	Image    string    `yaml:"image,omitempty"`     // sandbox container image
	Ports    Ports     `yaml:"ports,omitempty"`
	Limits   Resources `yaml:"limits,omitempty"`

	HealthInterval  time.Duration `yaml:"health-interval,omitempty"`
	IdleExpiry      time.Duration `yaml:"idle-expiry,omitempty"`
	RetentionWindow time.Duration `yaml:"retention-window,omitempty"`
	CommandTimeout  time.Duration `yaml:"command-timeout,omitempty"`

	LogLevel string `yaml:"log-level,omitempty"`

	// EventJournal enables the local SQLite lifecycle journal. Empty
	// disables it; relative paths resolve under DataRoot.
	EventJournal string `yaml:"event-journal,omitempty"`
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/workbox/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "workbox", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "workbox", "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataRoot:        defaultDataRoot,
		Image:           defaultImage,
		Ports:           Ports{Base: defaultPortBase, Count: defaultPortCount, BlockSize: defaultBlockSize},
		Limits:          Resources{CPUQuota: 1, MemoryMB: 1024, PidsMax: 256},
		HealthInterval:  5 * time.Second,
		IdleExpiry:      30 * time.Minute,
		RetentionWindow: 24 * time.Hour,
		CommandTimeout:  2 * time.Minute,
		LogLevel:        "info",
	}
}

// Load reads the config file, applying defaults for unset fields. If the
// file does not exist, the defaults are returned (not an error).
func Load() (*Config, error) {
	return loadFrom(Path())
}

func loadFrom(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the manager cannot run with.
func (c *Config) Validate() error {
	if c.DataRoot == "" {
		return fmt.Errorf("data-root is required")
	}
	if c.Image == "" {
		return fmt.Errorf("image is required")
	}
	if c.Ports.Base <= 0 || c.Ports.Base > 65535 {
		return fmt.Errorf("ports.base %d out of range", c.Ports.Base)
	}
	if c.Ports.Count <= 0 || c.Ports.Base+c.Ports.Count-1 > 65535 {
		return fmt.Errorf("port range [%d, %d) exceeds 65535", c.Ports.Base, c.Ports.Base+c.Ports.Count)
	}
	if c.Ports.BlockSize <= 0 || c.Ports.BlockSize > c.Ports.Count {
		return fmt.Errorf("ports.block-size %d invalid for range of %d", c.Ports.BlockSize, c.Ports.Count)
	}
	if c.HealthInterval <= 0 || c.IdleExpiry <= 0 || c.RetentionWindow <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}

// JournalPath resolves the event journal location, or "" when disabled.
func (c *Config) JournalPath() string {
	if c.EventJournal == "" {
		return ""
	}
	if filepath.IsAbs(c.EventJournal) {
		return c.EventJournal
	}
	return filepath.Join(c.DataRoot, c.EventJournal)
}

// Save writes the config file, creating parent directories as needed.
func (c *Config) Save() error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
