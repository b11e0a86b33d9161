package ui

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var interaction struct {
	mu          sync.RWMutex
	initialized bool
	interactive bool
}

// ConfigureInteraction decides once whether output may use color and
// in-place redraws. Explicit opt-out, CI, dumb terminals, and non-tty
// stderr all force plain line output.
func ConfigureInteraction(plain bool) {
	interactive := detectInteractive(plain)

	interaction.mu.Lock()
	interaction.initialized = true
	interaction.interactive = interactive
	interaction.mu.Unlock()

	if interactive {
		lipgloss.SetColorProfile(termenv.ColorProfile())
		return
	}
	lipgloss.SetColorProfile(termenv.Ascii)
}

// IsInteractive reports the configured mode, configuring with defaults on
// first use.
func IsInteractive() bool {
	interaction.mu.RLock()
	if interaction.initialized {
		v := interaction.interactive
		interaction.mu.RUnlock()
		return v
	}
	interaction.mu.RUnlock()

	ConfigureInteraction(false)
	return IsInteractive()
}

func detectInteractive(plain bool) bool {
	if plain {
		return false
	}
	if envTruthy("NO_INTERACTION") || envTruthy("CI") {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("TERM")), "dumb") {
		return false
	}
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func envTruthy(key string) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
