package cmdutil

import (
	"os"

	"github.com/spf13/cobra"
)

// Register adds --user/--session to a command, defaulting from the
// environment so scripts can pin identity once.
func (f *SessionFlags) Register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&f.User, "user", "u", envOr("WORKBOX_USER", "default"), "User the session belongs to")
	cmd.PersistentFlags().StringVarP(&f.Session, "session", "s", envOr("WORKBOX_SESSION", "default"), "Session name")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
