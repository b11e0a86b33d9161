package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"workbox/cmd/workbox/daemon"
	doctorcmd "workbox/cmd/workbox/doctor"
	eventscmd "workbox/cmd/workbox/events"
	runcmd "workbox/cmd/workbox/run"
	servicecmd "workbox/cmd/workbox/service"
	sessioncmd "workbox/cmd/workbox/session"
	"workbox/cmd/workbox/ui"
	upcmd "workbox/cmd/workbox/up"
	"workbox/internal/logging"
)

func main() {
	var (
		debug bool
		plain bool
	)
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "workbox",
		Short:         "Disposable code-execution sandboxes per user session",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level, logging.FormatText); err != nil {
				return err
			}
			ui.ConfigureInteraction(plain)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&plain, "plain", false, "Disable color and in-place progress output")

	root.AddCommand(runcmd.Cmd())
	root.AddCommand(servicecmd.Cmd())
	root.AddCommand(sessioncmd.Cmd())
	root.AddCommand(upcmd.Cmd())
	root.AddCommand(eventscmd.Cmd())
	root.AddCommand(doctorcmd.Cmd())
	root.AddCommand(daemon.Cmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
