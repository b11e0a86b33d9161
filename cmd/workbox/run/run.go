// Package runcmd implements `workbox run`: execute one command in the
// session's sandbox and print its output.
package runcmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"workbox/cmd/workbox/cmdutil"
	"workbox/cmd/workbox/ui"
	"workbox/internal/session"
)

func Cmd() *cobra.Command {
	flags := &cmdutil.SessionFlags{}
	var (
		workdir string
		env     []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run -- <command...>",
		Short: "Run a command in the sandbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := flags.Key()
			if err != nil {
				return err
			}

			app, err := cmdutil.BuildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if timeout <= 0 {
				timeout = app.Cfg.CommandTimeout
			}

			res, err := app.Sessions.RunCommand(cmd.Context(), key, strings.Join(args, " "), session.CommandOptions{
				WorkingDir: workdir,
				Env:        env,
				Timeout:    timeout,
			})
			if err != nil {
				return err
			}

			if res.Stdout != "" {
				fmt.Fprint(os.Stdout, res.Stdout)
			}
			if res.Stderr != "" {
				fmt.Fprint(os.Stderr, res.Stderr)
			}
			if res.TimedOut {
				fmt.Fprintln(os.Stderr, ui.WarnMsg("command timed out after %s", timeout))
				os.Exit(124)
			}
			if res.ExitCode != 0 {
				// Propagate the command's exit code to the shell.
				os.Exit(res.ExitCode)
			}
			return nil
		},
	}

	flags.Register(cmd)
	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "Working directory inside the workspace")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "Environment variables (KEY=value)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (default from config)")
	return cmd
}
