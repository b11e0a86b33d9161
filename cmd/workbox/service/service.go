// Package servicecmd implements `workbox service`: manage long-running
// processes inside a session's sandbox.
package servicecmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"workbox/cmd/workbox/cmdutil"
	"workbox/cmd/workbox/ui"
	"workbox/internal/session"
)

func Cmd() *cobra.Command {
	flags := &cmdutil.SessionFlags{}

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage background services in the sandbox",
	}
	flags.Register(cmd)

	cmd.AddCommand(startCmd(flags))
	cmd.AddCommand(stopCmd(flags))
	cmd.AddCommand(statusCmd(flags))
	cmd.AddCommand(logsCmd(flags))
	cmd.AddCommand(listCmd(flags))
	return cmd
}

func startCmd(flags *cmdutil.SessionFlags) *cobra.Command {
	var (
		name      string
		env       []string
		portSpecs []int
	)
	cmd := &cobra.Command{
		Use:   "start -- <command...>",
		Short: "Start a background service",
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

			command := strings.Join(args, " ")
			if name == "" {
				name = args[0]
			}
			info, err := app.Sessions.StartService(cmd.Context(), key, session.ServiceSpec{
				Name:    name,
				Command: command,
				Env:     env,
				Ports:   portSpecs,
			})
			if err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("started %s (pid %d)", info.ID, info.PID))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("phase", ui.Phase(info.Phase)),
				ui.KV("command", info.Command),
			))
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Service name (default: first command word)")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "Environment variables (KEY=value)")
	cmd.Flags().IntSliceVarP(&portSpecs, "port", "p", nil, "Declared listening ports")
	return cmd
}

func stopCmd(flags *cmdutil.SessionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <service-id>",
		Short: "Stop a background service",
		Args:  cobra.ExactArgs(1),
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

			info, err := app.Sessions.StopService(cmd.Context(), key, args[0])
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("stopped %s (exit %d)", info.ID, info.ExitCode))
			return nil
		},
	}
}

func statusCmd(flags *cmdutil.SessionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <service-id>",
		Short: "Show live service status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cmdutil.BuildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			info, err := app.Sessions.ServiceStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(ui.KeyValues("",
				ui.KV("service", info.ID),
				ui.KV("phase", ui.Phase(info.Phase)),
				ui.KV("pid", strconv.Itoa(info.PID)),
				ui.KV("ports", formatPorts(info.Ports)),
				ui.KV("command", info.Command),
				ui.KV("started", info.StartedAt.Format(time.RFC3339)),
			))
			return nil
		},
	}
}

func logsCmd(flags *cmdutil.SessionFlags) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <service-id>",
		Short: "Show captured service output",
		Args:  cobra.ExactArgs(1),
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

			stdout, stderr, err := app.Sessions.ServiceLogs(key, args[0], tail)
			if err != nil {
				return err
			}
			if stdout != "" {
				fmt.Fprintln(os.Stdout, stdout)
			}
			if stderr != "" {
				fmt.Fprintln(os.Stderr, stderr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", 100, "Number of trailing lines per stream")
	return cmd
}

func listCmd(flags *cmdutil.SessionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List services of the session",
		Args:  cobra.NoArgs,
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

			infos := app.Sessions.Services(key)
			if len(infos) == 0 {
				fmt.Println(ui.InfoMsg("no services"))
				return nil
			}

			rows := make([][]string, 0, len(infos))
			for _, info := range infos {
				rows = append(rows, []string{
					info.ID, ui.Phase(info.Phase), strconv.Itoa(info.PID),
					formatPorts(info.Ports), info.Command,
				})
			}
			fmt.Println(ui.Table([]string{"SERVICE", "PHASE", "PID", "PORTS", "COMMAND"}, rows))
			return nil
		},
	}
}

func formatPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
