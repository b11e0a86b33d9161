// Package sessioncmd implements `workbox session`: inspect and manage
// sandbox sessions.
package sessioncmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"workbox/cmd/workbox/cmdutil"
	"workbox/cmd/workbox/ui"
)

func Cmd() *cobra.Command {
	flags := &cmdutil.SessionFlags{}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sandbox sessions",
	}
	flags.Register(cmd)

	cmd.AddCommand(listCmd())
	cmd.AddCommand(statusCmd(flags))
	cmd.AddCommand(deleteCmd(flags))
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cmdutil.BuildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Containers.Adopt(cmd.Context()); err != nil {
				return err
			}

			infos := app.Sessions.List()
			containers := app.Containers.List()
			if len(infos) == 0 && len(containers) == 0 {
				fmt.Println(ui.InfoMsg("no sessions"))
				return nil
			}

			rows := make([][]string, 0, len(containers))
			for _, c := range containers {
				info := c.Info()
				rows = append(rows, []string{
					info.Session.UserID, info.Session.SessionID, ui.Phase(info.Phase),
					shortID(info.ID), portRange(info.Ports),
					info.CreatedAt.Format(time.RFC3339),
				})
			}
			fmt.Println(ui.Table([]string{"USER", "SESSION", "PHASE", "CONTAINER", "PORTS", "CREATED"}, rows))
			return nil
		},
	}
}

func statusCmd(flags *cmdutil.SessionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show one session's state",
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

			info, err := app.Sessions.Get(key)
			if err != nil {
				return err
			}

			health := "-"
			if info.ContainerID != "" {
				health = app.Containers.HealthOf(info.ContainerID).String()
			}
			fmt.Print(ui.KeyValues("",
				ui.KV("session", key.String()),
				ui.KV("phase", ui.Phase(info.Phase)),
				ui.KV("container", shortID(info.ContainerID)),
				ui.KV("health", health),
				ui.KV("created", info.CreatedAt.Format(time.RFC3339)),
				ui.KV("last activity", info.LastActivity.Format(time.RFC3339)),
			))
			return nil
		},
	}
}

func deleteCmd(flags *cmdutil.SessionFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the session, its container, and its workspace data",
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

			if err := app.Containers.Adopt(cmd.Context()); err != nil {
				return err
			}
			if err := app.Sessions.Delete(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("deleted session %s", key))
			return nil
		},
	}
}

func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func portRange(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	return fmt.Sprintf("%d-%d", ports[0], ports[len(ports)-1])
}
