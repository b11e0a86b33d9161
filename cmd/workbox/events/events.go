// Package eventscmd implements `workbox events`: read the lifecycle
// journal.
package eventscmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"workbox/cmd/workbox/ui"
	"workbox/config"
	"workbox/internal/events"
)

func Cmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.EventJournal == "" {
				return fmt.Errorf("the event journal is disabled; set event-journal in %s", config.Path())
			}
			journal, err := events.OpenJournal(cfg.JournalPath())
			if err != nil {
				return err
			}
			defer journal.Close()

			evs, err := journal.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(evs) == 0 {
				fmt.Println(ui.InfoMsg("no events"))
				return nil
			}

			rows := make([][]string, 0, len(evs))
			for _, ev := range evs {
				subject := ev.ContainerID
				if len(subject) > 12 {
					subject = subject[:12]
				}
				if ev.ServiceID != "" {
					subject = ev.ServiceID
				}
				rows = append(rows, []string{
					ev.Time.Format(time.RFC3339),
					string(ev.Type),
					ev.UserID + "/" + ev.SessionID,
					subject,
					ev.Outcome,
				})
			}
			fmt.Println(ui.Table([]string{"TIME", "TYPE", "SESSION", "SUBJECT", "OUTCOME"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum events to show")
	return cmd
}
