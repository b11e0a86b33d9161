// Package doctor implements `workbox doctor`: environment checks for the
// pieces the sandbox manager depends on.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"workbox/cmd/workbox/ui"
	"workbox/config"
	"workbox/internal/clockcheck"
)

func Cmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment the sandbox manager runs in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			report := func(name string, err error) {
				if err != nil {
					failed++
					fmt.Println(ui.ErrorMsg("%s: %v", name, err))
					return
				}
				fmt.Println(ui.SuccessMsg("%s", name))
			}

			cfg, err := config.Load()
			report("config", err)
			if err != nil {
				return fmt.Errorf("cannot continue without config")
			}
			report("config valid", cfg.Validate())
			report("data root writable", checkDataRoot(cfg.DataRoot))
			report("docker daemon", checkDocker(cmd))
			report("host clock", checkClock())

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func checkDataRoot(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(root, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func checkDocker(cmd *cobra.Command) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()
	_, err = cli.Ping(cmd.Context())
	return err
}

func checkClock() error {
	status := clockcheck.New(nil).Check()
	if status.Error != "" {
		return fmt.Errorf("ntp query: %s", status.Error)
	}
	if !status.Healthy {
		return fmt.Errorf("clock skew %s exceeds threshold", status.Offset.Round(time.Millisecond))
	}
	return nil
}
