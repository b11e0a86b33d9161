// Package daemon implements `workbox daemon run`: the foreground process
// that adopts existing sandboxes and drives the background loops (health
// monitoring, idle expiry, retention, clock check).
package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"workbox/cmd/workbox/cmdutil"
	"workbox/internal/clockcheck"
	"workbox/internal/logging"
)

// sweepInterval drives idle expiry and retention. Expiry granularity,
// not responsiveness, so a coarse tick is fine.
const sweepInterval = time.Minute

func Cmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the sandbox manager in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer cancel()
			return run(ctx)
		},
	}
}

func run(ctx context.Context) error {
	app, err := cmdutil.BuildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := logging.Configure(app.Cfg.LogLevel, logging.FormatJSON); err != nil {
		return err
	}

	// Re-adopt containers that survived a restart before any loop can
	// mistake them for strays.
	if err := app.Containers.Adopt(ctx); err != nil {
		return err
	}

	skew := clockcheck.New(nil)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		app.Containers.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		app.Sessions.Run(ctx, sweepInterval, app.Cfg.IdleExpiry, app.Cfg.RetentionWindow)
	}()
	go func() {
		defer wg.Done()
		skew.Run(ctx)
	}()

	slog.Info("workbox daemon started",
		"data_root", app.Cfg.DataRoot,
		"image", app.Cfg.Image,
		"port_base", app.Cfg.Ports.Base,
		"port_count", app.Cfg.Ports.Count,
	)

	<-ctx.Done()
	slog.Info("workbox daemon stopping")
	wg.Wait()
	return nil
}
