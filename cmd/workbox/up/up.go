// Package upcmd implements `workbox up`: read the workbox.yaml profile
// from the workspace and start every declared service, with live progress.
package upcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"workbox"
	"workbox/cmd/workbox/cmdutil"
	"workbox/cmd/workbox/ui"
	"workbox/internal/profile"
	"workbox/internal/session"
	"workbox/pkg/telemetry"
)

func Cmd() *cobra.Command {
	flags := &cmdutil.SessionFlags{}
	var file string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the services declared in the session profile",
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

			return up(cmd.Context(), app, key, file)
		},
	}
	flags.Register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "Profile path (default: workbox.yaml in the workspace)")
	return cmd
}

func up(ctx context.Context, app *cmdutil.App, key workbox.SessionKey, file string) error {
	if file == "" {
		dir, err := app.Paths.SessionDir(key)
		if err != nil {
			return err
		}
		file = filepath.Join(dir, profile.Filename)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no profile at %s", file)
		}
		return err
	}
	prof, err := profile.Load(ctx, data)
	if err != nil {
		return err
	}

	plan := telemetry.Plan{Steps: []telemetry.PlannedStep{
		{ID: "sandbox", Title: "Ensure sandbox is running"},
	}}
	for _, svc := range prof.Services {
		plan.Steps = append(plan.Steps, telemetry.PlannedStep{
			ID:       "svc/" + svc.Name,
			ParentID: "sandbox",
			Title:    "Start " + svc.Name,
		})
	}

	output := ui.NewTelemetryOutput()
	defer output.Close()

	op, err := telemetry.Start(ctx, output.Tracer("workbox/up"), "up", key.String(), plan)
	if err != nil {
		return err
	}

	upErr := op.Step(op.Context(), "sandbox", func(stepCtx context.Context) error {
		if _, err := app.Sessions.EnsureReady(stepCtx, key); err != nil {
			return err
		}
		for _, svc := range prof.Services {
			svc := svc
			if err := op.Step(stepCtx, "svc/"+svc.Name, func(svcCtx context.Context) error {
				_, err := app.Sessions.StartService(svcCtx, key, session.ServiceSpec{
					Name:    svc.Name,
					Command: svc.Command,
					Env:     svc.Env,
					Ports:   svc.Ports,
				})
				return err
			}); err != nil {
				return err
			}
		}
		return nil
	})
	op.End(upErr)
	output.Close()

	if upErr != nil {
		return upErr
	}
	fmt.Println(ui.SuccessMsg("started %d service(s)", len(prof.Services)))
	return nil
}
