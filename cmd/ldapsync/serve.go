package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/Checkmk/checkmk-sub025/internal/scheduler"
	"github.com/Checkmk/checkmk-sub025/internal/server"
)

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep connections in sync and serve status and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")

		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()
		if listen == "" {
			listen = a.cfg.Metrics.Listen
		}

		ctx := cmd.Context()
		var syncers []scheduler.Syncer
		for _, c := range a.manager.Enabled() {
			if c.Config().UserBaseDN == "" {
				tflog.Info(ctx, "Not scheduling connection without user base DN", map[string]interface{}{"connection": c.ID()})
				continue
			}
			syncers = append(syncers, c)
		}

		sched := scheduler.New(ctx, syncers, a.metrics, scheduler.ConfigFrom(a.cfg.Scheduler))
		sched.Add(server.NewService(&http.Server{
			Addr:              listen,
			Handler:           server.Router(sched, a.metrics),
			ReadHeaderTimeout: 10 * time.Second,
		}, 10*time.Second))

		tflog.Info(ctx, "Serving", map[string]interface{}{
			"listen":      listen,
			"connections": len(syncers),
			"interval":    a.cfg.Scheduler.Interval.String(),
		})
		err = sched.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}
