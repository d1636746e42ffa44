package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/exthost/internal/app"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		metricsAddr string
		dataDir     string
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the configured extensions and serve them until interrupted",
		Long: `Start every enabled extension, serve editor and ui requests from them and
shut all of them down on SIGINT or SIGTERM.

With --metrics-addr the host serves Prometheus metrics at /metrics.
With --watch the extension set is reloaded when the configuration file
changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			extra := make(map[string]any)
			if metricsAddr != "" {
				extra["metrics.enabled"] = true
				extra["metrics.addr"] = metricsAddr
			}
			if dataDir != "" {
				extra["host.dataDir"] = dataDir
			}

			application, err := app.New(app.Options{
				ConfigOptions: g.configOptions(extra),
				Version:       version,
				LogOutput:     cmd.ErrOrStderr(),
				Watch:         watch,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return application.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	f.StringVar(&dataDir, "data-dir", "", "data directory exported to extensions")
	f.BoolVarP(&watch, "watch", "w", false, "reload extensions when the configuration file changes")

	return cmd
}
