package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skobkin/gpumon/internal/app"
	"github.com/skobkin/gpumon/internal/version"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Collect samples until interrupted",
		Long: `Collect one tick immediately and then once per interval until SIGINT or
SIGTERM. When a listen address is configured the latest tick, history,
health and Prometheus metrics are served over HTTP.

Example:
  gpumon run --interval 30s --dbpath /var/lib/gpumon
  gpumon run --listen :8080`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollector(cmd, flags)
		},
	}

	addRunFlags(cmd, flags)
	return cmd
}

func addRunFlags(cmd *cobra.Command, flags *globalFlags) {
	cmd.Flags().DurationVar(&flags.interval, "interval", 0, "Collection interval, at least 1s (env APP_INTERVAL)")
	cmd.Flags().StringVar(&flags.listenAddr, "listen", "", "HTTP listen address, empty disables HTTP (env APP_LISTEN_ADDR)")
}

func runCollector(cmd *cobra.Command, flags *globalFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	logger, closer := newLogger(cfg)
	defer closer.Close()

	logger.Info("starting gpumon", "version", version.Current().Version, "interval", cfg.Interval, "dbpath", cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, logger, cfg); err != nil {
		logger.Error("application error", "err", err)
		return err
	}
	return nil
}
