package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/logging"
)

// globalFlags override values loaded from the environment when set.
type globalFlags struct {
	dbPath      string
	hostname    string
	storeFormat string
	interval    time.Duration
	listenAddr  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "gpumon",
		Short: "NVIDIA GPU and GPU process usage collector",
		Long: `gpumon periodically queries nvidia-smi, joins every GPU compute process
with its device and live process metadata, and appends the samples to a
local per-host store.

Commands:
  run       Collect until interrupted (default)
  snapshot  Collect one tick and print it as JSON
  devices   List NVIDIA PCI adapters found in sysfs
  export    Dump a stored stream as Parquet or JSON Lines
  graph     Render stored GPU samples as an HTML chart page
  version   Print build information`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollector(cmd, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.dbPath, "dbpath", "", "Directory holding the sample store (env APP_DB_PATH)")
	pf.StringVar(&flags.hostname, "hostname", "", "Host name recorded with every sample (env APP_HOSTNAME)")
	pf.StringVar(&flags.storeFormat, "store-format", "", "Store format: bolt or jsonl (env APP_STORE_FORMAT)")

	addRunFlags(root, flags)

	root.AddCommand(
		newRunCmd(flags),
		newSnapshotCmd(flags),
		newDevicesCmd(flags),
		newExportCmd(flags),
		newGraphCmd(flags),
		newVersionCmd(),
	)

	return root
}

// loadConfig reads the environment and applies any flags the user set.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}

	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("dbpath") {
		cfg.DBPath = flags.dbPath
	}
	if changed("hostname") {
		cfg.Hostname = flags.hostname
	}
	if changed("store-format") {
		cfg.StoreFormat = flags.storeFormat
	}
	if changed("interval") {
		if flags.interval < time.Second {
			return config.Config{}, fmt.Errorf("--interval must be >= 1s")
		}
		cfg.Interval = flags.interval
	}
	if changed("listen") {
		cfg.ListenAddr = flags.listenAddr
	}

	return cfg, nil
}

func newLogger(cfg config.Config) (*slog.Logger, io.Closer) {
	return logging.New(cfg.LogLevel, cfg.Log)
}
