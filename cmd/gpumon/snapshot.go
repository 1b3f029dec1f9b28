package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skobkin/gpumon/internal/app"
)

func newSnapshotCmd(flags *globalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"ss"},
		Short:   "Collect one tick and print it as JSON",
		Long: `Run the device query, process inspection and correlation once and print
the resulting tick. Nothing is written to the store.

Example:
  gpumon snapshot
  gpumon snapshot -o tick.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			logger, closer := newLogger(cfg)
			defer closer.Close()

			pipeline, err := app.NewPipeline(cfg, logger)
			if err != nil {
				return err
			}
			defer pipeline.Close()

			res, err := pipeline.Correlator.Correlate(cmd.Context())
			if err != nil {
				return fmt.Errorf("collect: %w", err)
			}
			if res.Unmatched > 0 || res.InspectFailures > 0 {
				logger.Warn("incomplete snapshot", "unmatched", res.Unmatched, "inspect_failures", res.InspectFailures)
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}

			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Tick)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")
	return cmd
}
