package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/export"
	"github.com/skobkin/gpumon/internal/store"
)

func newExportCmd(flags *globalFlags) *cobra.Command {
	var (
		streamName string
		format     string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump a stored stream as Parquet or JSON Lines",
		Long: `Read every stored sample of one stream and write it to a file. Parquet
columns are typed from the stored values; JSON Lines keeps one entry per line.
The store must not be held open by a running collector when using bolt.

Example:
  gpumon export --stream process --format parquet
  gpumon export --stream gpu --format jsonl -o gpu.jsonl`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}

			stream, err := store.ParseStream(streamName)
			if err != nil {
				return err
			}
			format = strings.ToLower(format)
			if output == "" {
				output = fmt.Sprintf("gpu-monitor-%s-%s%s", stream, cfg.Hostname, export.Extension(format))
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}

			n, err := export.Write(cmd.Context(), st, stream, format, f)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				_ = os.Remove(output)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d %s samples to %s\n", n, stream, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&streamName, "stream", string(store.StreamProcess), "Stream to export: gpu or process")
	cmd.Flags().StringVar(&format, "format", export.FormatParquet, "Output format: parquet or jsonl")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: gpu-monitor-<stream>-<host>.<ext>)")
	return cmd
}

func newGraphCmd(flags *globalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render stored GPU samples as an HTML chart page",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("gpu-monitor-%s.html", cfg.Hostname)
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}

			err = export.WriteCharts(cmd.Context(), st, cfg.Hostname, f)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				_ = os.Remove(output)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote charts to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output HTML file (default: gpu-monitor-<host>.html)")
	return cmd
}

// openStore opens an existing store without creating an empty one.
func openStore(cfg config.Config) (store.Store, error) {
	var name string
	switch strings.ToLower(cfg.StoreFormat) {
	case "", store.FormatBolt:
		name = store.BoltFileName(cfg.Hostname)
	case store.FormatJSONL:
		name = store.JSONLFileName(store.StreamGPU, cfg.Hostname)
	}
	if name != "" {
		if _, err := os.Stat(filepath.Join(cfg.DBPath, name)); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no store for host %q in %s", cfg.Hostname, cfg.DBPath)
		}
	}
	st, err := store.Open(cfg.StoreFormat, cfg.DBPath, cfg.Hostname)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
