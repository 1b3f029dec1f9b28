package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skobkin/gpumon/internal/gpu"
)

func newDevicesCmd(flags *globalFlags) *cobra.Command {
	var (
		jsonOutput bool
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List NVIDIA PCI adapters found in sysfs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			logger, closer := newLogger(cfg)
			defer closer.Close()

			devices, err := gpu.Discover(cfg.SysfsRoot, logger.With("component", "gpu_discovery"))
			if err != nil {
				return fmt.Errorf("discover devices: %w", err)
			}
			if !all {
				filtered := devices[:0]
				for _, dev := range devices {
					if dev.NVIDIA() {
						filtered = append(filtered, dev)
					}
				}
				devices = filtered
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(devices)
			}

			if len(devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no devices found")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BUS ID\tVENDOR:DEVICE\tDRIVER\tNAME")
			for _, dev := range devices {
				name := dev.Name
				if dev.Vendor != "" {
					name = dev.Vendor + " " + dev.Name
				}
				fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%s\n", dev.BusID, dev.VendorID, dev.DeviceID, dev.Driver, name)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the device list as JSON")
	cmd.Flags().BoolVar(&all, "all", false, "Include non-NVIDIA display adapters")
	return cmd
}
