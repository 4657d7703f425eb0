package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inspect capture devices",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered and active capture devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		devices, err := newClient().Devices(ctx)
		if err != nil {
			return fmt.Errorf("error fetching devices: %w", err)
		}

		out := cmd.OutOrStdout()

		if jsonOutput {
			return writeJSON(out, devices)
		}

		if len(devices) == 0 {
			fmt.Fprintln(out, "No devices found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tNAME\tIN USE")
		fmt.Fprintln(w, "------\t----\t------")

		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%s\t%t\n", d.DeviceID, d.Name, d.InUse)
		}
		w.Flush()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.AddCommand(devicesListCmd)
}
