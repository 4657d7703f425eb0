package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/diwise/camera-threat-monitor/pkg/types"
	"github.com/spf13/cobra"
)

var (
	deviceID   string
	outputFile string
)

var camerasCmd = &cobra.Command{
	Use:   "cameras",
	Short: "Manage camera assignments",
	Long:  `List bound cameras, move them between devices and fetch their latest annotated frame.`,
}

var camerasListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bound cameras and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		cameras, err := newClient().Cameras(ctx)
		if err != nil {
			return fmt.Errorf("error fetching cameras: %w", err)
		}

		out := cmd.OutOrStdout()

		if jsonOutput {
			return writeJSON(out, cameras)
		}

		if len(cameras) == 0 {
			fmt.Fprintln(out, "No cameras bound.")
			return nil
		}

		writeCameras(out, cameras...)
		return nil
	},
}

var camerasGetCmd = &cobra.Command{
	Use:   "get CAMERA",
	Short: "Show one camera",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		camera, err := newClient().Camera(ctx, args[0])
		if err != nil {
			return fmt.Errorf("error fetching camera %s: %w", args[0], err)
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), camera)
		}

		writeCameras(cmd.OutOrStdout(), camera)
		return nil
	},
}

var camerasAssignCmd = &cobra.Command{
	Use:     "assign CAMERA",
	Short:   "Bind a camera to a capture device",
	Example: `  camctl cameras assign entrance --device /dev/video0`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		camera, err := newClient().Assign(ctx, args[0], deviceID)
		if err != nil {
			return fmt.Errorf("error assigning camera %s: %w", args[0], err)
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), camera)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Camera %s assigned to %s.\n", camera.CameraID, camera.DeviceID)
		return nil
	},
}

var camerasUnassignCmd = &cobra.Command{
	Use:   "unassign CAMERA",
	Short: "Release a camera from its device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient().Unassign(ctx, args[0]); err != nil {
			return fmt.Errorf("error unassigning camera %s: %w", args[0], err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Camera %s unassigned.\n", args[0])
		return nil
	},
}

var camerasFrameCmd = &cobra.Command{
	Use:     "frame CAMERA",
	Short:   "Save the latest annotated frame as JPEG",
	Example: `  camctl cameras frame entrance --output entrance.jpg`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		frame, err := newClient().Frame(ctx, args[0])
		if err != nil {
			return fmt.Errorf("error fetching frame for %s: %w", args[0], err)
		}

		name := outputFile
		if name == "" {
			name = args[0] + ".jpg"
		}

		if err := os.WriteFile(name, frame, 0644); err != nil {
			return fmt.Errorf("error saving frame: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d bytes to %s\n", len(frame), name)
		return nil
	},
}

func writeCameras(out io.Writer, cameras ...types.CameraState) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "CAMERA\tDEVICE\tSTATUS\tLAST THREAT\tUPDATED")
	fmt.Fprintln(w, "------\t------\t------\t-----------\t-------")

	for _, c := range cameras {
		lastThreat := "-"
		if c.LastThreat != nil {
			lastThreat = c.LastThreat.Local().Format(time.RFC3339)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			c.CameraID,
			c.DeviceID,
			c.Status,
			lastThreat,
			c.UpdatedAt.Local().Format(time.RFC3339),
		)
	}
	w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(camerasCmd)

	camerasCmd.AddCommand(camerasListCmd)
	camerasCmd.AddCommand(camerasGetCmd)

	camerasCmd.AddCommand(camerasAssignCmd)
	camerasAssignCmd.Flags().StringVar(&deviceID, "device", "", "Device to bind the camera to")
	_ = camerasAssignCmd.MarkFlagRequired("device")

	camerasCmd.AddCommand(camerasUnassignCmd)

	camerasCmd.AddCommand(camerasFrameCmd)
	camerasFrameCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default is CAMERA.jpg)")
}
