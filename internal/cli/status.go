package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var out struct {
		Status          string `json:"status"`
		Version         string `json:"version"`
		PendingSubtasks int    `json:"pending_subtasks"`
		Presence        struct {
			Connections      int `json:"connections"`
			ConnectedDevices int `json:"connected_devices"`
		} `json:"presence"`
		Events struct {
			Published int64 `json:"published_total"`
			Delivered int64 `json:"delivered_total"`
			Dropped   int64 `json:"dropped_total"`
		} `json:"events"`
	}
	if err := getJSON("/api/status", &out); err != nil {
		return err
	}

	fmt.Printf("Node:             %s (v%s)\n", out.Status, out.Version)
	fmt.Printf("Pending subtasks: %d\n", out.PendingSubtasks)
	fmt.Printf("Devices online:   %d (%d connections)\n",
		out.Presence.ConnectedDevices, out.Presence.Connections)
	fmt.Printf("Events:           %d published, %d delivered, %d dropped\n",
		out.Events.Published, out.Events.Delivered, out.Events.Dropped)
	return nil
}
