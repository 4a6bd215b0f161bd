package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scalerize/infinitegpu/internal/infra/presence"
)

func init() {
	rootCmd.AddCommand(devicesCmd)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices currently connected to the node",
	RunE:  runDevices,
}

func runDevices(cmd *cobra.Command, args []string) error {
	var out struct {
		Devices []presence.Presence `json:"devices"`
	}
	if err := getJSON("/api/presence", &out); err != nil {
		return err
	}
	if len(out.Devices) == 0 {
		fmt.Println("No devices connected.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tPROVIDER\tNAME\tCONNS\tMEMORY\tGPUS\tSEEN")
	for _, d := range out.Devices {
		mem := "-"
		if d.Capabilities.MemoryBytes > 0 {
			mem = fmt.Sprintf("%.1f GB", float64(d.Capabilities.MemoryBytes)/(1<<30))
		}
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s ago\n",
			d.DeviceID,
			d.ProviderID,
			name,
			d.Connections,
			mem,
			d.Capabilities.GPUCount,
			age(d.LastSeenAt),
		)
	}
	return w.Flush()
}
