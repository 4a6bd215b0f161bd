package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/scalerize/infinitegpu/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "listen", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDriver, "storage", "", "Storage driver: sqlite, postgres or memory (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost   string
	servePort   int
	serveDriver string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the InfiniteGPU node",
	Long:  `Start the node: HTTP API, provider streams, dispatch and the heartbeat watchdog.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveDriver != "" {
		cfg.Storage.Driver = serveDriver
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}
