// Package cli implements the infinitegpu command-line interface using
// Cobra. serve runs the node in-process; every other subcommand talks
// to a running node over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "infinitegpu",
	Short: "InfiniteGPU — Presence-aware GPU task dispatch",
	Long: `InfiniteGPU turns connected consumer devices into one task pool.
Requesters submit partitioned tasks; provider devices hold a live
connection and the node routes each subtask to the best one online.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "",
		"Node address (default: config, or INFINITEGPU_HOST)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
