package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scalerize/infinitegpu/internal/agent"
)

func init() {
	agentCmd.Flags().StringVar(&agentProvider, "provider", "", "Provider account id (default $INFINITEGPU_USER or \"local\")")
	agentCmd.Flags().StringVar(&agentDevice, "device", "", "Stable device id (default derived from the hostname)")
	agentCmd.Flags().StringVar(&agentName, "name", "", "Human-readable device name (default the hostname)")
	agentCmd.Flags().BoolVar(&agentOnlyIdle, "only-when-idle", false, "Claim work only while nobody is using this machine")
	agentCmd.Flags().DurationVar(&agentPoll, "poll", 15*time.Second, "Fallback claim interval")
	rootCmd.AddCommand(agentCmd)
}

var (
	agentProvider string
	agentDevice   string
	agentName     string
	agentOnlyIdle bool
	agentPoll     time.Duration
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Offer this machine as a provider device",
	Long: `Connect to a node as a provider device: announce this machine's
capacity, then claim, execute and report subtasks until interrupted.
Execution is simulated; real workloads plug in their own executor.`,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	provider := agentProvider
	if provider == "" {
		provider = defaultRequester()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	device := agentDevice
	if device == "" {
		device = "dev-" + sanitizeID(hostname)
	}
	name := agentName
	if name == "" {
		name = hostname
	}

	a, err := agent.New(agent.Config{
		Node:         nodeURL(),
		ProviderID:   provider,
		DeviceID:     device,
		DeviceName:   name,
		OnlyWhenIdle: agentOnlyIdle,
		PollInterval: agentPoll,
	}, nil)
	if err != nil {
		return err
	}

	fmt.Printf("Joining %s as device %s (provider %s)\n", nodeURL(), device, provider)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Println("Agent stopped")
	return nil
}

// sanitizeID makes a hostname safe for use inside ids and URLs.
func sanitizeID(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
