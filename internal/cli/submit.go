package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scalerize/infinitegpu/internal/domain"
)

func init() {
	submitCmd.Flags().StringVar(&submitRequester, "requester", defaultRequester(), "Requester id the task belongs to")
	submitCmd.Flags().IntVar(&submitPartitions, "partitions", 1, "Number of subtasks to split the work into")
	rootCmd.AddCommand(submitCmd)
}

var (
	submitRequester  string
	submitPartitions int
)

var submitCmd = &cobra.Command{
	Use:   "submit PAYLOAD",
	Short: "Submit a task to the pool",
	Long: `Submit a task. The payload is an opaque JSON document handed to the
executing device; it is split into --partitions independently
dispatched subtasks.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := map[string]any{
		"requester_id":    submitRequester,
		"payload":         args[0],
		"partition_count": submitPartitions,
	}
	var out struct {
		Task     *domain.Task      `json:"task"`
		Subtasks []*domain.Subtask `json:"subtasks"`
	}
	if err := postJSON("/v1/tasks", req, &out); err != nil {
		return err
	}

	fmt.Printf("Task %s submitted (%d subtask(s))\n", out.Task.ID, len(out.Subtasks))
	for _, s := range out.Subtasks {
		fmt.Printf("  %s [%d/%d] %s\n", shortID(s.ID), s.PartitionIndex+1, s.PartitionCount, s.Status)
	}
	return nil
}
