package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scalerize/infinitegpu/internal/domain"
)

func init() {
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show TASK_ID",
	Short: "Show a task and its subtasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	var out struct {
		Task     *domain.Task      `json:"task"`
		Subtasks []*domain.Subtask `json:"subtasks"`
	}
	if err := getJSON("/v1/tasks/"+args[0], &out); err != nil {
		return err
	}

	t := out.Task
	fmt.Printf("Task:      %s\n", t.ID)
	fmt.Printf("Requester: %s\n", t.RequesterID)
	fmt.Printf("Status:    %s\n", t.Status)
	fmt.Printf("Created:   %s ago\n", age(t.CreatedAt))
	if !t.CompletedAt.IsZero() {
		fmt.Printf("Completed: %s ago\n", age(t.CompletedAt))
	}
	if !t.FailedAt.IsZero() {
		fmt.Printf("Failed:    %s ago\n", age(t.FailedAt))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SUBTASK\tPART\tSTATUS\tDEVICE\tPROGRESS\tFAILURES")
	for _, s := range out.Subtasks {
		device := s.AssignedDeviceID
		if device == "" {
			device = "-"
		}
		fmt.Fprintf(w, "%s\t%d/%d\t%s\t%s\t%d%%\t%d\n",
			shortID(s.ID),
			s.PartitionIndex+1, s.PartitionCount,
			s.Status,
			device,
			s.Progress,
			s.FailureCount,
		)
	}
	return w.Flush()
}
