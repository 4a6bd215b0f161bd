package cli

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scalerize/infinitegpu/internal/domain"
)

func init() {
	psCmd.Flags().StringVar(&psRequester, "requester", defaultRequester(), "Requester id to list tasks for")
	rootCmd.AddCommand(psCmd)
}

var psRequester string

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List a requester's tasks",
	RunE:  runPs,
}

func runPs(cmd *cobra.Command, args []string) error {
	var out struct {
		Tasks []*domain.Task `json:"tasks"`
	}
	if err := getJSON("/v1/tasks?requester_id="+url.QueryEscape(psRequester), &out); err != nil {
		return err
	}
	if len(out.Tasks) == 0 {
		fmt.Printf("No tasks for requester %s.\n", psRequester)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tUPDATED")
	for _, t := range out.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s ago\t%s ago\n",
			shortID(t.ID),
			t.Status,
			age(t.CreatedAt),
			age(t.UpdatedAt),
		)
	}
	return w.Flush()
}
