package cli

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch TASK_ID",
	Short: "Stream a task's lifecycle events until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	// Streams are open-ended; don't reuse the timed client.
	client := &http.Client{}
	req, err := http.NewRequestWithContext(cmd.Context(), "GET",
		nodeURL()+"/v1/tasks/"+args[0]+"/events", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reach node at %s: %w", nodeURL(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeResponse(resp, nil)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Printf("%-32s %s\n", event, strings.TrimPrefix(line, "data: "))
			if event == "task.completed" || event == "task.failed" {
				return nil
			}
		}
	}
	return scanner.Err()
}
