package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorekeep/loresync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and per-entity sync state",
	Example: `  loresync status
  loresync status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	status := apiClient.Sync.Status()

	if jsonOutput {
		return printJSON(status)
	}

	fmt.Printf("State:        %s\n", status.State)
	fmt.Printf("Online:       %v\n", status.Online)
	fmt.Printf("Queued:       %d (%d in flight)\n", status.Depth, status.InFlight)
	fmt.Printf("Conflicts:    %d\n", status.Conflicts)
	fmt.Printf("Dead letters: %d\n", status.DeadLetters)
	if status.OldestPendingAge > 0 {
		fmt.Printf("Oldest:       pending for %s\n", status.OldestPendingAge.Round(time.Second))
	}

	if len(status.Entities) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL ID\tREMOTE ID\tTYPE\tSTATE\tPENDING\tLAST ERROR")
	for _, e := range status.Entities {
		remoteID := e.RemoteID
		if remoteID == "" {
			remoteID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.LocalID, remoteID, e.EntityType, e.State, e.PendingCount, e.LastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if status.State == models.StateConflict {
		printWarning("Run 'loresync resolve <local-id> --keep local|remote' to settle conflicts.")
	}
	return nil
}
