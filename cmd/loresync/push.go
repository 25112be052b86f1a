package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Dispatch all eligible queued mutations once",
	Long: `Push drains every mutation whose backoff has elapsed, then exits.
Mutations parked for retry or conflict stay queued.`,
	Args: cobra.NoArgs,
	RunE: runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	before := apiClient.Sync.Status().Depth

	if err := apiClient.Sync.Pump(ctx); err != nil {
		return err
	}

	status := apiClient.Sync.Status()
	if jsonOutput {
		return printJSON(status)
	}

	printSuccess("Synced %d mutation(s), %d remaining.", before-status.Depth, status.Depth)
	if status.Conflicts > 0 {
		printWarning("%d conflict(s) need resolution.", status.Conflicts)
	}
	if status.DeadLetters > 0 {
		printWarning("%d mutation(s) were rejected permanently; see 'loresync status'.", status.DeadLetters)
	}
	return nil
}
