package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorekeep/loresync/internal/services/sync"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor connectivity and sync continuously",
	Long: `Watch keeps the connectivity watcher running: the queue drains when
the backend becomes reachable and retries fire as their backoff
elapses. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var watchInterval time.Duration

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second,
		"How often to pump retry timers")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go printEvents(ctx, apiClient.Sync.Events())

	// Elapsed backoffs do not fire on their own; a periodic pump picks
	// them up between connectivity transitions.
	go func() {
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if apiClient.Sync.Online() && apiClient.Sync.Status().Depth > 0 {
					apiClient.Sync.TryPump()
				}
			}
		}
	}()

	printSuccess("Watching for connectivity; press Ctrl-C to stop.")

	err := apiClient.Watch(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printEvents(ctx context.Context, events <-chan sync.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if jsonOutput {
				_ = printJSON(map[string]interface{}{
					"type":      evt.Type,
					"timestamp": evt.Timestamp,
					"local_id":  eventLocalID(evt),
				})
				continue
			}

			switch evt.Type {
			case sync.EventSynced:
				printSuccess("synced %s", eventLocalID(evt))
			case sync.EventConflict:
				printWarning("conflict on %s, resolve required", eventLocalID(evt))
			case sync.EventDeadLettered:
				printWarning("dead-lettered %s: %v", eventLocalID(evt), evt.Err)
			case sync.EventRetryPlanned:
				fmt.Printf("retry planned for %s: %v\n", eventLocalID(evt), evt.Err)
			}
		}
	}
}

func eventLocalID(evt sync.Event) string {
	if evt.Record != nil {
		return evt.Record.LocalID
	}
	return ""
}
