package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lorekeep/loresync/internal/services/sync"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <local-id>",
	Short: "Settle a parked conflict",
	Long: `Resolve applies your choice to a mutation parked as conflicted.
Keeping local re-issues your edit against the remote's current version;
keeping remote drops your edit.`,
	Example: `  loresync resolve l-42-9f3a --keep local
  loresync resolve l-42-9f3a --keep remote`,
	Args: cobra.ExactArgs(1),
	RunE: runResolve,
}

var resolveKeep string

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVar(&resolveKeep, "keep", "",
		"Which side wins: local or remote (required)")
	_ = resolveCmd.MarkFlagRequired("keep")
}

func runResolve(cmd *cobra.Command, args []string) error {
	localID := args[0]

	var choice sync.Choice
	switch resolveKeep {
	case "local":
		choice = sync.ChoiceKeepLocal
	case "remote":
		choice = sync.ChoiceKeepRemote
	default:
		return fmt.Errorf("--keep must be 'local' or 'remote', got %q", resolveKeep)
	}

	if err := apiClient.Sync.ResolveConflict(localID, choice); err != nil {
		return err
	}

	printSuccess("Conflict on %s resolved, keeping %s.", localID, resolveKeep)
	return nil
}
