package main

import (
	"github.com/spf13/cobra"
)

var dismissCmd = &cobra.Command{
	Use:     "dismiss <local-id>",
	Short:   "Discard a dead-lettered mutation",
	Example: `  loresync dismiss l-42-9f3a`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Sync.Dismiss(args[0]); err != nil {
			return err
		}
		printSuccess("Dismissed %s.", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dismissCmd)
}
