package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lorekeep/loresync/internal/client"
	"github.com/lorekeep/loresync/internal/config"
	"github.com/lorekeep/loresync/internal/events"
)

var rootCmd = &cobra.Command{
	Use:   "loresync",
	Short: "Offline-first sync queue for Lorekeep codex records",
	Long: `Loresync queues codex edits made offline and replays them against
the Lorekeep backend when connectivity returns, resolving version
conflicts by last-write-wins and surfacing the ambiguous ones.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initClient,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient != nil {
			return apiClient.Close()
		}
		return nil
	},
}

var (
	cfgFile    string
	jsonOutput bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file path")
	pf.BoolVar(&jsonOutput, "json", false, "Emit JSON instead of tables")
	pf.String("base-url", "", "Backend API base URL")
	pf.String("token", "", "Bearer token for the backend")
	pf.String("data-dir", "", "Local data directory")
	pf.String("backend", "", "Storage backend (sqlite or json)")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
}

// initClient resolves configuration and builds the client shared by
// all subcommands.
func initClient(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	pf := cmd.Root().PersistentFlags()
	bindings := map[string]string{
		"api.base_url":     "base-url",
		"api.token":        "token",
		"storage.data_dir": "data-dir",
		"storage.backend":  "backend",
		"log.level":        "log-level",
	}
	for key, name := range bindings {
		if err := loader.BindFlag(key, pf.Lookup(name)); err != nil {
			return err
		}
	}

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return err
	}

	apiClient, err = client.New(cfg, logger)
	return err
}

// Output helpers. Color is suppressed for JSON mode, non-terminals,
// and when disabled in config.

func useColor() bool {
	return !jsonOutput && cfg != nil && cfg.Log.Color && term.IsTerminal(int(os.Stdout.Fd()))
}

func printSuccess(format string, a ...interface{}) {
	if useColor() {
		color.Green(format, a...)
		return
	}
	fmt.Printf(format+"\n", a...)
}

func printWarning(format string, a ...interface{}) {
	if useColor() {
		color.Yellow(format, a...)
		return
	}
	fmt.Printf(format+"\n", a...)
}

func printError(format string, a ...interface{}) {
	if cfg != nil && cfg.Log.Color && term.IsTerminal(int(os.Stderr.Fd())) {
		color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", a...)
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", a...)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
