package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lorekeep/loresync/internal/models"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <entity-type>",
	Short: "Queue a codex mutation",
	Long: `Enqueue records a create, update, or delete for later sync. Creates
mint a local ID when none is given; updates and deletes require one.
The payload is read from the flag, from @file, or from stdin ("-").`,
	Example: `  loresync enqueue character --op create --payload '{"name":"Thrain"}'
  loresync enqueue character --op update --local-id l-1-9f3a --payload @thrain.json
  loresync enqueue location --op delete --local-id l-2-9f3a`,
	Args: cobra.ExactArgs(1),
	RunE: runEnqueue,
}

var (
	enqueueOp      string
	enqueueLocalID string
	enqueuePayload string
)

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&enqueueOp, "op", "",
		"Operation: create, update, or delete (required)")
	enqueueCmd.Flags().StringVar(&enqueueLocalID, "local-id", "",
		"Local entity ID (required for update and delete)")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "",
		"JSON payload, @file, or - for stdin")

	_ = enqueueCmd.MarkFlagRequired("op")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	op := models.Operation(enqueueOp)
	if !op.Valid() {
		return fmt.Errorf("unknown operation %q", enqueueOp)
	}

	var payload json.RawMessage
	if op != models.OpDelete {
		raw, err := readPayload(enqueuePayload)
		if err != nil {
			return err
		}
		payload = raw
	}

	rec, localID, err := apiClient.Sync.Enqueue(op, args[0], payload, enqueueLocalID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{
			"local_id": localID,
			"queued":   rec != nil,
		})
	}

	if rec == nil {
		printSuccess("Delete of %s completed locally, nothing to sync.", localID)
		return nil
	}
	printSuccess("Queued %s of %s as %s.", op, args[0], localID)
	return nil
}

// readPayload resolves the payload flag and checks it parses as JSON
// before it enters the queue.
func readPayload(arg string) (json.RawMessage, error) {
	var data []byte
	var err error

	switch {
	case arg == "":
		return nil, fmt.Errorf("--payload is required for this operation")
	case arg == "-":
		data, err = io.ReadAll(os.Stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}
