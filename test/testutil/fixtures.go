package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/lorekeep/loresync/internal/models"
)

// CharacterPayload builds a minimal codex character document.
func CharacterPayload(name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"name":%q,"kind":"character"}`, name))
}

// LocationPayload builds a minimal codex location document.
func LocationPayload(name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"name":%q,"kind":"location"}`, name))
}

// Mutation builds a valid pending mutation for direct queue tests.
func Mutation(localID string, op models.Operation, payload json.RawMessage) *models.MutationRecord {
	return &models.MutationRecord{
		LocalID:    localID,
		EntityType: "character",
		Operation:  op,
		Payload:    payload,
	}
}
