package reaction

import (
	"github.com/cascadehq/cascade/pkg/canon"
	"github.com/cascadehq/cascade/pkg/envelope"
)

// DedupeKey derives the idempotency key for one action of one rule fired by
// one triggering event: SHA-256 over the canonical JSON of the tuple. The
// triggering envelope enters via its canonical identity form, so delivery
// metadata never perturbs the key and redeliveries always derive the same
// one.
func DedupeKey(namespace, ruleID string, actionIndex int, trigger envelope.Envelope) (string, error) {
	evMap, err := trigger.AsMap()
	if err != nil {
		return "", err
	}
	return canon.Hash(map[string]any{
		"namespace":    namespace,
		"rule_id":      ruleID,
		"action_index": actionIndex,
		"event":        evMap,
	})
}
