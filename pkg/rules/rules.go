// Package rules defines interest rules and the sandboxed evaluation of their
// condition predicates.
package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is one side effect a rule requests when it matches. Type selects
// the adapter ("chat.webhook", "ticket.create"); Config is opaque to the
// engine and interpreted by the adapter.
type Action struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Rule is a declarative interest rule. Rules are read-only at evaluation
// time; a disabled rule is excluded from the candidate set, never evaluated.
type Rule struct {
	Namespace string    `json:"namespace"`
	RuleID    string    `json:"rule_id"`
	Name      string    `json:"name"`
	EventType string    `json:"event_type"`
	Condition string    `json:"condition"`
	Actions   []Action  `json:"actions"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionsFromAny decodes an action list from the generic form it takes
// inside an event payload or a JSON column.
func ActionsFromAny(v any) ([]Action, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rules: marshal actions: %w", err)
	}
	var actions []Action
	if err := json.Unmarshal(raw, &actions); err != nil {
		return nil, fmt.Errorf("rules: decode actions: %w", err)
	}
	return actions, nil
}
