// Package interest implements the rule-matching node: it loads the enabled
// rules for an event's (namespace, type), evaluates each rule's condition in
// isolation, and emits one interest.match event per satisfied rule.
package interest

import (
	"context"
	"fmt"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/node"
	"github.com/cascadehq/cascade/pkg/rules"
	"github.com/cascadehq/cascade/pkg/store"
)

// Filter is the interest filter node behavior.
type Filter struct {
	rules     store.RuleStore
	evaluator *rules.Evaluator
}

// New creates the filter and hooks its handler into n for the given listen
// patterns.
func New(n *node.Node, ruleStore store.RuleStore, evaluator *rules.Evaluator, listensTo []string) *Filter {
	f := &Filter{rules: ruleStore, evaluator: evaluator}
	for _, pattern := range listensTo {
		n.OnEvent(pattern, f.Handle)
	}
	return f
}

// Handle evaluates every candidate rule against the event. Rules are
// independent: an evaluator failure for one rule is logged and treated as
// "does not match", and the remaining rules still run. There is no
// precedence between rules; zero, one, or many match events may result.
func (f *Filter) Handle(ctx context.Context, ev envelope.Envelope, nc *node.Context) error {
	candidates, err := f.rules.ListEnabled(ctx, ev.Namespace, ev.EventType)
	if err != nil {
		return fmt.Errorf("interest: list rules: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	evMap, err := ev.AsMap()
	if err != nil {
		return err
	}

	for _, rule := range candidates {
		matched, err := f.evaluator.Match(rule, ev)
		if err != nil {
			nc.Log.Warn("rule evaluation failed, treating as non-matching",
				"rule_id", rule.RuleID, "error", err)
			continue
		}
		if !matched {
			continue
		}
		actions := make([]any, 0, len(rule.Actions))
		for _, a := range rule.Actions {
			action := map[string]any{"type": a.Type}
			if a.Config != nil {
				action["config"] = a.Config
			}
			actions = append(actions, action)
		}
		// The full triggering envelope rides along: the reaction executor
		// derives dedupe keys from it.
		if err := nc.Emit(ctx, envelope.TypeInterestMatch, map[string]any{
			"rule_id":   rule.RuleID,
			"rule_name": rule.Name,
			"actions":   actions,
			"event":     evMap,
		}); err != nil {
			return fmt.Errorf("interest: emit match for %s: %w", rule.RuleID, err)
		}
	}
	return nil
}
