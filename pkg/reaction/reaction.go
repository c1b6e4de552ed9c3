// Package reaction implements the idempotent reaction executor: for each
// action of a matched rule it executes the corresponding side-effect adapter
// at most once per (rule, action, triggering event), records the outcome in
// the reaction_executions table, and emits a completion event per action.
//
// The uniqueness constraint on (namespace, dedupe_key) is the sole
// idempotency boundary. The pending row commits on its own connection before
// the adapter runs, so a concurrent redelivery of the same trigger loses the
// insert race and skips. The terminal-status write and the completion
// emission share the delivery transaction and commit together.
package reaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/node"
	"github.com/cascadehq/cascade/pkg/rules"
	"github.com/cascadehq/cascade/pkg/store"
)

// Adapter is an opaque side-effect capability keyed by action type.
type Adapter interface {
	// Type returns the action-type string this adapter serves.
	Type() string
	// Execute performs the side effect and returns an external reference
	// (ticket id, delivery id) on success.
	Execute(ctx context.Context, action rules.Action, trigger envelope.Envelope) (string, error)
}

// Config holds the executor's node-level configuration.
type Config struct {
	// Actions executed for directly-configured trigger events (events other
	// than interest.match). For interest.match the actions come from the
	// matched rule's payload instead.
	Actions []rules.Action `json:"actions,omitempty"`
}

// Executor is the reaction executor node behavior.
type Executor struct {
	cfg        Config
	executions store.ExecutionStore
	adapters   map[string]Adapter
}

// New creates the executor and hooks its handler into n for the given
// listen patterns.
func New(n *node.Node, cfg Config, executions store.ExecutionStore, adapters []Adapter, listensTo []string) *Executor {
	byType := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byType[a.Type()] = a
	}
	e := &Executor{cfg: cfg, executions: executions, adapters: byType}
	for _, pattern := range listensTo {
		n.OnEvent(pattern, e.Handle)
	}
	return e
}

// outcome is one executed action awaiting its transactional record.
type outcome struct {
	action rules.Action
	exec   *store.ReactionExecution
	ref    string
	err    error
}

// Handle runs the ordered action list for one triggering event in two
// phases. Phase one claims and executes each action: the pending insert on
// the store's own connection, then the adapter. Phase two records every
// terminal status and emits every completion on the delivery transaction.
// All auto-commit writes happen before the first transactional write, so a
// single-writer backend never has the handler waiting on its own
// uncommitted transaction. Failure of one action never aborts the others;
// only an inability to persist an execution row propagates, so the bus can
// redeliver.
func (e *Executor) Handle(ctx context.Context, ev envelope.Envelope, nc *node.Context) error {
	ruleID, ruleName, actions, trigger, err := e.resolve(ev, nc)
	if err != nil {
		// Malformed match payload: redelivery cannot repair it.
		nc.Log.Warn("unprocessable trigger, dropping", "error", err)
		return nil
	}

	var outcomes []outcome
	for i, action := range actions {
		key, err := DedupeKey(ev.Namespace, ruleID, i, trigger)
		if err != nil {
			return fmt.Errorf("reaction: derive dedupe key: %w", err)
		}

		_, err = e.executions.Get(ctx, ev.Namespace, key)
		if err == nil {
			// Already executed (or in flight): no re-execution, no new row,
			// no duplicate completion event.
			nc.Log.Debug("action already executed, skipping",
				"rule_id", ruleID, "action_index", i)
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reaction: lookup execution: %w", err)
		}

		exec := &store.ReactionExecution{
			Namespace:   ev.Namespace,
			DedupeKey:   key,
			RuleID:      ruleID,
			ActionIndex: i,
		}
		if err := e.executions.InsertPending(ctx, exec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// A concurrent delivery won the insert race: already being
				// processed, not a hard error.
				nc.Log.Debug("execution claimed concurrently, skipping",
					"rule_id", ruleID, "action_index", i)
				continue
			}
			return fmt.Errorf("reaction: insert pending execution: %w", err)
		}

		ref, actionErr := e.execute(ctx, action, trigger)
		if actionErr != nil {
			nc.Log.Warn("action failed",
				"rule_id", ruleID, "action_index", i, "action_type", action.Type, "error", actionErr)
		}
		outcomes = append(outcomes, outcome{action: action, exec: exec, ref: ref, err: actionErr})
	}

	for _, o := range outcomes {
		completion := map[string]any{
			"rule_id":      ruleID,
			"rule_name":    ruleName,
			"action_index": o.exec.ActionIndex,
			"action_type":  o.action.Type,
			"dedupe_key":   o.exec.DedupeKey,
			"execution_id": o.exec.ExecutionID,
		}
		if o.err == nil {
			if err := e.executions.MarkCompleted(ctx, nc.Tx, ev.Namespace, o.exec.DedupeKey, o.ref); err != nil {
				return err
			}
			completion["status"] = store.StatusCompleted
			completion["external_ref"] = o.ref
		} else {
			o.exec.Error = o.err.Error()
			if err := e.executions.MarkFailed(ctx, nc.Tx, o.exec); err != nil {
				return err
			}
			completion["status"] = store.StatusFailed
			completion["error"] = o.err.Error()
		}

		if err := nc.Emit(ctx, envelope.TypeReactionExecuted, completion); err != nil {
			return fmt.Errorf("reaction: emit completion: %w", err)
		}
	}
	return nil
}

// resolve extracts (rule, actions, trigger) from the incoming event. For
// interest.match both come from the match payload; for directly-configured
// triggers the actions are static and the event itself is the trigger, with
// the node id standing in for the rule in the dedupe key.
func (e *Executor) resolve(ev envelope.Envelope, nc *node.Context) (ruleID, ruleName string, actions []rules.Action, trigger envelope.Envelope, err error) {
	if ev.EventType != envelope.TypeInterestMatch {
		return nc.NodeID, "", e.cfg.Actions, ev, nil
	}
	ruleID, _ = ev.Payload["rule_id"].(string)
	if ruleID == "" {
		return "", "", nil, envelope.Envelope{}, fmt.Errorf("match event without rule_id")
	}
	ruleName, _ = ev.Payload["rule_name"].(string)
	actions, err = rules.ActionsFromAny(ev.Payload["actions"])
	if err != nil {
		return "", "", nil, envelope.Envelope{}, err
	}
	embedded, ok := ev.Payload["event"].(map[string]any)
	if !ok {
		return "", "", nil, envelope.Envelope{}, fmt.Errorf("match event without embedded trigger")
	}
	trigger, err = envelope.FromMap(embedded)
	if err != nil {
		return "", "", nil, envelope.Envelope{}, err
	}
	return ruleID, ruleName, actions, trigger, nil
}

func (e *Executor) execute(ctx context.Context, action rules.Action, trigger envelope.Envelope) (string, error) {
	adapter, ok := e.adapters[action.Type]
	if !ok {
		// Unknown action types yield a failed result, keeping the loop
		// alive for the remaining actions.
		return "", fmt.Errorf("unknown action type %q", action.Type)
	}
	return adapter.Execute(ctx, action, trigger)
}
