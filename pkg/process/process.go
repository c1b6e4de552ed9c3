// Package process implements the workflow node: it maintains long-running
// process instances over the event stream. Failed reactions open or extend
// incidents; classifiable events each start a fresh instance.
package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/node"
	"github.com/cascadehq/cascade/pkg/store"
)

// Instance states used by this node. The state field is free-form; domain
// extensions may introduce further values.
const (
	StateOpen   = "open"
	StateActive = "active"
)

// Manager is the process node behavior.
type Manager struct {
	processes store.ProcessStore
}

// New creates the manager and hooks its handler into n for the given listen
// patterns.
func New(n *node.Node, processes store.ProcessStore, listensTo []string) *Manager {
	m := &Manager{processes: processes}
	for _, pattern := range listensTo {
		n.OnEvent(pattern, m.Handle)
	}
	return m
}

// Handle routes one event. Failed reaction executions follow the incident
// path (merge into the most recent open incident, or open a new one); all
// other events go through classification, creating a fresh instance when a
// type is derivable and doing nothing otherwise.
func (m *Manager) Handle(ctx context.Context, ev envelope.Envelope, nc *node.Context) error {
	if ev.EventType == envelope.TypeReactionExecuted {
		status, _ := ev.Payload["status"].(string)
		if status == store.StatusFailed {
			return m.handleIncident(ctx, ev, nc)
		}
		return nil
	}

	processType := Classify(ev.EventType)
	if processType == "" {
		return nil
	}
	return m.startInstance(ctx, ev, nc, processType)
}

func (m *Manager) handleIncident(ctx context.Context, ev envelope.Envelope, nc *node.Context) error {
	evMap, err := ev.AsMap()
	if err != nil {
		return err
	}

	existing, err := m.processes.FindOpen(ctx, ev.Namespace, TypeIncident)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("process: find open incident: %w", err)
	}

	if existing != nil {
		if err := m.processes.AppendHistory(ctx, nc.Tx, existing.ProcessID, evMap); err != nil {
			return fmt.Errorf("process: append incident history: %w", err)
		}
		return nc.Emit(ctx, envelope.TypeProcessUpdated, map[string]any{
			"process_id": existing.ProcessID,
			"type":       TypeIncident,
			"state":      existing.State,
		})
	}

	inst := &store.ProcessInstance{
		Namespace: ev.Namespace,
		Type:      TypeIncident,
		State:     StateOpen,
		Data: map[string]any{
			"history": []any{evMap},
			"rule_id": ev.Payload["rule_id"],
		},
	}
	if err := m.processes.Create(ctx, nc.Tx, inst); err != nil {
		return fmt.Errorf("process: create incident: %w", err)
	}
	if err := nc.Emit(ctx, envelope.TypeProcessStarted, map[string]any{
		"process_id": inst.ProcessID,
		"type":       TypeIncident,
		"state":      StateOpen,
	}); err != nil {
		return err
	}
	return nc.Emit(ctx, envelope.TypeIncidentCreated, map[string]any{
		"process_id": inst.ProcessID,
		"rule_id":    ev.Payload["rule_id"],
		"error":      ev.Payload["error"],
	})
}

// startInstance always creates a new instance; there is no merge logic on
// this path.
func (m *Manager) startInstance(ctx context.Context, ev envelope.Envelope, nc *node.Context, processType string) error {
	evMap, err := ev.AsMap()
	if err != nil {
		return err
	}
	inst := &store.ProcessInstance{
		Namespace: ev.Namespace,
		Type:      processType,
		State:     StateActive,
		Data:      map[string]any{"history": []any{evMap}},
	}
	if err := m.processes.Create(ctx, nc.Tx, inst); err != nil {
		return fmt.Errorf("process: create %s instance: %w", processType, err)
	}
	return nc.Emit(ctx, envelope.TypeProcessStarted, map[string]any{
		"process_id": inst.ProcessID,
		"type":       processType,
		"state":      StateActive,
	})
}
