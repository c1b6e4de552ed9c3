// Package store implements the durable entities owned by the pipeline
// nodes: entity snapshots (enrich), interest rules (read by the interest
// filter), reaction executions (reaction executor), and process instances
// (process node). SQLite is the default engine; Postgres variants exist for
// the rule and execution tables, and a Redis variant for snapshots.
//
// Each entity is single-writer: only its owning node type writes it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cascadehq/cascade/pkg/rules"
	"github.com/cascadehq/cascade/pkg/sqlutil"
)

// ErrNotFound is returned by point lookups with no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when an insert loses the race on a uniqueness
// constraint. For reaction executions this means "already being processed",
// not a hard error.
var ErrConflict = errors.New("store: conflict")

// EntitySnapshot is the last known fingerprint and derived data for one
// external entity, keyed by (namespace, entity type, entity id).
type EntitySnapshot struct {
	Namespace   string         `json:"namespace"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Fingerprint string         `json:"fingerprint"`
	Derived     map[string]any `json:"derived,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// SnapshotStore persists entity snapshots. Upsert is last-write-wins and
// deliberately runs outside any delivery transaction: the snapshot write and
// the enriched-event emission are each internally consistent but not atomic
// with one another. That gap is part of the design; see DESIGN.md.
type SnapshotStore interface {
	Get(ctx context.Context, namespace, entityType, entityID string) (*EntitySnapshot, error)
	Upsert(ctx context.Context, snap *EntitySnapshot) error
}

// RuleStore serves the interest filter's candidate queries. Disabled rules
// are excluded at the store layer and never reach evaluation.
type RuleStore interface {
	ListEnabled(ctx context.Context, namespace, eventType string) ([]rules.Rule, error)
}

// Reaction execution statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ReactionExecution is one attempted side effect, keyed for idempotency by
// (namespace, dedupe key). At most one row ever exists per key; it moves
// pending -> completed|failed and is never recreated.
type ReactionExecution struct {
	ExecutionID string    `json:"execution_id"`
	Namespace   string    `json:"namespace"`
	DedupeKey   string    `json:"dedupe_key"`
	RuleID      string    `json:"rule_id"`
	ActionIndex int       `json:"action_index"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ExternalRef string    `json:"external_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ExecutionStore persists reaction executions. InsertPending commits on its
// own connection so the (namespace, dedupe_key) uniqueness constraint
// arbitrates concurrent redeliveries; it returns ErrConflict when the row
// already exists. The terminal-status writes take the delivery transaction
// so "execution finished" and the reaction.executed emission commit together.
type ExecutionStore interface {
	Get(ctx context.Context, namespace, dedupeKey string) (*ReactionExecution, error)
	InsertPending(ctx context.Context, exec *ReactionExecution) error
	MarkCompleted(ctx context.Context, tx sqlutil.DBTX, namespace, dedupeKey, externalRef string) error
	MarkFailed(ctx context.Context, tx sqlutil.DBTX, exec *ReactionExecution) error
}

// ProcessInstance is one long-running workflow instance.
type ProcessInstance struct {
	ProcessID string         `json:"process_id"`
	Namespace string         `json:"namespace"`
	Type      string         `json:"type"`
	State     string         `json:"state"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// History returns the instance's append-only event history.
func (p *ProcessInstance) History() []any {
	if p.Data == nil {
		return nil
	}
	h, _ := p.Data["history"].([]any)
	return h
}

// ProcessStore persists process instances. Writes take the delivery
// transaction so instance changes commit atomically with the lifecycle
// events announcing them.
type ProcessStore interface {
	Get(ctx context.Context, processID string) (*ProcessInstance, error)
	Create(ctx context.Context, tx sqlutil.DBTX, inst *ProcessInstance) error
	AppendHistory(ctx context.Context, tx sqlutil.DBTX, processID string, event map[string]any) error
	// FindOpen returns the most recently created instance with the given
	// type and state "open", or ErrNotFound.
	FindOpen(ctx context.Context, namespace, processType string) (*ProcessInstance, error)
}
