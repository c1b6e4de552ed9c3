// Package envelope defines the immutable event record that flows through the
// pipeline and its canonical serialized form.
//
// An envelope's identity fields (namespace, event type, payload, emission
// time, producer, scheduled task) are fixed at emission. Delivery metadata
// (message id, redelivery count) is assigned by the bus and deliberately
// excluded from the canonical form so that content-addressed keys derived
// from an envelope are stable across redeliveries.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cascadehq/cascade/pkg/canon"
)

// Event types produced and consumed by the core pipeline. Signal and
// enriched events are hierarchical (dot-delimited); the rest are exact.
const (
	TypeInterestMatch    = "interest.match"
	TypeReactionExecuted = "reaction.executed"
	TypeProcessStarted   = "process.started"
	TypeProcessUpdated   = "process.updated"
	TypeIncidentCreated  = "incident.created"

	PrefixSignal   = "signal."
	PrefixEnriched = "enriched."
)

// Envelope is one occurrence moving through the pipeline.
type Envelope struct {
	Namespace       string         `json:"namespace"`
	EventType       string         `json:"event_type"`
	Payload         map[string]any `json:"payload"`
	EmittedAt       time.Time      `json:"emitted_at"`
	ProducerNodeID  string         `json:"producer_node_id"`
	ScheduledTaskID string         `json:"scheduled_task_id,omitempty"`

	// Delivery metadata, assigned by the bus. Not part of the canonical form.
	MessageID       string `json:"message_id,omitempty"`
	RedeliveryCount int    `json:"redelivery_count,omitempty"`
}

// identity is the canonical projection of an envelope.
type identity struct {
	Namespace       string         `json:"namespace"`
	EventType       string         `json:"event_type"`
	Payload         map[string]any `json:"payload"`
	EmittedAt       string         `json:"emitted_at"`
	ProducerNodeID  string         `json:"producer_node_id"`
	ScheduledTaskID string         `json:"scheduled_task_id,omitempty"`
}

func (e Envelope) identity() identity {
	return identity{
		Namespace:       e.Namespace,
		EventType:       e.EventType,
		Payload:         e.Payload,
		EmittedAt:       e.EmittedAt.UTC().Format(time.RFC3339Nano),
		ProducerNodeID:  e.ProducerNodeID,
		ScheduledTaskID: e.ScheduledTaskID,
	}
}

// CanonicalBytes returns the RFC 8785 canonical JSON form of the envelope's
// identity fields. Two deliveries of the same emission always canonicalize
// to the same bytes.
func (e Envelope) CanonicalBytes() ([]byte, error) {
	return canon.Bytes(e.identity())
}

// CanonicalHash returns the SHA-256 hex digest of CanonicalBytes.
func (e Envelope) CanonicalHash() (string, error) {
	return canon.Hash(e.identity())
}

// AsMap returns the identity fields as a generic map, the shape used when an
// envelope is embedded inside another event's payload (interest.match carries
// its triggering envelope this way).
func (e Envelope) AsMap() (map[string]any, error) {
	raw, err := json.Marshal(e.identity())
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal identity: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal identity: %w", err)
	}
	return m, nil
}

// FromMap rebuilds an envelope from the AsMap shape. Delivery metadata is
// left zero; the result is identity-complete, which is all the dedupe-key
// derivation needs.
func FromMap(m map[string]any) (Envelope, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal map: %w", err)
	}
	var id identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode embedded envelope: %w", err)
	}
	var emittedAt time.Time
	if id.EmittedAt != "" {
		emittedAt, err = time.Parse(time.RFC3339Nano, id.EmittedAt)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: bad emitted_at %q: %w", id.EmittedAt, err)
		}
	}
	return Envelope{
		Namespace:       id.Namespace,
		EventType:       id.EventType,
		Payload:         id.Payload,
		EmittedAt:       emittedAt,
		ProducerNodeID:  id.ProducerNodeID,
		ScheduledTaskID: id.ScheduledTaskID,
	}, nil
}

// TypeMatches reports whether eventType satisfies pattern. A pattern is
// either an exact event type or a hierarchy prefix ending in ".*"
// ("signal.*" matches "signal.http" and "signal.http.body").
func TypeMatches(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-1] // keep the trailing dot
		return len(eventType) > len(prefix) && eventType[:len(prefix)] == prefix
	}
	return false
}
