// Package enrich implements the diff-based enrichment node: it fingerprints
// incoming signal content, compares against the last known entity snapshot,
// and emits an enriched event only when the content changed.
//
// The node is naturally idempotent under at-least-once delivery: once the
// snapshot reflects a fingerprint, redeliveries of the same content see
// changed=false and emit nothing. No separate dedupe table is needed.
//
// The snapshot upsert runs on the store's own connection, outside the
// delivery transaction that carries the enriched emission. The two writes
// are each internally consistent but not atomic with one another; this gap
// is part of the design (see DESIGN.md) and must not be silently widened.
package enrich

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/node"
	"github.com/cascadehq/cascade/pkg/store"
)

// Config holds the enricher's node-level configuration.
type Config struct {
	// EntityType keys the snapshot rows, "url" by default.
	EntityType string `json:"entity_type"`
	// EmitType is the enriched event type to emit, "enriched.<EntityType>"
	// by default.
	EmitType string `json:"emit_type"`
}

// Enricher is the enrich/diff node behavior.
type Enricher struct {
	cfg       Config
	snapshots store.SnapshotStore
}

// New creates the enricher and hooks its handler into n for the given
// listen patterns.
func New(n *node.Node, cfg Config, snapshots store.SnapshotStore, listensTo []string) *Enricher {
	if cfg.EntityType == "" {
		cfg.EntityType = "url"
	}
	if cfg.EmitType == "" {
		cfg.EmitType = envelope.PrefixEnriched + cfg.EntityType
	}
	e := &Enricher{cfg: cfg, snapshots: snapshots}
	for _, pattern := range listensTo {
		n.OnEvent(pattern, e.Handle)
	}
	return e
}

// Fingerprint computes the BLAKE2b-256 content fingerprint of a normalized
// body.
func Fingerprint(normalized string) string {
	sum := blake2b.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Handle processes one signal event.
func (e *Enricher) Handle(ctx context.Context, ev envelope.Envelope, nc *node.Context) error {
	source, _ := ev.Payload["source"].(string)
	if source == "" {
		// Malformed signal: redelivery cannot fix it, drop with a warning.
		nc.Log.Warn("signal without source, dropping")
		return nil
	}
	body, hasBody := ev.Payload["body"]
	if !hasBody {
		nc.Log.Warn("signal without body, dropping", "source", source)
		return nil
	}

	normalized, err := Normalize(body)
	if err != nil {
		return fmt.Errorf("enrich: normalize %s: %w", source, err)
	}
	fingerprint := Fingerprint(normalized)

	prior, err := e.snapshots.Get(ctx, ev.Namespace, e.cfg.EntityType, source)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("enrich: load snapshot for %s: %w", source, err)
	}

	changed := prior == nil || prior.Fingerprint != fingerprint
	previousFingerprint := ""
	if prior != nil {
		previousFingerprint = prior.Fingerprint
	}

	// The snapshot is upserted unconditionally, changed or not.
	if err := e.snapshots.Upsert(ctx, &store.EntitySnapshot{
		Namespace:   ev.Namespace,
		EntityType:  e.cfg.EntityType,
		EntityID:    source,
		Fingerprint: fingerprint,
		Derived:     map[string]any{"normalized_length": len(normalized)},
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("enrich: upsert snapshot for %s: %w", source, err)
	}

	if !changed {
		nc.Log.Debug("content unchanged", "source", source, "fingerprint", fingerprint)
		return nil
	}

	return nc.Emit(ctx, e.cfg.EmitType, map[string]any{
		"source":               source,
		"fingerprint":          fingerprint,
		"previous_fingerprint": previousFingerprint,
	})
}
