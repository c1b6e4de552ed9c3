// Package node gives pipeline nodes identity, an event-type to handler
// subscription table, and the per-delivery transaction context through which
// handlers perform transactional emission.
package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/pkg/bus"
	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/observability"
	"github.com/cascadehq/cascade/pkg/sqlutil"
)

// HandlerFunc processes one event delivered to a node. The Context carries
// the delivery transaction; anything emitted or written through it commits
// atomically with the acknowledgement.
type HandlerFunc func(ctx context.Context, ev envelope.Envelope, nc *Context) error

// Context is the transaction-scoped context handed to a handler for one
// delivery.
type Context struct {
	NodeID    string
	Namespace string
	Tx        sqlutil.DBTX
	Log       *slog.Logger

	emitter bus.Bus
}

// Emit emits an event within the delivery transaction. The envelope's
// namespace and producer are stamped from the node; if the surrounding
// transaction rolls back, so does the emission.
func (c *Context) Emit(ctx context.Context, eventType string, payload map[string]any) error {
	return c.EmitEnvelope(ctx, envelope.Envelope{
		EventType: eventType,
		Payload:   payload,
	})
}

// EmitEnvelope is Emit for callers that need control over envelope fields
// beyond event type and payload (the scheduled task id, for instance).
func (c *Context) EmitEnvelope(ctx context.Context, ev envelope.Envelope) error {
	if ev.Namespace == "" {
		ev.Namespace = c.Namespace
	}
	if ev.ProducerNodeID == "" {
		ev.ProducerNodeID = c.NodeID
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	return c.emitter.EmitTx(ctx, c.Tx, ev)
}

// NewContext builds a delivery context directly. The bus dispatch path
// builds contexts itself; this exists for node behaviors exercised without
// a running bus.
func NewContext(nodeID, namespace string, tx sqlutil.DBTX, log *slog.Logger, emitter bus.Bus) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		NodeID:    nodeID,
		Namespace: namespace,
		Tx:        tx,
		Log:       log,
		emitter:   emitter,
	}
}

// Node is one pipeline node: an identity plus a handler per event type.
type Node struct {
	id        string
	namespace string
	bus       bus.Bus
	handlers  map[string]HandlerFunc
	order     []string
	log       *slog.Logger
	obs       *observability.Provider
}

// New creates a node. obs may be nil.
func New(id, namespace string, b bus.Bus, log *slog.Logger, obs *observability.Provider) *Node {
	if log == nil {
		log = slog.Default()
	}
	return &Node{
		id:        id,
		namespace: namespace,
		bus:       b,
		handlers:  map[string]HandlerFunc{},
		log:       log.With("node", id),
		obs:       obs,
	}
}

// ID returns the node's identity.
func (n *Node) ID() string { return n.id }

// OnEvent registers the handler for an event-type pattern. Exactly one
// handler exists per (node, pattern): re-registration overwrites.
func (n *Node) OnEvent(pattern string, h HandlerFunc) {
	if _, exists := n.handlers[pattern]; !exists {
		n.order = append(n.order, pattern)
	}
	n.handlers[pattern] = h
}

// Register wires the node's handler table into the bus. Call once, after
// all OnEvent registrations.
func (n *Node) Register() {
	for _, pattern := range n.order {
		h := n.handlers[pattern]
		n.bus.Subscribe(n.id, pattern, n.dispatch(h))
	}
}

func (n *Node) dispatch(h HandlerFunc) bus.Handler {
	return func(ctx context.Context, d bus.Delivery) error {
		nc := &Context{
			NodeID:    n.id,
			Namespace: n.namespace,
			Tx:        d.Tx,
			Log:       n.log.With("event_type", d.Event.EventType, "message_id", d.Event.MessageID),
			emitter:   n.bus,
		}
		start := time.Now()
		err := h(ctx, d.Event, nc)
		if n.obs != nil {
			n.obs.RecordDispatch(ctx, n.id, d.Event.EventType, time.Since(start), err)
		}
		return err
	}
}
