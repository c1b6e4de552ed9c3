// Package bus provides the durable event bus the pipeline nodes consume:
// at-least-once delivery with per-subscriber queues and visibility timeouts,
// an append-only event log, and transactional emission so a node can couple
// "I decided X" and "I announced X" in one atomic unit.
package bus

import (
	"context"
	"errors"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/sqlutil"
)

// ErrSkip is the distinguished skip signal. A handler returns it (or wraps
// it) to put the message back on the queue immediately, without counting the
// attempt as a failure. Used when a node intentionally defers an event to a
// different node type that will process it later.
var ErrSkip = errors.New("bus: skip delivery")

// Delivery is one message handed to a handler. Tx is the delivery
// transaction: the message's acknowledgement, any events emitted through
// EmitTx on it, and any durable writes the handler performs on it commit or
// roll back together.
type Delivery struct {
	Event envelope.Envelope
	Tx    sqlutil.DBTX
}

// Handler processes one delivery. Returning nil acknowledges the message.
// Returning ErrSkip makes it visible again without marking a failure. Any
// other error schedules redelivery with an incremented redelivery count.
type Handler func(ctx context.Context, d Delivery) error

// Bus is the emission and subscription surface consumed by the core.
type Bus interface {
	// Emit appends the envelope to the log and enqueues it for delivery in
	// its own transaction. Used by pure producers with no durable write to
	// couple. Returns the assigned message id.
	Emit(ctx context.Context, ev envelope.Envelope) (string, error)

	// EmitTx appends and enqueues the envelope as part of the caller's
	// transaction. If that transaction rolls back, the emission is gone.
	EmitTx(ctx context.Context, tx sqlutil.DBTX, ev envelope.Envelope) error

	// Subscribe registers a handler for a subscriber and event-type pattern
	// (exact type or trailing-".*" hierarchy prefix). Re-registering the
	// same (subscriber, pattern) pair overwrites.
	Subscribe(subscriber, pattern string, h Handler)
}
