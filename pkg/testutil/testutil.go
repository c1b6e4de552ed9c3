// Package testutil holds shared test fixtures for exercising node behaviors
// without a running bus.
package testutil

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/bus"
	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/sqlutil"
)

// CaptureBus implements bus.Bus and records every emission.
type CaptureBus struct {
	mu      sync.Mutex
	Emitted []envelope.Envelope
}

func NewCaptureBus() *CaptureBus {
	return &CaptureBus{}
}

func (c *CaptureBus) Emit(ctx context.Context, ev envelope.Envelope) (string, error) {
	if ev.MessageID == "" {
		ev.MessageID = uuid.NewString()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Emitted = append(c.Emitted, ev)
	return ev.MessageID, nil
}

func (c *CaptureBus) EmitTx(ctx context.Context, tx sqlutil.DBTX, ev envelope.Envelope) error {
	_, err := c.Emit(ctx, ev)
	return err
}

func (c *CaptureBus) Subscribe(subscriber, pattern string, h bus.Handler) {}

// ByType returns the captured emissions with the given event type.
func (c *CaptureBus) ByType(eventType string) []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []envelope.Envelope
	for _, ev := range c.Emitted {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Reset clears the captured emissions.
func (c *CaptureBus) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Emitted = nil
}

var _ bus.Bus = (*CaptureBus)(nil)
