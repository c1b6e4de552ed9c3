// Package scheduler is the pipeline's time-driven trigger source. It turns
// configured fixed-interval tasks into ordinary bus events so downstream
// nodes never distinguish "a user did this" from "the clock did this".
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cascadehq/cascade/pkg/bus"
	"github.com/cascadehq/cascade/pkg/envelope"
)

// Trigger is one periodic emission: every Interval, publish an event of
// EventType carrying Payload, stamped with the task id.
type Trigger struct {
	TaskID    string
	EventType string
	Interval  time.Duration
	Payload   map[string]any
}

// Scheduler runs a set of triggers until its context is cancelled. A shared
// rate limiter caps the aggregate emission rate so a misconfigured interval
// cannot flood the bus.
type Scheduler struct {
	bus       bus.Bus
	namespace string
	triggers  []Trigger
	limiter   *rate.Limiter
	log       *slog.Logger
}

func New(b bus.Bus, namespace string, triggers []Trigger, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		bus:       b,
		namespace: namespace,
		triggers:  triggers,
		limiter:   rate.NewLimiter(rate.Limit(50), 50),
		log:       log.With("component", "scheduler"),
	}
}

// Run fires every trigger on its interval until ctx is cancelled. Each
// trigger also fires once immediately on start.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.triggers {
		wg.Add(1)
		go func(t Trigger) {
			defer wg.Done()
			s.runTrigger(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (s *Scheduler) runTrigger(ctx context.Context, t Trigger) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.fire(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, t)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, t Trigger) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	ev := envelope.Envelope{
		Namespace:       s.namespace,
		EventType:       t.EventType,
		Payload:         t.Payload,
		EmittedAt:       time.Now().UTC(),
		ProducerNodeID:  t.TaskID,
		ScheduledTaskID: t.TaskID,
	}
	if _, err := s.bus.Emit(ctx, ev); err != nil {
		s.log.Warn("scheduled emission failed", "task", t.TaskID, "error", err)
	}
}
