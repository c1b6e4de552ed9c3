package pipeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/bus"
	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/node"
	"github.com/cascadehq/cascade/pkg/reaction"
	"github.com/cascadehq/cascade/pkg/rules"
	"github.com/cascadehq/cascade/pkg/sqlutil"
	"github.com/cascadehq/cascade/pkg/store"
)

// recordAdapter is a reaction adapter that records what it was asked to do.
type recordAdapter struct {
	mu       sync.Mutex
	executed []envelope.Envelope
}

func (r *recordAdapter) Type() string { return "test.record" }

func (r *recordAdapter) Execute(ctx context.Context, action rules.Action, trigger envelope.Envelope) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, trigger)
	return "ref-1", nil
}

func (r *recordAdapter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

type fixture struct {
	db      *sql.DB
	bus     *bus.SQLiteBus
	stores  Stores
	adapter *recordAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlutil.OpenSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b, err := bus.NewSQLite(db, bus.Options{
		PollInterval:      5 * time.Millisecond,
		VisibilityTimeout: 5 * time.Second,
		RetryBackoff:      10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	snapshots, err := store.NewSQLiteSnapshotStore(db)
	require.NoError(t, err)
	executions, err := store.NewSQLiteExecutionStore(db)
	require.NoError(t, err)
	processes, err := store.NewSQLiteProcessStore(db)
	require.NoError(t, err)

	return &fixture{
		db:  db,
		bus: b,
		stores: Stores{
			Snapshots:  snapshots,
			Executions: executions,
			Processes:  processes,
		},
		adapter: &recordAdapter{},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

const watchDefinition = `{
  "name": "url-watch",
  "namespace": "prod",
  "version": "1.0.0",
  "nodes": [
    {"id": "diff", "type": "enricher", "listens_to": ["signal.check"],
     "config": {"entity_type": "url"}},
    {"id": "watch", "type": "interest", "listens_to": ["enriched.url"],
     "config": {"rules": [
       {"rule_id": "any-change", "name": "Any change", "event_type": "enriched.url",
        "condition": "payload.source != ''",
        "actions": [{"type": "test.record", "config": {}}]}
     ]}},
    {"id": "notify", "type": "reaction", "listens_to": ["interest.match"]},
    {"id": "track", "type": "process", "listens_to": ["interest.match", "reaction.executed"]}
  ]
}`

// TestPipelineEndToEnd drives one signal through enrich, interest, reaction
// and process, all over the durable bus.
func TestPipelineEndToEnd(t *testing.T) {
	f := newFixture(t)
	cfg, err := Parse([]byte(watchDefinition))
	require.NoError(t, err)

	x := NewExecutor(f.bus, f.stores, []reaction.Adapter{f.adapter}, nil, nil)
	require.NoError(t, x.Build(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		x.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, err = f.bus.Emit(ctx, envelope.Envelope{
		Namespace: "prod",
		EventType: "signal.check",
		Payload:   map[string]any{"source": "https://example.com", "body": "  hello   world "},
		EmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	waitFor(t, func() bool { return f.adapter.count() == 1 })

	// Snapshot is durable.
	snap, err := f.stores.Snapshots.Get(ctx, "prod", "url", "https://example.com")
	require.NoError(t, err)
	require.NotEmpty(t, snap.Fingerprint)

	// The match started a monitoring instance.
	waitFor(t, func() bool {
		var n int
		err := f.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM process_instances WHERE namespace = 'prod' AND type = 'monitoring'`,
		).Scan(&n)
		return err == nil && n >= 1
	})

	// Re-emitting the identical body changes nothing downstream: no enriched
	// event, so no second execution.
	_, err = f.bus.Emit(ctx, envelope.Envelope{
		Namespace: "prod",
		EventType: "signal.check",
		Payload:   map[string]any{"source": "https://example.com", "body": "hello world"},
		EmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, f.adapter.count())

	// A changed body flows through again.
	_, err = f.bus.Emit(ctx, envelope.Envelope{
		Namespace: "prod",
		EventType: "signal.check",
		Payload:   map[string]any{"source": "https://example.com", "body": "goodbye world"},
		EmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	waitFor(t, func() bool { return f.adapter.count() == 2 })
}

func TestBuildFailsOnUnknownCustomBehavior(t *testing.T) {
	f := newFixture(t)
	cfg, err := Parse([]byte(`{
	  "name": "p", "namespace": "prod",
	  "nodes": [{"id": "x", "type": "custom", "listens_to": ["signal.check"],
	             "config": {"behavior": "nonexistent"}}]}`))
	require.NoError(t, err)

	x := NewExecutor(f.bus, f.stores, nil, nil, nil)
	err = x.Build(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no custom builder")
}

func TestBuildFailsOnBadConnectorConfig(t *testing.T) {
	f := newFixture(t)
	cfg, err := Parse([]byte(`{
	  "name": "p", "namespace": "prod",
	  "nodes": [{"id": "poll", "type": "connector", "listens_to": [],
	             "config": {"event_type": "signal.check", "interval": "50ms"}}]}`))
	require.NoError(t, err)

	x := NewExecutor(f.bus, f.stores, nil, nil, nil)
	err = x.Build(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "below 1s floor")
}

func TestBuildFailsWithoutRuleSource(t *testing.T) {
	f := newFixture(t)
	cfg, err := Parse([]byte(`{
	  "name": "p", "namespace": "prod",
	  "nodes": [{"id": "watch", "type": "interest", "listens_to": ["enriched.url"]}]}`))
	require.NoError(t, err)

	x := NewExecutor(f.bus, Stores{}, nil, nil, nil)
	err = x.Build(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no rule store")
}

func TestCustomBuilderReceivesEvents(t *testing.T) {
	f := newFixture(t)
	cfg, err := Parse([]byte(`{
	  "name": "p", "namespace": "prod",
	  "nodes": [{"id": "echo", "type": "custom", "listens_to": ["signal.ping"],
	             "config": {"behavior": "echo"}}]}`))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	x := NewExecutor(f.bus, f.stores, nil, nil, nil)
	x.RegisterCustom("echo", func(n *node.Node, nc NodeConfig) error {
		for _, p := range nc.ListensTo {
			n.OnEvent(p, func(ctx context.Context, ev envelope.Envelope, c *node.Context) error {
				mu.Lock()
				seen = append(seen, ev.EventType)
				mu.Unlock()
				return nil
			})
		}
		return nil
	})
	require.NoError(t, x.Build(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		x.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, err = f.bus.Emit(ctx, envelope.Envelope{
		Namespace: "prod",
		EventType: "signal.ping",
		EmittedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})
}
