package process

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/node"
	"github.com/cascadehq/cascade/pkg/sqlutil"
	"github.com/cascadehq/cascade/pkg/store"
	"github.com/cascadehq/cascade/pkg/testutil"
)

func setup(t *testing.T) (*Manager, *testutil.CaptureBus, *store.SQLiteProcessStore, *node.Context) {
	t.Helper()
	db, err := sqlutil.OpenSQLite(filepath.Join(t.TempDir(), "process.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	processes, err := store.NewSQLiteProcessStore(db)
	require.NoError(t, err)

	cb := testutil.NewCaptureBus()
	n := node.New("process-1", "prod", cb, nil, nil)
	m := New(n, processes, []string{envelope.TypeReactionExecuted, envelope.TypeInterestMatch})
	nc := node.NewContext("process-1", "prod", db, nil, cb)
	return m, cb, processes, nc
}

func failedReaction(ruleID string) envelope.Envelope {
	return envelope.Envelope{
		Namespace: "prod",
		EventType: envelope.TypeReactionExecuted,
		Payload: map[string]any{
			"rule_id":      ruleID,
			"action_index": 0,
			"status":       store.StatusFailed,
			"error":        "upstream 503",
		},
		EmittedAt: time.Now().UTC(),
	}
}

func TestFailedReactionOpensIncident(t *testing.T) {
	m, cb, processes, nc := setup(t)

	require.NoError(t, m.Handle(context.Background(), failedReaction("r1"), nc))

	started := cb.ByType(envelope.TypeProcessStarted)
	created := cb.ByType(envelope.TypeIncidentCreated)
	require.Len(t, started, 1)
	require.Len(t, created, 1)
	assert.Equal(t, TypeIncident, started[0].Payload["type"])
	assert.Equal(t, StateOpen, started[0].Payload["state"])
	assert.Equal(t, started[0].Payload["process_id"], created[0].Payload["process_id"])

	inst, err := processes.FindOpen(context.Background(), "prod", TypeIncident)
	require.NoError(t, err)
	assert.Len(t, inst.History(), 1)
	assert.Equal(t, "r1", inst.Data["rule_id"])
}

func TestSecondFailureMergesIntoOpenIncident(t *testing.T) {
	m, cb, processes, nc := setup(t)
	ctx := context.Background()

	require.NoError(t, m.Handle(ctx, failedReaction("r1"), nc))
	cb.Reset()
	require.NoError(t, m.Handle(ctx, failedReaction("r2"), nc))

	assert.Empty(t, cb.ByType(envelope.TypeProcessStarted), "no second instance while one is open")
	assert.Empty(t, cb.ByType(envelope.TypeIncidentCreated))
	updated := cb.ByType(envelope.TypeProcessUpdated)
	require.Len(t, updated, 1)

	inst, err := processes.FindOpen(ctx, "prod", TypeIncident)
	require.NoError(t, err)
	assert.Len(t, inst.History(), 2)
	assert.Equal(t, inst.ProcessID, updated[0].Payload["process_id"])
}

func TestCompletedReactionIsIgnored(t *testing.T) {
	m, cb, _, nc := setup(t)

	ev := failedReaction("r1")
	ev.Payload["status"] = store.StatusCompleted
	ev.Payload["error"] = nil
	require.NoError(t, m.Handle(context.Background(), ev, nc))
	assert.Empty(t, cb.Emitted)
}

func TestMatchEventStartsMonitoringInstance(t *testing.T) {
	m, cb, processes, nc := setup(t)
	ctx := context.Background()

	ev := envelope.Envelope{
		Namespace: "prod",
		EventType: envelope.TypeInterestMatch,
		Payload:   map[string]any{"rule_id": "r1"},
		EmittedAt: time.Now().UTC(),
	}
	require.NoError(t, m.Handle(ctx, ev, nc))
	require.NoError(t, m.Handle(ctx, ev, nc))

	started := cb.ByType(envelope.TypeProcessStarted)
	require.Len(t, started, 2, "match events always create fresh instances, no merging")
	assert.NotEqual(t, started[0].Payload["process_id"], started[1].Payload["process_id"])

	first, err := processes.Get(ctx, started[0].Payload["process_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, TypeMonitoring, first.Type)
	assert.Equal(t, StateActive, first.State)
}

func TestUnclassifiableEventIsNoOp(t *testing.T) {
	m, cb, _, nc := setup(t)

	ev := envelope.Envelope{
		Namespace: "prod",
		EventType: "signal.http",
		EmittedAt: time.Now().UTC(),
	}
	require.NoError(t, m.Handle(context.Background(), ev, nc))
	assert.Empty(t, cb.Emitted)
}

func TestClassifyTotal(t *testing.T) {
	cases := map[string]string{
		envelope.TypeInterestMatch:  TypeMonitoring,
		"enriched.heartbeat":        TypeHeartbeat,
		"enriched.heartbeat.agent":  TypeHeartbeat,
		"enriched.url":              "",
		"signal.http":               "",
		"reaction.executed":         "",
		"":                          "",
		"completely.unknown.thing!": "",
	}
	for eventType, want := range cases {
		assert.Equalf(t, want, Classify(eventType), "Classify(%q)", eventType)
	}
}
