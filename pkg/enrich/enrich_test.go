package enrich

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

func setup(t *testing.T) (*Enricher, *testutil.CaptureBus, store.SnapshotStore, *node.Context) {
	t.Helper()
	db, err := sqlutil.OpenSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	snapshots, err := store.NewSQLiteSnapshotStore(db)
	require.NoError(t, err)

	cb := testutil.NewCaptureBus()
	n := node.New("enricher-1", "prod", cb, nil, nil)
	e := New(n, Config{}, snapshots, []string{"signal.*"})
	nc := node.NewContext("enricher-1", "prod", db, nil, cb)
	return e, cb, snapshots, nc
}

func signalEvent(body any) envelope.Envelope {
	return envelope.Envelope{
		Namespace: "prod",
		EventType: "signal.http",
		Payload:   map[string]any{"source": "https://example.com", "body": body},
		EmittedAt: time.Now().UTC(),
	}
}

func TestFirstDeliveryEmitsEnriched(t *testing.T) {
	e, cb, snapshots, nc := setup(t)

	require.NoError(t, e.Handle(context.Background(), signalEvent("hello world"), nc))

	enriched := cb.ByType("enriched.url")
	require.Len(t, enriched, 1)
	assert.Equal(t, "https://example.com", enriched[0].Payload["source"])
	assert.NotEmpty(t, enriched[0].Payload["fingerprint"])
	assert.Equal(t, "", enriched[0].Payload["previous_fingerprint"])

	snap, err := snapshots.Get(context.Background(), "prod", "url", "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, enriched[0].Payload["fingerprint"], snap.Fingerprint)
}

func TestRepeatedDeliveryIsIdempotent(t *testing.T) {
	e, cb, snapshots, nc := setup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Handle(ctx, signalEvent("stable content"), nc))
	}

	assert.Len(t, cb.ByType("enriched.url"), 1,
		"unchanged content delivered N times must emit exactly one enriched event")

	snap, err := snapshots.Get(ctx, "prod", "url", "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, Fingerprint("stable content"), snap.Fingerprint)
}

func TestChangeEmitsWithPreviousFingerprint(t *testing.T) {
	e, cb, _, nc := setup(t)
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, signalEvent("version one"), nc))
	require.NoError(t, e.Handle(ctx, signalEvent("version two"), nc))

	enriched := cb.ByType("enriched.url")
	require.Len(t, enriched, 2)
	assert.Equal(t, Fingerprint("version one"), enriched[1].Payload["previous_fingerprint"])
	assert.Equal(t, Fingerprint("version two"), enriched[1].Payload["fingerprint"])
}

func TestSnapshotUpsertedEvenWhenUnchanged(t *testing.T) {
	e, _, snapshots, nc := setup(t)
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, signalEvent("same"), nc))
	first, err := snapshots.Get(ctx, "prod", "url", "https://example.com")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, e.Handle(ctx, signalEvent("same"), nc))
	second, err := snapshots.Get(ctx, "prod", "url", "https://example.com")
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt),
		"snapshot must be rewritten on every evaluation, changed or not")
}

func TestWhitespaceOnlyChangeIsNoChange(t *testing.T) {
	e, cb, _, nc := setup(t)
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, signalEvent("hello   world\n"), nc))
	require.NoError(t, e.Handle(ctx, signalEvent("  hello world"), nc))

	assert.Len(t, cb.ByType("enriched.url"), 1)
}

func TestStructuredBodyKeyOrderIsNoChange(t *testing.T) {
	e, cb, _, nc := setup(t)
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, signalEvent(map[string]any{"a": 1, "b": 2}), nc))
	require.NoError(t, e.Handle(ctx, signalEvent(map[string]any{"b": 2, "a": 1}), nc))

	assert.Len(t, cb.ByType("enriched.url"), 1)
}

func TestMalformedSignalDropped(t *testing.T) {
	e, cb, _, nc := setup(t)

	ev := envelope.Envelope{
		Namespace: "prod",
		EventType: "signal.http",
		Payload:   map[string]any{"body": "no source"},
	}
	require.NoError(t, e.Handle(context.Background(), ev, nc))
	assert.Empty(t, cb.Emitted)
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("a\t b\n\nc")
	require.NoError(t, err)
	assert.Equal(t, "a b c", got)

	got, err = Normalize(map[string]any{"z": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"z":1}`, got)
}
