package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/rules"
	"github.com/cascadehq/cascade/pkg/sqlutil"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlutil.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, err := NewSQLiteSnapshotStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "prod", "url", "https://example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Upsert(ctx, &EntitySnapshot{
		Namespace:   "prod",
		EntityType:  "url",
		EntityID:    "https://example.com",
		Fingerprint: "fp-1",
		Derived:     map[string]any{"title": "Example"},
	}))

	got, err := s.Get(ctx, "prod", "url", "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "fp-1", got.Fingerprint)
	assert.Equal(t, "Example", got.Derived["title"])
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestSnapshotUpsertLastWriteWins(t *testing.T) {
	s, err := NewSQLiteSnapshotStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	snap := &EntitySnapshot{Namespace: "prod", EntityType: "url", EntityID: "e1", Fingerprint: "fp-1"}
	require.NoError(t, s.Upsert(ctx, snap))
	snap.Fingerprint = "fp-2"
	require.NoError(t, s.Upsert(ctx, snap))

	got, err := s.Get(ctx, "prod", "url", "e1")
	require.NoError(t, err)
	assert.Equal(t, "fp-2", got.Fingerprint)
}

func TestExecutionInsertPendingConflict(t *testing.T) {
	s, err := NewSQLiteExecutionStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	exec := &ReactionExecution{Namespace: "prod", DedupeKey: "dk-1", RuleID: "r1", ActionIndex: 0}
	require.NoError(t, s.InsertPending(ctx, exec))

	dup := &ReactionExecution{Namespace: "prod", DedupeKey: "dk-1", RuleID: "r1", ActionIndex: 0}
	assert.ErrorIs(t, s.InsertPending(ctx, dup), ErrConflict)

	// Same key in a different namespace is a different execution.
	other := &ReactionExecution{Namespace: "staging", DedupeKey: "dk-1", RuleID: "r1", ActionIndex: 0}
	assert.NoError(t, s.InsertPending(ctx, other))
}

func TestExecutionLifecycle(t *testing.T) {
	db := testDB(t)
	s, err := NewSQLiteExecutionStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.InsertPending(ctx, &ReactionExecution{
		Namespace: "prod", DedupeKey: "dk-2", RuleID: "r1", ActionIndex: 1,
	}))
	got, err := s.Get(ctx, "prod", "dk-2")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	require.NoError(t, s.MarkCompleted(ctx, db, "prod", "dk-2", "ticket-42"))
	got, err = s.Get(ctx, "prod", "dk-2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "ticket-42", got.ExternalRef)
}

func TestExecutionMarkFailedUpsertsWithoutPendingRow(t *testing.T) {
	db := testDB(t)
	s, err := NewSQLiteExecutionStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.MarkFailed(ctx, db, &ReactionExecution{
		Namespace: "prod", DedupeKey: "dk-3", RuleID: "r2", ActionIndex: 0,
		Error: "adapter unreachable",
	}))
	got, err := s.Get(ctx, "prod", "dk-3")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "adapter unreachable", got.Error)

	// Upsert path: failing again transitions the existing row, no new row.
	require.NoError(t, s.MarkFailed(ctx, db, &ReactionExecution{
		Namespace: "prod", DedupeKey: "dk-3", RuleID: "r2", ActionIndex: 0,
		Error: "still unreachable",
	}))
	var count int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM reaction_executions WHERE namespace = 'prod' AND dedupe_key = 'dk-3'`,
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestProcessCreateAndHistory(t *testing.T) {
	db := testDB(t)
	s, err := NewSQLiteProcessStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	inst := &ProcessInstance{
		Namespace: "prod",
		Type:      "incident",
		State:     "open",
		Data:      map[string]any{"history": []any{map[string]any{"event_type": "reaction.executed"}}},
	}
	require.NoError(t, s.Create(ctx, db, inst))
	require.NotEmpty(t, inst.ProcessID)

	require.NoError(t, s.AppendHistory(ctx, db, inst.ProcessID, map[string]any{"event_type": "reaction.executed", "n": 2}))

	got, err := s.Get(ctx, inst.ProcessID)
	require.NoError(t, err)
	assert.Len(t, got.History(), 2)
}

func TestProcessFindOpenMostRecent(t *testing.T) {
	db := testDB(t)
	s, err := NewSQLiteProcessStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	first := &ProcessInstance{Namespace: "prod", Type: "incident", State: "open"}
	require.NoError(t, s.Create(ctx, db, first))
	second := &ProcessInstance{Namespace: "prod", Type: "incident", State: "open"}
	require.NoError(t, s.Create(ctx, db, second))
	closed := &ProcessInstance{Namespace: "prod", Type: "incident", State: "closed"}
	require.NoError(t, s.Create(ctx, db, closed))

	got, err := s.FindOpen(ctx, "prod", "incident")
	require.NoError(t, err)
	assert.Equal(t, second.ProcessID, got.ProcessID, "most recently created open instance wins")

	_, err = s.FindOpen(ctx, "prod", "monitoring")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRuleStoreListEnabled(t *testing.T) {
	db := testDB(t)
	s, err := NewSQLiteRuleStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rules.Rule{
		Namespace: "prod", RuleID: "r1", Name: "exact", EventType: "enriched.url",
		Condition: `payload.size > 0`, Enabled: true,
		Actions: []rules.Action{{Type: "chat.webhook"}},
	}))
	require.NoError(t, s.Upsert(ctx, rules.Rule{
		Namespace: "prod", RuleID: "r2", Name: "wildcard", EventType: "enriched.*", Enabled: true,
	}))
	require.NoError(t, s.Upsert(ctx, rules.Rule{
		Namespace: "prod", RuleID: "r3", Name: "disabled", EventType: "enriched.url", Enabled: false,
	}))
	require.NoError(t, s.Upsert(ctx, rules.Rule{
		Namespace: "prod", RuleID: "r4", Name: "other type", EventType: "signal.http", Enabled: true,
	}))
	require.NoError(t, s.Upsert(ctx, rules.Rule{
		Namespace: "staging", RuleID: "r5", Name: "other namespace", EventType: "enriched.url", Enabled: true,
	}))

	got, err := s.ListEnabled(ctx, "prod", "enriched.url")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].RuleID)
	assert.Equal(t, "r2", got[1].RuleID)
	assert.Equal(t, "chat.webhook", got[0].Actions[0].Type)
}
