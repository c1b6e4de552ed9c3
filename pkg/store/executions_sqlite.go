package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/sqlutil"
)

// SQLiteExecutionStore persists reaction executions. The UNIQUE constraint
// on (namespace, dedupe_key) is the sole idempotency boundary for side
// effects.
type SQLiteExecutionStore struct {
	db *sql.DB
}

func NewSQLiteExecutionStore(db *sql.DB) (*SQLiteExecutionStore, error) {
	s := &SQLiteExecutionStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteExecutionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS reaction_executions (
		execution_id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		rule_id TEXT NOT NULL DEFAULT '',
		action_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		external_ref TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (namespace, dedupe_key)
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("reaction_executions migrate: %w", err)
	}
	return nil
}

func (s *SQLiteExecutionStore) Get(ctx context.Context, namespace, dedupeKey string) (*ReactionExecution, error) {
	var e ReactionExecution
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, namespace, dedupe_key, rule_id, action_index, status, error, external_ref, created_at, updated_at
		FROM reaction_executions
		WHERE namespace = ? AND dedupe_key = ?`,
		namespace, dedupeKey,
	).Scan(&e.ExecutionID, &e.Namespace, &e.DedupeKey, &e.RuleID, &e.ActionIndex, &e.Status, &e.Error, &e.ExternalRef, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reaction_executions get: %w", err)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}

// InsertPending inserts a pending row on the store's own connection,
// committing immediately so concurrent redeliveries of the same trigger
// observe the row. Returns ErrConflict if the key already exists.
func (s *SQLiteExecutionStore) InsertPending(ctx context.Context, exec *ReactionExecution) error {
	if exec.ExecutionID == "" {
		exec.ExecutionID = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reaction_executions (execution_id, namespace, dedupe_key, rule_id, action_index, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, dedupe_key) DO NOTHING`,
		exec.ExecutionID, exec.Namespace, exec.DedupeKey, exec.RuleID, exec.ActionIndex, StatusPending, now, now,
	)
	if err != nil {
		return fmt.Errorf("reaction_executions insert pending: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reaction_executions insert pending: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteExecutionStore) MarkCompleted(ctx context.Context, tx sqlutil.DBTX, namespace, dedupeKey, externalRef string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE reaction_executions
		SET status = ?, external_ref = ?, updated_at = ?
		WHERE namespace = ? AND dedupe_key = ?`,
		StatusCompleted, externalRef, now, namespace, dedupeKey,
	)
	if err != nil {
		return fmt.Errorf("reaction_executions mark completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("reaction_executions mark completed: %w", ErrNotFound)
	}
	return nil
}

// MarkFailed records a failed execution, inserting the row if the pending
// insert never landed (failure before step 3 completed on a redelivery).
func (s *SQLiteExecutionStore) MarkFailed(ctx context.Context, tx sqlutil.DBTX, exec *ReactionExecution) error {
	if exec.ExecutionID == "" {
		exec.ExecutionID = uuid.NewString()
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reaction_executions (execution_id, namespace, dedupe_key, rule_id, action_index, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, dedupe_key)
		DO UPDATE SET status = excluded.status, error = excluded.error, updated_at = excluded.updated_at`,
		exec.ExecutionID, exec.Namespace, exec.DedupeKey, exec.RuleID, exec.ActionIndex, StatusFailed, exec.Error, now, now,
	)
	if err != nil {
		return fmt.Errorf("reaction_executions mark failed: %w", err)
	}
	return nil
}

var _ ExecutionStore = (*SQLiteExecutionStore)(nil)
