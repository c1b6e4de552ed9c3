package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/sqlutil"
)

// PostgresExecutionStore is the Postgres-backed ExecutionStore.
type PostgresExecutionStore struct {
	db *sql.DB
}

func NewPostgresExecutionStore(db *sql.DB) *PostgresExecutionStore {
	return &PostgresExecutionStore{db: db}
}

func (s *PostgresExecutionStore) CreateSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS reaction_executions (
		execution_id UUID PRIMARY KEY,
		namespace TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		rule_id TEXT NOT NULL DEFAULT '',
		action_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		external_ref TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (namespace, dedupe_key)
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("reaction_executions create schema: %w", err)
	}
	return nil
}

func (s *PostgresExecutionStore) Get(ctx context.Context, namespace, dedupeKey string) (*ReactionExecution, error) {
	var e ReactionExecution
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, namespace, dedupe_key, rule_id, action_index, status, error, external_ref, created_at, updated_at
		FROM reaction_executions
		WHERE namespace = $1 AND dedupe_key = $2`,
		namespace, dedupeKey,
	).Scan(&e.ExecutionID, &e.Namespace, &e.DedupeKey, &e.RuleID, &e.ActionIndex, &e.Status, &e.Error, &e.ExternalRef, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reaction_executions get: %w", err)
	}
	return &e, nil
}

func (s *PostgresExecutionStore) InsertPending(ctx context.Context, exec *ReactionExecution) error {
	if exec.ExecutionID == "" {
		exec.ExecutionID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO reaction_executions (execution_id, namespace, dedupe_key, rule_id, action_index, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, dedupe_key) DO NOTHING`,
		exec.ExecutionID, exec.Namespace, exec.DedupeKey, exec.RuleID, exec.ActionIndex, StatusPending,
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

func (s *PostgresExecutionStore) MarkCompleted(ctx context.Context, tx sqlutil.DBTX, namespace, dedupeKey, externalRef string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE reaction_executions
		SET status = $1, external_ref = $2, updated_at = now()
		WHERE namespace = $3 AND dedupe_key = $4`,
		StatusCompleted, externalRef, namespace, dedupeKey,
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

func (s *PostgresExecutionStore) MarkFailed(ctx context.Context, tx sqlutil.DBTX, exec *ReactionExecution) error {
	if exec.ExecutionID == "" {
		exec.ExecutionID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO reaction_executions (execution_id, namespace, dedupe_key, rule_id, action_index, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (namespace, dedupe_key)
		DO UPDATE SET status = EXCLUDED.status, error = EXCLUDED.error, updated_at = now()`,
		exec.ExecutionID, exec.Namespace, exec.DedupeKey, exec.RuleID, exec.ActionIndex, StatusFailed, exec.Error,
	)
	if err != nil {
		return fmt.Errorf("reaction_executions mark failed: %w", err)
	}
	return nil
}

var _ ExecutionStore = (*PostgresExecutionStore)(nil)
