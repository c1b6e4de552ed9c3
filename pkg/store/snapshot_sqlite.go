package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteSnapshotStore keeps entity snapshots in the entity_state table.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

func NewSQLiteSnapshotStore(db *sql.DB) (*SQLiteSnapshotStore, error) {
	s := &SQLiteSnapshotStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSnapshotStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS entity_state (
		namespace TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (namespace, entity_type, entity_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("entity_state migrate: %w", err)
	}
	return nil
}

type snapshotData struct {
	Fingerprint string         `json:"fingerprint"`
	Derived     map[string]any `json:"derived,omitempty"`
}

func (s *SQLiteSnapshotStore) Get(ctx context.Context, namespace, entityType, entityID string) (*EntitySnapshot, error) {
	var raw, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT data, updated_at FROM entity_state
		WHERE namespace = ? AND entity_type = ? AND entity_id = ?`,
		namespace, entityType, entityID,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("entity_state get: %w", err)
	}
	var data snapshotData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("entity_state corrupt data for %s/%s/%s: %w", namespace, entityType, entityID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("entity_state corrupt updated_at: %w", err)
	}
	return &EntitySnapshot{
		Namespace:   namespace,
		EntityType:  entityType,
		EntityID:    entityID,
		Fingerprint: data.Fingerprint,
		Derived:     data.Derived,
		UpdatedAt:   ts,
	}, nil
}

func (s *SQLiteSnapshotStore) Upsert(ctx context.Context, snap *EntitySnapshot) error {
	raw, err := json.Marshal(snapshotData{Fingerprint: snap.Fingerprint, Derived: snap.Derived})
	if err != nil {
		return fmt.Errorf("entity_state marshal: %w", err)
	}
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_state (namespace, entity_type, entity_id, updated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, entity_type, entity_id)
		DO UPDATE SET updated_at = excluded.updated_at, data = excluded.data`,
		snap.Namespace, snap.EntityType, snap.EntityID,
		updatedAt.UTC().Format(time.RFC3339Nano), string(raw),
	)
	if err != nil {
		return fmt.Errorf("entity_state upsert: %w", err)
	}
	return nil
}

var _ SnapshotStore = (*SQLiteSnapshotStore)(nil)
