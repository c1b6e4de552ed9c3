package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cascadehq/cascade/pkg/sqlutil"
)

// SQLiteProcessStore persists process instances. Reads go through the
// store's connection; writes join the delivery transaction handed in by the
// process node.
type SQLiteProcessStore struct {
	db *sql.DB
}

func NewSQLiteProcessStore(db *sql.DB) (*SQLiteProcessStore, error) {
	s := &SQLiteProcessStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteProcessStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS process_instances (
		rowid_order INTEGER PRIMARY KEY AUTOINCREMENT,
		process_id TEXT NOT NULL UNIQUE,
		namespace TEXT NOT NULL,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_process_instances_open
		ON process_instances(namespace, type, state);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("process_instances migrate: %w", err)
	}
	return nil
}

func (s *SQLiteProcessStore) Get(ctx context.Context, processID string) (*ProcessInstance, error) {
	return s.getFrom(ctx, s.db, processID)
}

func (s *SQLiteProcessStore) getFrom(ctx context.Context, q sqlutil.DBTX, processID string) (*ProcessInstance, error) {
	var p ProcessInstance
	var dataRaw, createdAt, updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT process_id, namespace, type, state, data, created_at, updated_at
		FROM process_instances WHERE process_id = ?`,
		processID,
	).Scan(&p.ProcessID, &p.Namespace, &p.Type, &p.State, &dataRaw, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("process_instances get: %w", err)
	}
	if err := json.Unmarshal([]byte(dataRaw), &p.Data); err != nil {
		return nil, fmt.Errorf("process_instances corrupt data for %s: %w", processID, err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}

func (s *SQLiteProcessStore) Create(ctx context.Context, tx sqlutil.DBTX, inst *ProcessInstance) error {
	if inst.ProcessID == "" {
		inst.ProcessID = uuid.NewString()
	}
	if inst.Data == nil {
		inst.Data = map[string]any{}
	}
	dataRaw, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("process_instances marshal data: %w", err)
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	ts := now.Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO process_instances (process_id, namespace, type, state, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ProcessID, inst.Namespace, inst.Type, inst.State, string(dataRaw), ts, ts,
	); err != nil {
		return fmt.Errorf("process_instances create: %w", err)
	}
	return nil
}

// AppendHistory appends one event to the instance's history array. The
// read-modify-write runs inside the caller's transaction.
func (s *SQLiteProcessStore) AppendHistory(ctx context.Context, tx sqlutil.DBTX, processID string, event map[string]any) error {
	p, err := s.getFrom(ctx, tx, processID)
	if err != nil {
		return err
	}
	history, _ := p.Data["history"].([]any)
	history = append(history, event)
	p.Data["history"] = history
	dataRaw, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("process_instances marshal data: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE process_instances SET data = ?, updated_at = ? WHERE process_id = ?`,
		string(dataRaw), time.Now().UTC().Format(time.RFC3339Nano), processID,
	); err != nil {
		return fmt.Errorf("process_instances append history: %w", err)
	}
	return nil
}

// FindOpen returns the most recently created open instance of processType.
// Recency is insertion order; two instances created concurrently have no
// defined tie-break beyond that.
func (s *SQLiteProcessStore) FindOpen(ctx context.Context, namespace, processType string) (*ProcessInstance, error) {
	var processID string
	err := s.db.QueryRowContext(ctx, `
		SELECT process_id FROM process_instances
		WHERE namespace = ? AND type = ? AND state = 'open'
		ORDER BY rowid_order DESC LIMIT 1`,
		namespace, processType,
	).Scan(&processID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("process_instances find open: %w", err)
	}
	return s.Get(ctx, processID)
}

var _ ProcessStore = (*SQLiteProcessStore)(nil)
