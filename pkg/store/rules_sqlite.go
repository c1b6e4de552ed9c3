package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/rules"
)

// SQLiteRuleStore serves interest rules from the interest_rules table.
// The pipeline only reads rules; Upsert exists for provisioning and tests.
type SQLiteRuleStore struct {
	db *sql.DB
}

func NewSQLiteRuleStore(db *sql.DB) (*SQLiteRuleStore, error) {
	s := &SQLiteRuleStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRuleStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS interest_rules (
		namespace TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		condition_expr TEXT NOT NULL DEFAULT '',
		actions TEXT NOT NULL DEFAULT '[]',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, rule_id)
	);
	CREATE INDEX IF NOT EXISTS idx_interest_rules_lookup
		ON interest_rules(namespace, enabled, event_type);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("interest_rules migrate: %w", err)
	}
	return nil
}

// ListEnabled returns enabled rules whose event_type filter matches
// eventType. Filters may be exact types or trailing-".*" patterns; pattern
// rows are fetched and matched in Go.
func (s *SQLiteRuleStore) ListEnabled(ctx context.Context, namespace, eventType string) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, rule_id, name, event_type, condition_expr, actions, enabled, created_at, updated_at
		FROM interest_rules
		WHERE namespace = ? AND enabled = 1 AND (event_type = ? OR event_type LIKE '%.*')
		ORDER BY rule_id`,
		namespace, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("interest_rules list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		if envelope.TypeMatches(r.EventType, eventType) {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteRuleStore) Upsert(ctx context.Context, r rules.Rule) error {
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("interest_rules marshal actions: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	createdAt := now
	if !r.CreatedAt.IsZero() {
		createdAt = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interest_rules (namespace, rule_id, name, event_type, condition_expr, actions, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, rule_id)
		DO UPDATE SET name = excluded.name, event_type = excluded.event_type,
			condition_expr = excluded.condition_expr, actions = excluded.actions,
			enabled = excluded.enabled, updated_at = excluded.updated_at`,
		r.Namespace, r.RuleID, r.Name, r.EventType, r.Condition, string(actions), enabled, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("interest_rules upsert: %w", err)
	}
	return nil
}

func scanRule(rows *sql.Rows) (rules.Rule, error) {
	var r rules.Rule
	var actionsRaw, createdAt, updatedAt string
	var enabled int
	if err := rows.Scan(&r.Namespace, &r.RuleID, &r.Name, &r.EventType, &r.Condition, &actionsRaw, &enabled, &createdAt, &updatedAt); err != nil {
		return r, fmt.Errorf("interest_rules scan: %w", err)
	}
	if err := json.Unmarshal([]byte(actionsRaw), &r.Actions); err != nil {
		return r, fmt.Errorf("interest_rules corrupt actions for %s: %w", r.RuleID, err)
	}
	r.Enabled = enabled != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return r, nil
}

var _ RuleStore = (*SQLiteRuleStore)(nil)
