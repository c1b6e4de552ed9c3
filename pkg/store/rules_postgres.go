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

// PostgresRuleStore is the Postgres-backed RuleStore. The table is expected
// to exist (deployments manage the schema); CreateSchema creates it for
// development setups.
type PostgresRuleStore struct {
	db *sql.DB
}

func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

func (s *PostgresRuleStore) CreateSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS interest_rules (
		namespace TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		condition_expr TEXT NOT NULL DEFAULT '',
		actions JSONB NOT NULL DEFAULT '[]',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (namespace, rule_id)
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("interest_rules create schema: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) ListEnabled(ctx context.Context, namespace, eventType string) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, rule_id, name, event_type, condition_expr, actions, enabled, created_at, updated_at
		FROM interest_rules
		WHERE namespace = $1 AND enabled AND (event_type = $2 OR event_type LIKE '%.*')
		ORDER BY rule_id`,
		namespace, eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("interest_rules list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []rules.Rule
	for rows.Next() {
		var r rules.Rule
		var actionsRaw []byte
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&r.Namespace, &r.RuleID, &r.Name, &r.EventType, &r.Condition, &actionsRaw, &r.Enabled, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("interest_rules scan: %w", err)
		}
		if err := json.Unmarshal(actionsRaw, &r.Actions); err != nil {
			return nil, fmt.Errorf("interest_rules corrupt actions for %s: %w", r.RuleID, err)
		}
		r.CreatedAt = createdAt
		r.UpdatedAt = updatedAt
		if envelope.TypeMatches(r.EventType, eventType) {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ RuleStore = (*PostgresRuleStore)(nil)
