package store

import (
	"context"

	"github.com/cascadehq/cascade/pkg/envelope"
	"github.com/cascadehq/cascade/pkg/rules"
)

// StaticRuleStore serves a fixed rule list, used when rules are declared
// inline in the pipeline configuration instead of a database.
type StaticRuleStore struct {
	rules []rules.Rule
}

func NewStaticRuleStore(rs []rules.Rule) *StaticRuleStore {
	return &StaticRuleStore{rules: rs}
}

func (s *StaticRuleStore) ListEnabled(ctx context.Context, namespace, eventType string) ([]rules.Rule, error) {
	var out []rules.Rule
	for _, r := range s.rules {
		if r.Enabled && r.Namespace == namespace && envelope.TypeMatches(r.EventType, eventType) {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ RuleStore = (*StaticRuleStore)(nil)
