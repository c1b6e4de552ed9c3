package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/pkg/envelope"
)

func enrichedEvent(payload map[string]any) envelope.Envelope {
	return envelope.Envelope{
		Namespace:      "prod",
		EventType:      "enriched.url",
		Payload:        payload,
		EmittedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ProducerNodeID: "enricher-1",
	}
}

func TestMatchPayloadAccess(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	rule := Rule{RuleID: "r1", Condition: `payload.source == "https://example.com" && payload.size > 100`}
	matched, err := e.Match(rule, enrichedEvent(map[string]any{
		"source": "https://example.com",
		"size":   250,
	}))
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = e.Match(rule, enrichedEvent(map[string]any{
		"source": "https://example.com",
		"size":   10,
	}))
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestMatchEventEnvelopeAccess(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	rule := Rule{RuleID: "r2", Condition: `event.event_type.startsWith("enriched.")`}
	matched, err := e.Match(rule, enrichedEvent(nil))
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestMatchEmptyConditionAlwaysTrue(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	matched, err := e.Match(Rule{RuleID: "r3"}, enrichedEvent(nil))
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestMatchCompileErrorIsContained(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	_, err = e.Match(Rule{RuleID: "broken", Condition: `payload.size >`}, enrichedEvent(nil))
	assert.Error(t, err)
}

func TestMatchRuntimeErrorIsContained(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	// Field access on a missing key fails at runtime, not compile time.
	_, err = e.Match(Rule{RuleID: "missing", Condition: `payload.absent.deep == 1`}, enrichedEvent(map[string]any{}))
	assert.Error(t, err)
}

func TestMatchNonBooleanResultIsError(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	_, err = e.Match(Rule{RuleID: "notbool", Condition: `"a string"`}, enrichedEvent(nil))
	assert.Error(t, err)
}

func TestProgramCacheReuse(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)

	rule := Rule{RuleID: "cached", Condition: `payload.n == 1`}
	for i := 0; i < 3; i++ {
		_, err := e.Match(rule, enrichedEvent(map[string]any{"n": 1}))
		require.NoError(t, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestActionsFromAny(t *testing.T) {
	actions, err := ActionsFromAny([]any{
		map[string]any{"type": "chat.webhook", "config": map[string]any{"url": "https://chat.example.com/hook"}},
		map[string]any{"type": "ticket.create"},
	})
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, "chat.webhook", actions[0].Type)
	assert.Equal(t, "https://chat.example.com/hook", actions[0].Config["url"])
	assert.Equal(t, "ticket.create", actions[1].Type)
}
