package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/cascadehq/cascade/pkg/envelope"
)

// Evaluator compiles and runs rule condition predicates in a restricted CEL
// environment. The environment exposes exactly two variables: `event` (the
// full triggering envelope as a map) and `payload` (a shortcut to its
// payload). There is no code execution beyond CEL's comparisons, logical
// connectives, field access, and the standard string/list helpers.
//
// Compiled programs are cached by expression; the cache is safe for
// concurrent use across delivery loops.
type Evaluator struct {
	env     *cel.Env
	mu      sync.RWMutex
	cache   map[string]cel.Program
	timeout time.Duration
}

// NewEvaluator creates an evaluator with the restricted environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: create CEL environment: %w", err)
	}
	return &Evaluator{
		env:     env,
		cache:   make(map[string]cel.Program),
		timeout: 100 * time.Millisecond,
	}, nil
}

// Match evaluates the rule's condition against the triggering event. An
// empty condition matches unconditionally. A non-boolean result is an
// evaluation error, not a match.
func (e *Evaluator) Match(rule Rule, ev envelope.Envelope) (bool, error) {
	if rule.Condition == "" {
		return true, nil
	}
	prg, err := e.program(rule.Condition)
	if err != nil {
		return false, fmt.Errorf("rules: compile condition for %s: %w", rule.RuleID, err)
	}
	evMap, err := ev.AsMap()
	if err != nil {
		return false, err
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	val, _, err := prg.ContextEval(ctx, map[string]any{
		"event":   evMap,
		"payload": payload,
	})
	if err != nil {
		return false, fmt.Errorf("rules: evaluate condition for %s: %w", rule.RuleID, err)
	}
	matched, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rules: condition for %s returned %T, want bool", rule.RuleID, val.Value())
	}
	return matched, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	compiled, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing, hit := e.cache[expr]; hit {
		compiled = existing
	} else {
		e.cache[expr] = compiled
	}
	e.mu.Unlock()
	return compiled, nil
}
