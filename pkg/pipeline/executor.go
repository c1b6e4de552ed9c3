package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cascadehq/cascade/pkg/bus"
	"github.com/cascadehq/cascade/pkg/enrich"
	"github.com/cascadehq/cascade/pkg/interest"
	"github.com/cascadehq/cascade/pkg/node"
	"github.com/cascadehq/cascade/pkg/observability"
	"github.com/cascadehq/cascade/pkg/process"
	"github.com/cascadehq/cascade/pkg/reaction"
	"github.com/cascadehq/cascade/pkg/rules"
	"github.com/cascadehq/cascade/pkg/scheduler"
	"github.com/cascadehq/cascade/pkg/store"
)

// RunnableBus is the bus the executor drives: the emission surface plus the
// delivery loop.
type RunnableBus interface {
	bus.Bus
	Run(ctx context.Context)
}

// Stores bundles the persistence backends handed to the node behaviors.
type Stores struct {
	Snapshots  store.SnapshotStore
	Rules      store.RuleStore
	Executions store.ExecutionStore
	Processes  store.ProcessStore
}

// CustomBuilder attaches handlers to a node for a "custom" definition entry.
// The node config's "behavior" field selects the builder by name.
type CustomBuilder func(n *node.Node, cfg NodeConfig) error

// Executor assembles and runs the node set a pipeline definition describes.
type Executor struct {
	bus      RunnableBus
	stores   Stores
	adapters []reaction.Adapter
	obs      *observability.Provider
	log      *slog.Logger
	customs  map[string]CustomBuilder

	nodes []*node.Node
	sched *scheduler.Scheduler
}

func NewExecutor(b RunnableBus, stores Stores, adapters []reaction.Adapter, obs *observability.Provider, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		bus:      b,
		stores:   stores,
		adapters: adapters,
		obs:      obs,
		log:      log,
		customs:  make(map[string]CustomBuilder),
	}
}

// RegisterCustom installs a builder for custom nodes. Must be called before
// Build.
func (x *Executor) RegisterCustom(behavior string, b CustomBuilder) {
	x.customs[behavior] = b
}

// Build constructs and registers every node the definition names. Any
// unbuildable node is fatal: a pipeline either comes up whole or not at all.
func (x *Executor) Build(cfg *Config) error {
	evaluator, err := rules.NewEvaluator()
	if err != nil {
		return fmt.Errorf("pipeline %q: build rule evaluator: %w", cfg.Name, err)
	}

	var triggers []scheduler.Trigger
	for _, nc := range cfg.Nodes {
		switch nc.Type {
		case NodeTypeConnector:
			t, err := connectorTrigger(nc)
			if err != nil {
				return fmt.Errorf("pipeline %q: node %q: %w", cfg.Name, nc.ID, err)
			}
			triggers = append(triggers, t)

		case NodeTypeEnricher:
			var ec enrich.Config
			if err := decodeNodeConfig(nc.Config, &ec); err != nil {
				return fmt.Errorf("pipeline %q: node %q: decode config: %w", cfg.Name, nc.ID, err)
			}
			n := x.newNode(cfg, nc)
			enrich.New(n, ec, x.stores.Snapshots, nc.ListensTo)
			x.nodes = append(x.nodes, n)

		case NodeTypeInterest:
			rs, err := x.ruleStore(cfg, nc)
			if err != nil {
				return fmt.Errorf("pipeline %q: node %q: %w", cfg.Name, nc.ID, err)
			}
			n := x.newNode(cfg, nc)
			interest.New(n, rs, evaluator, nc.ListensTo)
			x.nodes = append(x.nodes, n)

		case NodeTypeReaction:
			var rc reaction.Config
			if err := decodeNodeConfig(nc.Config, &rc); err != nil {
				return fmt.Errorf("pipeline %q: node %q: decode config: %w", cfg.Name, nc.ID, err)
			}
			n := x.newNode(cfg, nc)
			reaction.New(n, rc, x.stores.Executions, x.adapters, nc.ListensTo)
			x.nodes = append(x.nodes, n)

		case NodeTypeProcess:
			n := x.newNode(cfg, nc)
			process.New(n, x.stores.Processes, nc.ListensTo)
			x.nodes = append(x.nodes, n)

		case NodeTypeCustom:
			behavior, _ := nc.Config["behavior"].(string)
			builder, ok := x.customs[behavior]
			if !ok {
				return fmt.Errorf("pipeline %q: node %q: no custom builder registered for behavior %q", cfg.Name, nc.ID, behavior)
			}
			n := x.newNode(cfg, nc)
			if err := builder(n, nc); err != nil {
				return fmt.Errorf("pipeline %q: node %q: custom builder: %w", cfg.Name, nc.ID, err)
			}
			x.nodes = append(x.nodes, n)

		default:
			return fmt.Errorf("pipeline %q: node %q: unknown node type %q", cfg.Name, nc.ID, nc.Type)
		}
	}

	for _, n := range x.nodes {
		n.Register()
	}
	if len(triggers) > 0 {
		x.sched = scheduler.New(x.bus, cfg.Namespace, triggers, x.log)
	}
	x.log.Info("pipeline built", "pipeline", cfg.Name, "namespace", cfg.Namespace, "nodes", len(cfg.Nodes))
	return nil
}

// Run drives the bus delivery loop and the scheduler until ctx is cancelled.
func (x *Executor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		x.bus.Run(ctx)
	}()
	if x.sched != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x.sched.Run(ctx)
		}()
	}
	wg.Wait()
}

func (x *Executor) newNode(cfg *Config, nc NodeConfig) *node.Node {
	return node.New(nc.ID, cfg.Namespace, x.bus, x.log, x.obs)
}

// ruleStore resolves the rule source for an interest node: rules inlined in
// the node config win over the shared store.
func (x *Executor) ruleStore(cfg *Config, nc NodeConfig) (store.RuleStore, error) {
	raw, ok := nc.Config["rules"]
	if !ok {
		if x.stores.Rules == nil {
			return nil, fmt.Errorf("no inline rules and no rule store configured")
		}
		return x.stores.Rules, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode inline rules: %w", err)
	}
	var inline []struct {
		rulesFields
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &inline); err != nil {
		return nil, fmt.Errorf("decode inline rules: %w", err)
	}

	rs := make([]rules.Rule, 0, len(inline))
	for i, in := range inline {
		r := rules.Rule{
			Namespace: cfg.Namespace,
			RuleID:    in.RuleID,
			Name:      in.Name,
			EventType: in.EventType,
			Condition: in.Condition,
			Actions:   in.Actions,
			Enabled:   in.Enabled == nil || *in.Enabled,
		}
		if r.RuleID == "" || r.EventType == "" {
			return nil, fmt.Errorf("inline rule %d: rule_id and event_type are required", i)
		}
		if r.Name == "" {
			r.Name = r.RuleID
		}
		rs = append(rs, r)
	}
	return store.NewStaticRuleStore(rs), nil
}

// rulesFields is the inline-rule shape without the Enabled bool, so absence
// of "enabled" can default to true.
type rulesFields struct {
	RuleID    string         `json:"rule_id"`
	Name      string         `json:"name"`
	EventType string         `json:"event_type"`
	Condition string         `json:"condition"`
	Actions   []rules.Action `json:"actions"`
}

func connectorTrigger(nc NodeConfig) (scheduler.Trigger, error) {
	var cc struct {
		EventType string         `json:"event_type"`
		Interval  string         `json:"interval"`
		Payload   map[string]any `json:"payload"`
	}
	if err := decodeNodeConfig(nc.Config, &cc); err != nil {
		return scheduler.Trigger{}, fmt.Errorf("decode config: %w", err)
	}
	if cc.EventType == "" {
		return scheduler.Trigger{}, fmt.Errorf("connector needs an event_type")
	}
	interval, err := time.ParseDuration(cc.Interval)
	if err != nil {
		return scheduler.Trigger{}, fmt.Errorf("bad interval %q: %w", cc.Interval, err)
	}
	if interval < time.Second {
		return scheduler.Trigger{}, fmt.Errorf("interval %s below 1s floor", interval)
	}
	return scheduler.Trigger{
		TaskID:    nc.ID,
		EventType: cc.EventType,
		Interval:  interval,
		Payload:   cc.Payload,
	}, nil
}
