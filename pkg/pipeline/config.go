// Package pipeline loads declarative pipeline definitions and assembles the
// running node set from them.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// NodeType enumerates the behaviors the executor knows how to build.
type NodeType string

const (
	NodeTypeConnector NodeType = "connector"
	NodeTypeEnricher  NodeType = "enricher"
	NodeTypeInterest  NodeType = "interest"
	NodeTypeReaction  NodeType = "reaction"
	NodeTypeProcess   NodeType = "process"
	NodeTypeCustom    NodeType = "custom"
)

// NodeConfig declares one node: its identity, behavior type, the event-type
// patterns it listens to, and the behavior-specific config blob.
type NodeConfig struct {
	ID          string         `json:"id"`
	Type        NodeType       `json:"type"`
	DisplayName string         `json:"display_name,omitempty"`
	Description string         `json:"description,omitempty"`
	ListensTo   []string       `json:"listens_to"`
	Emits       []string       `json:"emits,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// Config is a full pipeline definition.
type Config struct {
	Name        string       `json:"name"`
	Namespace   string       `json:"namespace"`
	Description string       `json:"description,omitempty"`
	Version     string       `json:"version,omitempty"`
	Nodes       []NodeConfig `json:"nodes"`
}

// versionConstraint bounds the definition format this build understands.
var versionConstraint = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "namespace", "nodes"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "namespace": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9._-]*$"},
    "description": {"type": "string"},
    "version": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type", "listens_to"],
        "properties": {
          "id": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9][a-z0-9._-]*$"},
          "type": {"enum": ["connector", "enricher", "interest", "reaction", "process", "custom"]},
          "display_name": {"type": "string"},
          "description": {"type": "string"},
          "listens_to": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "emits": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "config": {"type": "object"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledSchema = jsonschema.MustCompileString("pipeline.schema.json", configSchema)

// Parse validates raw JSON against the definition schema and decodes it.
// Schema violations, duplicate node ids, and unsupported format versions are
// all load-time failures.
func Parse(data []byte) (*Config, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("pipeline: parse definition: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("pipeline: invalid definition: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("pipeline: decode definition: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) check() error {
	if c.Version != "" {
		v, err := semver.NewVersion(c.Version)
		if err != nil {
			return fmt.Errorf("pipeline %q: bad version %q: %w", c.Name, c.Version, err)
		}
		if !versionConstraint.Check(v) {
			return fmt.Errorf("pipeline %q: definition version %s outside supported range %s", c.Name, v, versionConstraint)
		}
	}

	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("pipeline %q: duplicate node id %q", c.Name, n.ID)
		}
		seen[n.ID] = true
		if n.Type != NodeTypeConnector && len(n.ListensTo) == 0 {
			return fmt.Errorf("pipeline %q: node %q listens to nothing", c.Name, n.ID)
		}
		for _, p := range n.ListensTo {
			if strings.Contains(p, "*") && !strings.HasSuffix(p, ".*") {
				return fmt.Errorf("pipeline %q: node %q: pattern %q: wildcard only allowed as trailing .*", c.Name, n.ID, p)
			}
		}
	}
	return nil
}

// decodeNodeConfig maps a node's config blob onto a typed struct.
func decodeNodeConfig(m map[string]any, out any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
