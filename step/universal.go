package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/synaptic-labs/synapse/state"
)

// NodeConfig is the configuration of one graph node. A node is either a
// reference to a stored node (NodeID alone), a singleton step (Type and
// Config inline), or an explicit Steps list.
type NodeConfig struct {
	NodeID       string `json:"nodeId,omitempty"`
	Name         string `json:"name,omitempty"`
	SystemPrefix string `json:"systemPrefix,omitempty"`

	Type      string          `json:"type,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Condition string          `json:"condition,omitempty"`

	Steps []Step `json:"steps,omitempty"`
}

// RunNode executes one graph node: resolve a referenced config if needed,
// normalize to a step list, then run each step against the working state
// (input state merged with the accumulated delta so far).
//
// A step failure does not propagate: the node returns an error delta that
// routes the graph to its error handler. Context cancellation is the one
// exception; an aborted generation must not keep routing.
func RunNode(ctx context.Context, st state.State, raw json.RawMessage) (state.Delta, error) {
	cfg, err := resolveNodeConfig(ctx, &st, raw)
	if err != nil {
		return errorDelta(&st, err), nil
	}
	steps, err := normalizeSteps(cfg)
	if err != nil {
		return errorDelta(&st, err), nil
	}

	acc := state.Delta{"nodeCounter": st.NodeCounter + 1}

	for i, s := range steps {
		working := state.Reduce(st, acc)
		working.SystemPrefix = cfg.SystemPrefix
		working.CurrentStepIndex = i

		delta, err := Execute(ctx, working, s)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			st.Logger().Error("node step failed",
				"node", cfg.Name, "step", i, "type", s.Type, "error", err)
			return errorDelta(&st, err), nil
		}
		if flat := flattenable(delta); flat != nil {
			delta = state.ExpandKeys(flat)
		}
		acc = state.MergeDeltas(acc, delta)
	}
	return acc, nil
}

func resolveNodeConfig(ctx context.Context, st *state.State, raw json.RawMessage) (*NodeConfig, error) {
	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode node config: %w", err)
	}
	if cfg.NodeID == "" || cfg.Type != "" || len(cfg.Steps) > 0 {
		return &cfg, nil
	}
	if st.Models.Nodes == nil {
		return nil, fmt.Errorf("node %s: no node resolver configured", cfg.NodeID)
	}
	stored, err := st.Models.Nodes.ResolveNode(ctx, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("resolve node %s: %w", cfg.NodeID, err)
	}
	var resolved NodeConfig
	if err := json.Unmarshal(stored, &resolved); err != nil {
		return nil, fmt.Errorf("decode stored node %s: %w", cfg.NodeID, err)
	}
	return &resolved, nil
}

func normalizeSteps(cfg *NodeConfig) ([]Step, error) {
	if len(cfg.Steps) > 0 {
		return cfg.Steps, nil
	}
	if cfg.Type != "" {
		return []Step{{Type: cfg.Type, Config: cfg.Config, Condition: cfg.Condition}}, nil
	}
	return nil, fmt.Errorf("node %s: no steps configured", cfg.Name)
}

// flattenable reports a delta that uses flat dot-path keys and needs
// expansion before merging.
func flattenable(d state.Delta) map[string]any {
	for k := range d {
		if containsDot(k) {
			return map[string]any(d)
		}
	}
	return nil
}

func containsDot(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return true
		}
	}
	return false
}

func errorDelta(st *state.State, err error) state.Delta {
	st.Logger().Warn("routing to error handler", "error", err)
	return state.Delta{"data": map[string]any{
		"error":     err.Error(),
		"nextRoute": "error_handler",
	}}
}
