// Package step implements the five workflow step primitives (neuron, tool,
// transform, conditional, loop) and the universal node that sequences them.
//
// Every executor accepts its decoded config and the current state, and
// returns a partial state delta. Deltas merge back into the state through
// the reducer in package state; executors never mutate the state they are
// handed.
package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/synaptic-labs/synapse/expr"
	"github.com/synaptic-labs/synapse/state"
)

// Step kinds.
const (
	KindNeuron      = "neuron"
	KindTool        = "tool"
	KindTransform   = "transform"
	KindConditional = "conditional"
	KindLoop        = "loop"
)

// Step is one primitive operation inside a universal node. Config is
// decoded per kind by the matching executor.
type Step struct {
	Type      string          `json:"type"`
	Config    json.RawMessage `json:"config"`
	Condition string          `json:"condition,omitempty"`
}

// UnknownKindError reports a step type outside the closed enumeration.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown step type %q", e.Kind)
}

// Execute dispatches a step to its executor and returns the step's delta.
// A step whose condition is present and falsy is skipped with an empty
// delta; a malformed condition also skips (it evaluates to false).
func Execute(ctx context.Context, st state.State, s Step) (state.Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Condition != "" && !expr.EvaluateBool(s.Condition, &st, nil) {
		return state.Delta{}, nil
	}
	switch s.Type {
	case KindNeuron:
		return executeNeuron(ctx, st, s.Config)
	case KindTool:
		return executeTool(ctx, st, s.Config)
	case KindTransform:
		return executeTransform(ctx, st, s.Config)
	case KindConditional:
		return executeConditional(ctx, st, s.Config)
	case KindLoop:
		return executeLoop(ctx, st, s.Config)
	default:
		return nil, &UnknownKindError{Kind: s.Type}
	}
}

// KnownKind reports whether kind is one of the five step primitives.
func KnownKind(kind string) bool {
	switch kind {
	case KindNeuron, KindTool, KindTransform, KindConditional, KindLoop:
		return true
	}
	return false
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing step config")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode step config: %w", err)
	}
	return nil
}
