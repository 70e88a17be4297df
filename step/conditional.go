package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/synaptic-labs/synapse/expr"
	"github.com/synaptic-labs/synapse/state"
)

// ConditionalConfig configures a branch-and-set step: evaluate a condition,
// pick one of two values, write it to a field.
type ConditionalConfig struct {
	Condition  string `json:"condition"`
	SetField   string `json:"setField"`
	TrueValue  any    `json:"trueValue,omitempty"`
	FalseValue any    `json:"falseValue,omitempty"`
}

func executeConditional(_ context.Context, st state.State, raw json.RawMessage) (state.Delta, error) {
	var cfg ConditionalConfig
	if err := decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.SetField == "" {
		return nil, fmt.Errorf("conditional step: setField is required")
	}

	chosen := cfg.FalseValue
	if expr.EvaluateBool(cfg.Condition, &st, nil) {
		chosen = cfg.TrueValue
	}
	v, err := evalValue(&st, chosen, nil)
	if err != nil {
		return nil, err
	}
	return state.DeltaAt(cfg.SetField, v), nil
}
