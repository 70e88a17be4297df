package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/synaptic-labs/synapse/expr"
	"github.com/synaptic-labs/synapse/state"
)

// Loop exhaustion behaviors.
const (
	OnMaxContinue = "continue"
	OnMaxThrow    = "throw"
)

// LoopConfig configures a bounded iteration over nested steps.
type LoopConfig struct {
	MaxIterations    int    `json:"maxIterations"`
	ExitCondition    string `json:"exitCondition,omitempty"`
	Steps            []Step `json:"steps"`
	AccumulatorField string `json:"accumulatorField,omitempty"`
	OnMaxIterations  string `json:"onMaxIterations,omitempty"`
}

func executeLoop(ctx context.Context, st state.State, raw json.RawMessage) (state.Delta, error) {
	var cfg LoopConfig
	if err := decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("loop step: maxIterations must be positive")
	}
	if len(cfg.Steps) == 0 {
		return nil, fmt.Errorf("loop step: steps must be non-empty")
	}

	working, err := state.Clone(st)
	if err != nil {
		return nil, err
	}
	baseMessages := len(working.Messages)

	var accumulator []any
	iterations := 0
	exitMet := false

	for i := 1; i <= cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iterations = i
		working = state.Reduce(working, state.Delta{"data": map[string]any{
			"loopIteration":   i,
			"loopAccumulator": append([]any(nil), accumulator...),
		}})

		for _, s := range cfg.Steps {
			delta, err := Execute(ctx, working, s)
			if err != nil {
				return nil, fmt.Errorf("loop step iteration %d: %w", i, err)
			}
			working = state.Reduce(working, delta)
		}

		if cfg.AccumulatorField != "" {
			if v, ok := working.Lookup(cfg.AccumulatorField); ok {
				accumulator = append(accumulator, v)
			}
		}

		if cfg.ExitCondition != "" && expr.EvaluateBool(cfg.ExitCondition, &working, nil) {
			exitMet = true
			break
		}
	}

	if !exitMet && cfg.ExitCondition != "" && cfg.OnMaxIterations == OnMaxThrow {
		return nil, fmt.Errorf("loop step: exit condition not met after %d iterations", cfg.MaxIterations)
	}

	data := make(map[string]any, len(working.Data)+4)
	for k, v := range working.Data {
		if k == "loopIteration" || k == "loopAccumulator" {
			continue
		}
		data[k] = v
	}
	data["loopIterations"] = iterations
	data["loopExitConditionMet"] = exitMet
	if cfg.AccumulatorField != "" {
		data[cfg.AccumulatorField+"Array"] = accumulator
		data[cfg.AccumulatorField+"Count"] = len(accumulator)
	}

	delta := state.Delta{"data": data}
	if len(working.Messages) > baseMessages {
		delta["messages"] = working.Messages[baseMessages:]
	}
	return delta, nil
}
