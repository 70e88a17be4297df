package step

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/synaptic-labs/synapse/state"
	"github.com/synaptic-labs/synapse/tmpl"
)

// ToolConfig configures one external tool invocation.
type ToolConfig struct {
	ToolName      string         `json:"toolName"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	OutputField   string         `json:"outputField"`
	ErrorHandling *Policy        `json:"errorHandling,omitempty"`

	// Legacy flat retry fields kept for configs written before
	// errorHandling existed.
	RetryOnError bool `json:"retryOnError,omitempty"`
	MaxRetries   int  `json:"maxRetries,omitempty"`
}

func executeTool(ctx context.Context, st state.State, raw json.RawMessage) (state.Delta, error) {
	var cfg ToolConfig
	if err := decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.ToolName == "" {
		return nil, fmt.Errorf("tool step: toolName is required")
	}
	if cfg.OutputField == "" {
		return nil, fmt.Errorf("tool step: outputField is required")
	}
	if st.Models.Tools == nil {
		return nil, fmt.Errorf("tool step: no tool invoker configured")
	}

	policy := cfg.ErrorHandling
	if policy == nil && cfg.RetryOnError {
		retries := cfg.MaxRetries
		if retries <= 0 {
			retries = 1
		}
		policy = &Policy{Retry: retries, RetryDelay: 500}
	}

	return policy.run(ctx, &st, cfg.OutputField, func(int) (state.Delta, error) {
		rendered, err := tmpl.RenderParams(cfg.Parameters, &st)
		if err != nil {
			return nil, err
		}
		args, _ := rendered.(map[string]any)
		if args == nil {
			args = map[string]any{}
		}

		toolID := uuid.NewString()
		publishToolEvent(ctx, &st, map[string]any{
			"toolId":     toolID,
			"toolName":   cfg.ToolName,
			"status":     "start",
			"parameters": args,
		})

		st.Logger().Debug("calling tool", "tool", cfg.ToolName)
		result, err := st.Models.Tools.CallTool(ctx, cfg.ToolName, args, st.Meta())
		if err != nil {
			publishToolEvent(ctx, &st, map[string]any{
				"toolId":   toolID,
				"toolName": cfg.ToolName,
				"status":   "error",
				"error":    err.Error(),
			})
			return nil, fmt.Errorf("tool %s: %w", cfg.ToolName, err)
		}

		unwrapped := UnwrapToolResult(result)
		publishToolEvent(ctx, &st, map[string]any{
			"toolId":   toolID,
			"toolName": cfg.ToolName,
			"status":   "complete",
			"result":   unwrapped,
		})
		return state.DeltaAt(cfg.OutputField, unwrapped), nil
	})
}

func publishToolEvent(ctx context.Context, st *state.State, event map[string]any) {
	if st.Models.Stream == nil {
		return
	}
	st.Models.Stream.ToolEvent(ctx, event)
}

// UnwrapToolResult normalizes a tool call result for storage in state.
// A protocol result whose content is a single text block becomes that
// text's JSON value (or the raw text when it is not JSON); anything else
// is sanitized through a JSON round-trip so later template rendering and
// reduction see only plain maps, slices, and scalars.
func UnwrapToolResult(result any) any {
	if m, ok := toPlain(result); ok {
		if content, ok := m["content"].([]any); ok && len(content) == 1 {
			if block, ok := content[0].(map[string]any); ok {
				if t, _ := block["type"].(string); t == "text" {
					text, _ := block["text"].(string)
					return parseMaybeJSON(text)
				}
			}
		}
		return m
	}
	switch result.(type) {
	case nil, string, bool, float64, int:
		return result
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	var v any
	if json.Unmarshal(data, &v) == nil {
		return v
	}
	return string(data)
}

func toPlain(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}

func parseMaybeJSON(text string) any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return text
}
