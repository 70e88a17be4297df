package step

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/synaptic-labs/synapse/expr"
	"github.com/synaptic-labs/synapse/model"
	"github.com/synaptic-labs/synapse/state"
	"github.com/synaptic-labs/synapse/tmpl"
)

// Transform operations.
const (
	OpMap           = "map"
	OpFilter        = "filter"
	OpSelect        = "select"
	OpSet           = "set"
	OpParseJSON     = "parse-json"
	OpAppend        = "append"
	OpConcat        = "concat"
	OpBuildMessages = "build-messages"
)

// TransformConfig configures a pure data manipulation step.
type TransformConfig struct {
	Operation   string `json:"operation"`
	InputField  string `json:"inputField,omitempty"`
	OutputField string `json:"outputField,omitempty"`

	// map
	Transform string `json:"transform,omitempty"`
	// filter
	FilterCondition string `json:"filterCondition,omitempty"`
	// select
	Field string `json:"field,omitempty"`
	// set, append
	Value any `json:"value,omitempty"`
	// append
	Condition string `json:"condition,omitempty"`
	// concat
	SecondField    string `json:"secondField,omitempty"`
	FirstFallback  any    `json:"firstFallback,omitempty"`
	SecondFallback any    `json:"secondFallback,omitempty"`
	// build-messages
	UseExistingField string        `json:"useExistingField,omitempty"`
	Messages         []MessageSpec `json:"messages,omitempty"`

	ErrorHandling *Policy `json:"errorHandling,omitempty"`
}

// MessageSpec is one templated chat message in a build-messages operation.
type MessageSpec struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func executeTransform(ctx context.Context, st state.State, raw json.RawMessage) (state.Delta, error) {
	var cfg TransformConfig
	if err := decode(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg.ErrorHandling.run(ctx, &st, cfg.OutputField, func(int) (state.Delta, error) {
		result, err := applyTransform(&st, cfg)
		if err != nil {
			return nil, err
		}
		return transformDelta(cfg.OutputField, result)
	})
}

// transformDelta places the result: a named outputField wins; otherwise an
// object result is itself the partial delta, dot-path keys expanded.
func transformDelta(outputField string, result any) (state.Delta, error) {
	if outputField != "" {
		return state.DeltaAt(outputField, result), nil
	}
	if m, ok := result.(map[string]any); ok {
		return state.ExpandKeys(m), nil
	}
	return nil, fmt.Errorf("transform step: outputField required for non-object result")
}

func applyTransform(st *state.State, cfg TransformConfig) (any, error) {
	switch cfg.Operation {
	case OpMap:
		return transformMap(st, cfg)
	case OpFilter:
		return transformFilter(st, cfg)
	case OpSelect:
		return transformSelect(st, cfg)
	case OpSet:
		return evalValue(st, cfg.Value, nil)
	case OpParseJSON:
		return transformParseJSON(st, cfg)
	case OpAppend:
		return transformAppend(st, cfg)
	case OpConcat:
		return transformConcat(st, cfg)
	case OpBuildMessages:
		return transformBuildMessages(st, cfg)
	default:
		return nil, fmt.Errorf("transform step: unknown operation %q", cfg.Operation)
	}
}

func inputSlice(st *state.State, field string) ([]any, error) {
	v, ok := st.Lookup(field)
	if !ok {
		return nil, fmt.Errorf("transform step: input field %q not found", field)
	}
	switch list := v.(type) {
	case []any:
		return list, nil
	case nil:
		return nil, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("transform step: input field %q is not an array", field)
		}
		var out []any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("transform step: input field %q is not an array", field)
		}
		return out, nil
	}
}

func transformMap(st *state.State, cfg TransformConfig) (any, error) {
	list, err := inputSlice(st, cfg.InputField)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(list))
	for i, item := range list {
		bindings := map[string]any{"item": item, "index": i}
		rendered, err := evalValue(st, cfg.Transform, bindings)
		if err != nil {
			return nil, err
		}
		out = append(out, rendered)
	}
	return out, nil
}

func transformFilter(st *state.State, cfg TransformConfig) (any, error) {
	list, err := inputSlice(st, cfg.InputField)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(list))
	for i, item := range list {
		bindings := map[string]any{"item": item, "index": i}
		if expr.EvaluateBool(cfg.FilterCondition, st, bindings) {
			out = append(out, item)
		}
	}
	return out, nil
}

func transformSelect(st *state.State, cfg TransformConfig) (any, error) {
	v, ok := st.Lookup(cfg.InputField)
	if !ok {
		return nil, fmt.Errorf("transform step: input field %q not found", cfg.InputField)
	}
	segs := strings.Split(cfg.Field, ".")
	if list, ok := v.([]any); ok {
		out := make([]any, 0, len(list))
		for _, item := range list {
			picked, _ := state.Descend(item, segs)
			out = append(out, picked)
		}
		return out, nil
	}
	picked, ok := state.Descend(v, segs)
	if !ok {
		return nil, nil
	}
	return picked, nil
}

func transformParseJSON(st *state.State, cfg TransformConfig) (any, error) {
	v, ok := st.Lookup(cfg.InputField)
	if !ok {
		return nil, fmt.Errorf("transform step: input field %q not found", cfg.InputField)
	}
	text, ok := v.(string)
	if !ok {
		// Already structured.
		return v, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err == nil {
		return parsed, nil
	}
	if extracted, ok := ExtractJSON(text); ok {
		return extracted, nil
	}
	return nil, fmt.Errorf("transform step: field %q does not contain JSON", cfg.InputField)
}

func transformAppend(st *state.State, cfg TransformConfig) (any, error) {
	if cfg.Condition != "" && !expr.EvaluateBool(cfg.Condition, st, nil) {
		if existing, ok := st.Lookup(cfg.OutputField); ok {
			return existing, nil
		}
		return []any{}, nil
	}
	v, err := evalValue(st, cfg.Value, nil)
	if err != nil {
		return nil, err
	}
	var list []any
	if existing, ok := st.Lookup(cfg.OutputField); ok {
		if el, ok := existing.([]any); ok {
			list = append(list, el...)
		}
	}
	return append(list, v), nil
}

func transformConcat(st *state.State, cfg TransformConfig) (any, error) {
	first := sliceOrFallback(st, cfg.InputField, cfg.FirstFallback)
	second := sliceOrFallback(st, cfg.SecondField, cfg.SecondFallback)
	out := make([]any, 0, len(first)+len(second))
	out = append(out, first...)
	out = append(out, second...)
	return out, nil
}

func sliceOrFallback(st *state.State, field string, fallback any) []any {
	if field != "" {
		if v, ok := st.Lookup(field); ok {
			if list, ok := v.([]any); ok {
				return list
			}
			if v != nil {
				return []any{v}
			}
		}
	}
	if list, ok := fallback.([]any); ok {
		return list
	}
	if fallback != nil {
		return []any{fallback}
	}
	return nil
}

func transformBuildMessages(st *state.State, cfg TransformConfig) (any, error) {
	if cfg.UseExistingField != "" {
		if v, ok := st.Lookup(cfg.UseExistingField); ok {
			if list, ok := v.([]any); ok {
				return list, nil
			}
			if list, ok := v.([]model.Message); ok {
				out := make([]any, len(list))
				for i, m := range list {
					out[i] = map[string]any{"role": m.Role, "content": m.Content}
				}
				return out, nil
			}
		}
	}
	out := make([]any, 0, len(cfg.Messages))
	for _, spec := range cfg.Messages {
		content, err := tmpl.Render(spec.Content, st)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"role": spec.Role, "content": content})
	}
	return out, nil
}

// evalValue resolves a configured value: a string wrapped in {{...}} that is
// not a plain path is evaluated as an expression; a plain-path placeholder
// or any other string renders as a template; non-strings pass through with
// their nested strings rendered.
func evalValue(st *state.State, value any, extra map[string]any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return tmpl.RenderParamsWith(value, st, extra)
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if _, isPath := tmpl.ExactPath(trimmed); !isPath {
			v, err := expr.EvaluateWith(inner, st, extra)
			if err != nil {
				return nil, err
			}
			return v, nil
		}
		if v, found := tmpl.Resolve(inner, st, extra); found {
			return v, nil
		}
	}
	return tmpl.RenderWith(s, st, extra)
}

// ExtractJSON scans text for the first balanced JSON object or array and
// decodes it. Quoted strings and escapes are honored during the scan.
func ExtractJSON(text string) (any, bool) {
	for i := 0; i < len(text); i++ {
		open := text[i]
		if open != '{' && open != '[' {
			continue
		}
		closer := byte('}')
		if open == '[' {
			closer = ']'
		}
		depth := 0
		inString := false
		escaped := false
		for j := i; j < len(text); j++ {
			c := text[j]
			switch {
			case escaped:
				escaped = false
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == open:
				depth++
			case c == closer:
				depth--
				if depth == 0 {
					var v any
					if err := json.Unmarshal([]byte(text[i:j+1]), &v); err == nil {
						return v, true
					}
					j = len(text)
				}
			}
		}
	}
	return nil, false
}
