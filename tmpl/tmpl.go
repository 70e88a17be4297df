// Package tmpl renders {{state.path}} placeholders against the runtime
// state tree. It is the only templating surface in the workflow engine:
// two fixed delimiters around a dot path, nothing else.
package tmpl

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/synaptic-labs/synapse/state"
)

// MalformedError reports a placeholder whose inside is not a plain dot
// path. Unresolved paths are not errors; malformed syntax is.
type MalformedError struct {
	Placeholder string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed template placeholder: %q", e.Placeholder)
}

// Render substitutes every {{state.<path>}} occurrence in template with the
// value at path. Object and array values are encoded as canonical JSON.
// Paths that do not resolve are retried under data.<path>; if still
// unresolved the literal placeholder is preserved and a warning is logged.
func Render(template string, s *state.State) (string, error) {
	return RenderWith(template, s, nil)
}

// RenderWith is Render with additional transient bindings (loop element
// bindings like item and index) consulted before the state tree.
func RenderWith(template string, s *state.State, extra map[string]any) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	var out strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])
		rest = rest[start:]

		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", &MalformedError{Placeholder: rest}
		}
		raw := rest[:end+2]
		path := strings.TrimSpace(rest[2:end])
		rest = rest[end+2:]

		if !validPath(path) {
			return "", &MalformedError{Placeholder: raw}
		}

		v, ok := resolve(path, s, extra)
		if !ok {
			s.Logger().Warn("unresolved template placeholder", "path", path)
			out.WriteString(raw)
			continue
		}
		out.WriteString(stringify(v))
	}
}

// ExactPath reports whether template consists of exactly one placeholder,
// returning its inner path. The neuron executor uses this to detect
// pre-built message lists.
func ExactPath(template string) (string, bool) {
	t := strings.TrimSpace(template)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := strings.TrimSpace(t[2 : len(t)-2])
	if !validPath(inner) || strings.Contains(inner, "{{") {
		return "", false
	}
	return inner, true
}

// Resolve looks up a placeholder path the same way Render does: extra
// bindings first, then the state tree with its data fallback.
func Resolve(path string, s *state.State, extra map[string]any) (any, bool) {
	return resolve(path, s, extra)
}

// RenderParams recursively renders every string value in obj. Maps and
// slices recurse; non-strings pass through unchanged.
func RenderParams(obj any, s *state.State) (any, error) {
	return RenderParamsWith(obj, s, nil)
}

// RenderParamsWith is RenderParams with transient bindings.
func RenderParamsWith(obj any, s *state.State, extra map[string]any) (any, error) {
	switch v := obj.(type) {
	case string:
		// A string that is exactly one placeholder keeps the resolved
		// value's type instead of flattening it to text.
		if path, ok := ExactPath(v); ok {
			if resolved, found := resolve(path, s, extra); found {
				return resolved, nil
			}
		}
		return RenderWith(v, s, extra)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			rendered, err := RenderParamsWith(elem, s, extra)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			rendered, err := RenderParamsWith(elem, s, extra)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return obj, nil
	}
}

func resolve(path string, s *state.State, extra map[string]any) (any, bool) {
	if extra != nil {
		segs := strings.Split(strings.TrimPrefix(path, "state."), ".")
		if v, ok := extra[segs[0]]; ok {
			if len(segs) == 1 {
				return v, true
			}
			return state.Descend(v, segs[1:])
		}
	}
	return s.Lookup(path)
}

func validPath(path string) bool {
	if path == "" {
		return false
	}
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '.' || r == '$' || r == '-':
		default:
			return false
		}
	}
	return !strings.HasPrefix(path, ".") && !strings.HasSuffix(path, ".") && !strings.Contains(path, "..")
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return "null"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
