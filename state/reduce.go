package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/synaptic-labs/synapse/model"
)

// Delta is a partial state update produced by a step or node. Keys mirror
// the state view; values merge into the state through Reduce.
//
// Deltas are additive structural updates: nested maps under "data" deep
// merge, the "messages" array concatenates, everything else is
// last-write-wins.
type Delta map[string]any

// DeltaAt builds a delta containing a single value at a dot-separated path.
//
//	DeltaAt("data.plan", v)  => Delta{"data": {"plan": v}}
//	DeltaAt("results", v)    => Delta{"data": {"results": v}}
//
// Paths that do not start with a known top-level field land under "data",
// which is where node outputs live.
func DeltaAt(path string, v any) Delta {
	segs := strings.Split(path, ".")
	if !isTopLevel(segs[0]) {
		segs = append([]string{"data"}, segs...)
	}
	d := Delta{}
	cur := map[string]any(d)
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = v
			break
		}
		next := map[string]any{}
		cur[seg] = next
		cur = next
	}
	return d
}

var topLevelFields = map[string]bool{
	"query": true, "options": true, "userId": true, "accountTier": true,
	"contextMessages": true, "contextSummary": true,
	"data": true, "messages": true, "response": true,
	"nextRoute": true, "finalResponse": true,
	"nodeCounter": true, "currentStepIndex": true, "searchIterations": true,
	"messageId": true, "generationId": true, "conversationId": true,
}

func isTopLevel(key string) bool { return topLevelFields[key] }

// ExpandKeys converts flat dot-path keys into nested maps, so
// {"data.plan": x} and {"data": {"plan": x}} reduce identically.
func ExpandKeys(flat map[string]any) Delta {
	out := Delta{}
	for k, v := range flat {
		if !strings.Contains(k, ".") {
			out.merge(k, v)
			continue
		}
		for kk, vv := range DeltaAt(k, v) {
			out.merge(kk, vv)
		}
	}
	return out
}

func (d Delta) merge(key string, v any) {
	existing, ok := d[key]
	if !ok {
		d[key] = v
		return
	}
	em, eok := existing.(map[string]any)
	vm, vok := v.(map[string]any)
	if eok && vok {
		d[key] = mergeTree(em, vm)
		return
	}
	d[key] = v
}

// Reduce merges a delta into prev and returns the resulting state. Neither
// input is mutated: nested maps are copied on write, so retained references
// to the previous state stay valid.
//
// Merge rules:
//   - "data" deep-merges; nested arrays are replaced by the newer value
//   - "messages" concatenates (prefix-preserving extension)
//   - every other key is last-write-wins
//   - unknown keys merge under "data"
func Reduce(prev State, delta Delta) State {
	next := prev
	for key, v := range delta {
		switch key {
		case "data":
			if m, ok := anyToMap(v); ok {
				next.Data = mergeTree(next.Data, m)
			}
		case "messages":
			next.Messages = append(append([]model.Message(nil), next.Messages...), toMessages(v)...)
		case "contextMessages":
			next.ContextMessages = toMessages(v)
		case "contextSummary":
			next.ContextSummary = toString(v)
		case "response":
			next.Response = toMessagePtr(v)
		case "nextRoute":
			next.NextRoute = toString(v)
		case "finalResponse":
			next.FinalResponse = toString(v)
		case "nodeCounter":
			next.NodeCounter = toInt(v)
		case "currentStepIndex":
			next.CurrentStepIndex = toInt(v)
		case "searchIterations":
			next.SearchIterations = toInt(v)
		case "messageId":
			next.MessageID = toString(v)
		case "generationId":
			next.GenerationID = toString(v)
		case "conversationId":
			next.ConversationID = toString(v)
		case "query", "options", "userId", "accountTier":
			// Request identity is immutable after entry.
		default:
			next.Data = mergeTree(next.Data, map[string]any{key: v})
		}
	}
	return next
}

// MergeDeltas combines two deltas with the same semantics Reduce applies
// to the state, so that reducing a merged delta equals reducing its parts
// in order: "data" deep-merges, "messages" concatenates, everything else
// is last-write-wins.
func MergeDeltas(a, b Delta) Delta {
	out := Delta{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		switch k {
		case "data":
			if prev, ok := anyToMap(out[k]); ok {
				if m, ok2 := anyToMap(v); ok2 {
					out[k] = mergeTree(prev, m)
					continue
				}
			}
			out[k] = v
		case "messages":
			out[k] = append(append([]model.Message(nil), toMessages(out[k])...), toMessages(v)...)
		default:
			out.merge(k, v)
		}
	}
	return out
}

// mergeTree deep-merges src into a copy of dst. Maps merge recursively;
// arrays and scalars are replaced by the newer value.
func mergeTree(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if dm, ok := out[k].(map[string]any); ok {
			if sm, ok2 := anyToMap(v); ok2 {
				out[k] = mergeTree(dm, sm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Clone deep-copies the serializable part of the state through a JSON
// round-trip and reattaches the infrastructure handles. Used by the loop
// executor, which needs an isolated working state.
func Clone(s State) (State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return State{}, fmt.Errorf("clone state: %w", err)
	}
	var copied State
	if err := json.Unmarshal(data, &copied); err != nil {
		return State{}, fmt.Errorf("clone state: %w", err)
	}
	copied.Models = s.Models
	copied.Log = s.Log
	copied.StreamVisible = s.StreamVisible
	copied.SystemPrefix = s.SystemPrefix
	return copied, nil
}

func anyToMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Delta:
		return m, true
	default:
		return toMap(v)
	}
}

func toMessages(v any) []model.Message {
	switch msgs := v.(type) {
	case []model.Message:
		return msgs
	case []any:
		out := make([]model.Message, 0, len(msgs))
		for _, m := range msgs {
			if mm := toMessagePtr(m); mm != nil {
				out = append(out, *mm)
			}
		}
		return out
	case nil:
		return nil
	default:
		return nil
	}
}

func toMessagePtr(v any) *model.Message {
	switch m := v.(type) {
	case *model.Message:
		return m
	case model.Message:
		return &m
	case map[string]any:
		msg := model.Message{}
		msg.Role, _ = m["role"].(string)
		msg.Content, _ = m["content"].(string)
		return &msg
	default:
		return nil
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
