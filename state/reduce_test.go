package state

import (
	"reflect"
	"testing"

	"github.com/synaptic-labs/synapse/model"
)

func TestReduce_DataDeepMerge(t *testing.T) {
	prev := State{Data: map[string]any{
		"plan":   map[string]any{"steps": []any{"a"}, "kind": "simple"},
		"counts": map[string]any{"x": 1},
	}}
	delta := Delta{"data": map[string]any{
		"plan":   map[string]any{"steps": []any{"b", "c"}},
		"counts": map[string]any{"y": 2},
	}}

	next := Reduce(prev, delta)

	plan := next.Data["plan"].(map[string]any)
	if plan["kind"] != "simple" {
		t.Errorf("expected kind preserved, got %v", plan["kind"])
	}
	if got := plan["steps"].([]any); !reflect.DeepEqual(got, []any{"b", "c"}) {
		t.Errorf("expected nested array replaced, got %v", got)
	}
	counts := next.Data["counts"].(map[string]any)
	if counts["x"] != 1 || counts["y"] != 2 {
		t.Errorf("expected merged counts, got %v", counts)
	}
	// prev untouched
	if _, ok := prev.Data["counts"].(map[string]any)["y"]; ok {
		t.Error("Reduce mutated previous state")
	}
}

func TestReduce_MessagesConcat(t *testing.T) {
	prev := State{Messages: []model.Message{{Role: "user", Content: "hi"}}}
	next := Reduce(prev, Delta{"messages": []model.Message{{Role: "assistant", Content: "hello"}}})

	if len(next.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(next.Messages))
	}
	if next.Messages[0].Content != "hi" || next.Messages[1].Content != "hello" {
		t.Errorf("messages not a prefix-preserving extension: %v", next.Messages)
	}
	if len(prev.Messages) != 1 {
		t.Error("Reduce mutated previous messages")
	}
}

func TestReduce_Scalars(t *testing.T) {
	next := Reduce(State{NextRoute: "old"}, Delta{
		"nextRoute":     "error_handler",
		"finalResponse": "done",
		"nodeCounter":   3,
	})
	if next.NextRoute != "error_handler" {
		t.Errorf("nextRoute = %q", next.NextRoute)
	}
	if next.FinalResponse != "done" {
		t.Errorf("finalResponse = %q", next.FinalResponse)
	}
	if next.NodeCounter != 3 {
		t.Errorf("nodeCounter = %d", next.NodeCounter)
	}
}

func TestReduce_UnknownKeysLandInData(t *testing.T) {
	next := Reduce(State{}, Delta{"results": []any{"r1"}})
	if _, ok := next.Data["results"]; !ok {
		t.Errorf("expected unknown key under data, got %v", next.Data)
	}
}

// Reducer composition: applying deltas one at a time equals applying them
// in sequence from the start.
func TestReduce_Composition(t *testing.T) {
	deltas := []Delta{
		{"data": map[string]any{"a": map[string]any{"x": 1}}},
		{"messages": []model.Message{{Role: "user", Content: "q"}}},
		{"data": map[string]any{"a": map[string]any{"y": 2}, "b": "s"}},
		{"nextRoute": "planner"},
		{"messages": []model.Message{{Role: "assistant", Content: "r"}}},
	}

	initial := State{Data: map[string]any{"seed": true}}

	all := initial
	for _, d := range deltas {
		all = Reduce(all, d)
	}

	split := initial
	for _, d := range deltas[:2] {
		split = Reduce(split, d)
	}
	for _, d := range deltas[2:] {
		split = Reduce(split, d)
	}

	if !reflect.DeepEqual(all.Data, split.Data) {
		t.Errorf("data diverged:\n%v\n%v", all.Data, split.Data)
	}
	if !reflect.DeepEqual(all.Messages, split.Messages) {
		t.Errorf("messages diverged:\n%v\n%v", all.Messages, split.Messages)
	}
	if all.NextRoute != split.NextRoute {
		t.Errorf("nextRoute diverged: %q vs %q", all.NextRoute, split.NextRoute)
	}
}

func TestExpandKeys(t *testing.T) {
	got := ExpandKeys(map[string]any{
		"data.plan":      "p",
		"data.meta.kind": "k",
		"nextRoute":      "respond",
	})
	data, ok := got["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested data map, got %v", got)
	}
	if data["plan"] != "p" {
		t.Errorf("plan = %v", data["plan"])
	}
	meta, ok := data["meta"].(map[string]any)
	if !ok || meta["kind"] != "k" {
		t.Errorf("meta = %v", data["meta"])
	}
	if got["nextRoute"] != "respond" {
		t.Errorf("nextRoute = %v", got["nextRoute"])
	}
}

func TestDeltaAt_BarePathsLandInData(t *testing.T) {
	d := DeltaAt("results", []any{1})
	data, ok := d["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data nesting, got %v", d)
	}
	if _, ok := data["results"]; !ok {
		t.Errorf("missing results: %v", data)
	}
}

func TestClone_Isolation(t *testing.T) {
	orig := State{Data: map[string]any{"k": map[string]any{"v": 1}}}
	copied, err := Clone(orig)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	copied.Data["k"].(map[string]any)["v"] = 2
	if orig.Data["k"].(map[string]any)["v"] != 1 {
		t.Error("Clone shares nested maps with original")
	}
}
