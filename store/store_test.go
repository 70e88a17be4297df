package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/synaptic-labs/synapse/graph"
	"github.com/synaptic-labs/synapse/model"
)

// The contract tests run against every backend.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close(context.Background()) })
	return map[string]Store{
		"memory": NewMemStore(),
		"sqlite": sqlite,
	}
}

func sampleGraph(owner string) *graph.Config {
	return &graph.Config{
		GraphID:   "g1",
		OwnerID:   owner,
		Name:      "test graph",
		Tier:      2,
		IsDefault: true,
		Global:    &graph.GlobalConfig{MaxReplans: 2, Timeout: 30000, EnableFastpath: true},
		Nodes:   []graph.NodeSpec{{ID: "n", Config: json.RawMessage(`{"steps":[]}`)}},
		Edges: []graph.EdgeSpec{
			{From: "__start__", To: "n"},
			{From: "n", To: "__end__"},
		},
	}
}

func TestStoreGraphs(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := s.FindGraph(ctx, "g1", []string{"u1", SystemOwner}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("empty store: err = %v, want ErrNotFound", err)
			}

			if err := s.SaveGraph(ctx, sampleGraph(SystemOwner)); err != nil {
				t.Fatalf("SaveGraph: %v", err)
			}
			got, err := s.FindGraph(ctx, "g1", []string{"u1", SystemOwner})
			if err != nil {
				t.Fatalf("FindGraph: %v", err)
			}
			if got.OwnerID != SystemOwner || got.Tier != 2 || len(got.Nodes) != 1 {
				t.Errorf("graph = %+v", got)
			}
			if !got.IsDefault {
				t.Error("isDefault not persisted")
			}
			if got.Global == nil || got.Global.Timeout != 30000 ||
				got.Global.MaxReplans != 2 || !got.Global.EnableFastpath {
				t.Errorf("globalConfig = %+v", got.Global)
			}

			// A user-owned graph with the same id shadows the system one.
			userGraph := sampleGraph("u1")
			userGraph.Name = "user override"
			if err := s.SaveGraph(ctx, userGraph); err != nil {
				t.Fatalf("SaveGraph: %v", err)
			}
			got, err = s.FindGraph(ctx, "g1", []string{"u1", SystemOwner})
			if err != nil {
				t.Fatalf("FindGraph: %v", err)
			}
			if got.Name != "user override" {
				t.Errorf("owner precedence: got %q", got.Name)
			}

			// Wrong owner never resolves.
			if _, err := s.FindGraph(ctx, "g1", []string{"someone-else"}); !errors.Is(err, ErrNotFound) {
				t.Errorf("foreign owner: err = %v, want ErrNotFound", err)
			}

			list, err := s.ListGraphs(ctx, []string{"u1", SystemOwner})
			if err != nil {
				t.Fatalf("ListGraphs: %v", err)
			}
			if len(list) != 2 {
				t.Errorf("ListGraphs returned %d graphs, want 2", len(list))
			}

			if err := s.IncrementGraphUsage(ctx, "g1"); err != nil {
				t.Errorf("IncrementGraphUsage: %v", err)
			}
		})
	}
}

func TestStoreNeurons(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			temp := 0.7
			cfg := &model.NeuronConfig{
				NeuronID:    "n1",
				OwnerID:     SystemOwner,
				Tier:        3,
				Name:        "default chat",
				Role:        model.RoleChat,
				Provider:    model.ProviderOpenAICompatible,
				Model:       "gpt-4o-mini",
				Temperature: &temp,
			}
			if err := s.SaveNeuron(ctx, cfg); err != nil {
				t.Fatalf("SaveNeuron: %v", err)
			}
			got, err := s.FindNeuron(ctx, "n1", []string{"u1", SystemOwner})
			if err != nil {
				t.Fatalf("FindNeuron: %v", err)
			}
			if got.Provider != model.ProviderOpenAICompatible || got.Temperature == nil || *got.Temperature != 0.7 {
				t.Errorf("neuron = %+v", got)
			}
			if _, err := s.FindNeuron(ctx, "nope", []string{SystemOwner}); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreNodes(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			node := &StoredNode{
				NodeID:  "shared",
				OwnerID: SystemOwner,
				Name:    "shared summarizer",
				Config:  json.RawMessage(`{"type":"neuron","config":{"userPrompt":"x","outputField":"y"}}`),
			}
			if err := s.SaveNode(ctx, node); err != nil {
				t.Fatalf("SaveNode: %v", err)
			}
			got, err := s.FindNode(ctx, "shared")
			if err != nil {
				t.Fatalf("FindNode: %v", err)
			}
			var decoded map[string]any
			if err := json.Unmarshal(got.Config, &decoded); err != nil {
				t.Fatalf("stored config not JSON: %v", err)
			}
			if decoded["type"] != "neuron" {
				t.Errorf("config = %v", decoded)
			}
		})
	}
}

func TestStoreUserSettings(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.UserSettings(ctx, "u1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
			in := &UserSettings{
				UserID:                "u1",
				Tier:                  1,
				DefaultGraphID:        "orchestrator",
				DefaultNeuronID:       "chat",
				DefaultWorkerNeuronID: "worker",
			}
			if err := s.SaveUserSettings(ctx, in); err != nil {
				t.Fatalf("SaveUserSettings: %v", err)
			}
			got, err := s.UserSettings(ctx, "u1")
			if err != nil {
				t.Fatalf("UserSettings: %v", err)
			}
			if got.Tier != 1 || got.DefaultGraphID != "orchestrator" {
				t.Errorf("settings = %+v", got)
			}

			in.Tier = 0
			if err := s.SaveUserSettings(ctx, in); err != nil {
				t.Fatalf("SaveUserSettings update: %v", err)
			}
			got, _ = s.UserSettings(ctx, "u1")
			if got.Tier != 0 {
				t.Errorf("updated tier = %d", got.Tier)
			}
		})
	}
}
