package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/synaptic-labs/synapse/graph"
	"github.com/synaptic-labs/synapse/model"
	"github.com/synaptic-labs/synapse/model/anthropic"
	"github.com/synaptic-labs/synapse/model/openai"
	"github.com/synaptic-labs/synapse/store"
)

func seedNeuron(t *testing.T, s store.Store, id, owner string, tier int, provider string) {
	t.Helper()
	err := s.SaveNeuron(context.Background(), &model.NeuronConfig{
		NeuronID: id,
		OwnerID:  owner,
		Tier:     tier,
		Provider: provider,
		Model:    "test-model",
		APIKey:   "sk-plain",
	})
	if err != nil {
		t.Fatalf("SaveNeuron: %v", err)
	}
}

func seedTier(t *testing.T, s store.Store, userID string, tier int) {
	t.Helper()
	err := s.SaveUserSettings(context.Background(), &store.UserSettings{UserID: userID, Tier: tier})
	if err != nil {
		t.Fatalf("SaveUserSettings: %v", err)
	}
}

func TestCrypt(t *testing.T) {
	c, err := NewCrypt("unit-test-secret")
	if err != nil {
		t.Fatalf("NewCrypt: %v", err)
	}
	sealed, err := c.Encrypt("sk-super-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if sealed == "sk-super-secret" {
		t.Fatal("ciphertext equals plaintext")
	}
	plain, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "sk-super-secret" {
		t.Errorf("round trip = %q", plain)
	}

	other, _ := NewCrypt("different-secret")
	if _, err := other.Decrypt(sealed); err == nil {
		t.Error("decrypt with wrong secret succeeded")
	}
	if _, err := NewCrypt(""); err == nil {
		t.Error("empty secret accepted")
	}
}

func TestNeuronResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("owner and shadowing", func(t *testing.T) {
		s := store.NewMemStore()
		seedNeuron(t, s, "chat", store.SystemOwner, 3, model.ProviderOpenAICompatible)
		reg := NewNeurons(s, nil, nil)

		cfg, err := reg.Config(ctx, "chat", "u1")
		if err != nil {
			t.Fatalf("Config: %v", err)
		}
		if cfg.OwnerID != store.SystemOwner {
			t.Errorf("owner = %q", cfg.OwnerID)
		}

		// A user-owned neuron with the same id wins regardless of tier.
		seedNeuron(t, s, "chat", "u1", 0, model.ProviderAnthropicCompatible)
		reg.ClearCache("u1")
		cfg, err = reg.Config(ctx, "chat", "u1")
		if err != nil {
			t.Fatalf("Config: %v", err)
		}
		if cfg.OwnerID != "u1" {
			t.Errorf("shadowing: owner = %q", cfg.OwnerID)
		}
	})

	t.Run("tier gate", func(t *testing.T) {
		s := store.NewMemStore()
		seedNeuron(t, s, "premium", store.SystemOwner, 1, model.ProviderOpenAICompatible)
		reg := NewNeurons(s, nil, nil)

		// No settings record means tier 4, which fails the gate.
		if _, err := reg.Config(ctx, "premium", "nobody"); !errors.Is(err, ErrAccessDenied) {
			t.Errorf("unknown user: err = %v, want ErrAccessDenied", err)
		}

		seedTier(t, s, "vip", 0)
		if _, err := reg.Config(ctx, "premium", "vip"); err != nil {
			t.Errorf("privileged user denied: %v", err)
		}

		seedTier(t, s, "basic", 3)
		if _, err := reg.Config(ctx, "premium", "basic"); !errors.Is(err, ErrAccessDenied) {
			t.Errorf("basic user: err = %v, want ErrAccessDenied", err)
		}
	})

	t.Run("missing neuron", func(t *testing.T) {
		reg := NewNeurons(store.NewMemStore(), nil, nil)
		if _, err := reg.Config(ctx, "ghost", "u1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("encrypted key", func(t *testing.T) {
		s := store.NewMemStore()
		crypt, _ := NewCrypt("secret")
		reg := NewNeurons(s, crypt, nil)

		err := reg.Save(ctx, &model.NeuronConfig{
			NeuronID: "sealed",
			OwnerID:  "u1",
			Provider: model.ProviderOpenAICompatible,
			Model:    "m",
			APIKey:   "sk-raw",
		})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		stored, err := s.FindNeuron(ctx, "sealed", []string{"u1"})
		if err != nil {
			t.Fatalf("FindNeuron: %v", err)
		}
		if !stored.APIKeyEncrypted || stored.APIKey == "sk-raw" {
			t.Fatalf("stored key not encrypted: %+v", stored)
		}

		cfg, err := reg.Config(ctx, "sealed", "u1")
		if err != nil {
			t.Fatalf("Config: %v", err)
		}
		if cfg.APIKey != "sk-raw" || cfg.APIKeyEncrypted {
			t.Errorf("resolved key = %+v", cfg)
		}
	})

	t.Run("cache serves repeat lookups", func(t *testing.T) {
		s := store.NewMemStore()
		seedNeuron(t, s, "chat", "u1", 0, model.ProviderOpenAICompatible)
		reg := NewNeurons(s, nil, nil)

		first, err := reg.Config(ctx, "chat", "u1")
		if err != nil {
			t.Fatalf("Config: %v", err)
		}
		// A store update is invisible until the cache entry is dropped.
		seedNeuron(t, s, "chat", "u1", 0, model.ProviderGoogleCompatible)
		second, _ := reg.Config(ctx, "chat", "u1")
		if second.Provider != first.Provider {
			t.Errorf("cache miss on repeat lookup")
		}
		reg.ClearCache("u1")
		third, _ := reg.Config(ctx, "chat", "u1")
		if third.Provider != model.ProviderGoogleCompatible {
			t.Errorf("stale config after ClearCache: %q", third.Provider)
		}
	})
}

func TestModelDispatch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	seedNeuron(t, s, "oa", "u1", 0, model.ProviderOpenAICompatible)
	seedNeuron(t, s, "lo", "u1", 0, model.ProviderLocal)
	seedNeuron(t, s, "an", "u1", 0, model.ProviderAnthropicCompatible)
	seedNeuron(t, s, "bad", "u1", 0, "telepathy")
	reg := NewNeurons(s, nil, nil)

	m, err := reg.Model(ctx, "oa", "u1")
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if _, ok := m.(*openai.Client); !ok {
		t.Errorf("openai-compatible resolved to %T", m)
	}

	m, err = reg.Model(ctx, "lo", "u1")
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if _, ok := m.(*openai.Client); !ok {
		t.Errorf("local resolved to %T", m)
	}

	m, err = reg.Model(ctx, "an", "u1")
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if _, ok := m.(*anthropic.Client); !ok {
		t.Errorf("anthropic-compatible resolved to %T", m)
	}

	if _, err := reg.Model(ctx, "bad", "u1"); err == nil {
		t.Error("unknown provider accepted")
	}

	// Each call returns a distinct instance.
	a, _ := reg.Model(ctx, "oa", "u1")
	b, _ := reg.Model(ctx, "oa", "u1")
	if a == b {
		t.Error("model instances are shared between calls")
	}
}

func minimalGraph(id, owner string, tier int) *graph.Config {
	return &graph.Config{
		GraphID: id,
		OwnerID: owner,
		Tier:    tier,
		Nodes: []graph.NodeSpec{
			{ID: "n", Config: json.RawMessage(`{"steps":[{"type":"conditional","config":{"condition":"true","setField":"data.done","trueValue":"yes","falseValue":"no"}}]}`)},
		},
		Edges: []graph.EdgeSpec{
			{From: graph.Start, To: "n"},
			{From: "n", To: graph.End},
		},
	}
}

func TestWorkflowResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("resolve compiles and caches", func(t *testing.T) {
		s := store.NewMemStore()
		if err := s.SaveGraph(ctx, minimalGraph("flow", store.SystemOwner, 4)); err != nil {
			t.Fatalf("SaveGraph: %v", err)
		}
		reg := NewWorkflows(s, nil, nil)

		first, err := reg.Resolve(ctx, "flow", "u1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		second, err := reg.Resolve(ctx, "flow", "u1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if first != second {
			t.Error("repeat resolve did not hit the compiled cache")
		}
	})

	t.Run("tier gate", func(t *testing.T) {
		s := store.NewMemStore()
		if err := s.SaveGraph(ctx, minimalGraph("elite", store.SystemOwner, 1)); err != nil {
			t.Fatalf("SaveGraph: %v", err)
		}
		reg := NewWorkflows(s, nil, nil)
		if _, err := reg.Resolve(ctx, "elite", "nobody"); !errors.Is(err, ErrAccessDenied) {
			t.Errorf("err = %v, want ErrAccessDenied", err)
		}
		seedTier(t, s, "vip", 1)
		if _, err := reg.Resolve(ctx, "elite", "vip"); err != nil {
			t.Errorf("matching tier denied: %v", err)
		}
	})

	t.Run("missing graph", func(t *testing.T) {
		reg := NewWorkflows(store.NewMemStore(), nil, nil)
		if _, err := reg.Resolve(ctx, "ghost", "u1"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("save validates", func(t *testing.T) {
		s := store.NewMemStore()
		reg := NewWorkflows(s, nil, nil)

		broken := minimalGraph("broken", "u1", 2)
		broken.Edges = []graph.EdgeSpec{{From: graph.Start, To: "nowhere"}}
		var compileErr *graph.CompileError
		if err := reg.Save(ctx, broken); !errors.As(err, &compileErr) {
			t.Fatalf("err = %v, want CompileError", err)
		}
		if _, err := s.FindGraph(ctx, "broken", []string{"u1"}); !errors.Is(err, store.ErrNotFound) {
			t.Error("invalid graph was persisted")
		}

		if err := reg.Save(ctx, minimalGraph("ok", "u1", 2)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	})

	t.Run("save invalidates compiled cache", func(t *testing.T) {
		s := store.NewMemStore()
		if err := s.SaveGraph(ctx, minimalGraph("flow", "u1", 2)); err != nil {
			t.Fatalf("SaveGraph: %v", err)
		}
		reg := NewWorkflows(s, nil, nil)
		first, err := reg.Resolve(ctx, "flow", "u1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}

		updated := minimalGraph("flow", "u1", 2)
		updated.Name = "updated"
		if err := reg.Save(ctx, updated); err != nil {
			t.Fatalf("Save: %v", err)
		}
		second, err := reg.Resolve(ctx, "flow", "u1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if first == second {
			t.Error("stale compiled graph served after Save")
		}
		if second.Config().Name != "updated" {
			t.Errorf("resolved name = %q", second.Config().Name)
		}
	})

	t.Run("user graphs", func(t *testing.T) {
		s := store.NewMemStore()
		_ = s.SaveGraph(ctx, minimalGraph("mine", "u1", 2))
		_ = s.SaveGraph(ctx, minimalGraph("shared", store.SystemOwner, 4))
		_ = s.SaveGraph(ctx, minimalGraph("theirs", "u2", 2))
		reg := NewWorkflows(s, nil, nil)

		list, err := reg.UserGraphs(ctx, "u1")
		if err != nil {
			t.Fatalf("UserGraphs: %v", err)
		}
		if len(list) != 2 {
			t.Errorf("UserGraphs returned %d graphs, want 2", len(list))
		}
	})
}
