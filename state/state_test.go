package state

import "testing"

func TestLookup(t *testing.T) {
	s := &State{
		Query:  Query{Message: "hello"},
		UserID: "u1",
		Data: map[string]any{
			"routeDecision": "plan",
			"plan":          map[string]any{"steps": []any{"s1", "s2"}},
		},
		ConversationID: "c1",
	}

	t.Run("state prefix stripped", func(t *testing.T) {
		v, ok := s.Lookup("state.query.message")
		if !ok || v != "hello" {
			t.Errorf("got %v, %v", v, ok)
		}
	})

	t.Run("data path", func(t *testing.T) {
		v, ok := s.Lookup("data.routeDecision")
		if !ok || v != "plan" {
			t.Errorf("got %v, %v", v, ok)
		}
	})

	t.Run("bare path falls back to data", func(t *testing.T) {
		v, ok := s.Lookup("routeDecision")
		if !ok || v != "plan" {
			t.Errorf("got %v, %v", v, ok)
		}
	})

	t.Run("nested data", func(t *testing.T) {
		v, ok := s.Lookup("state.data.plan.steps")
		if !ok {
			t.Fatal("not found")
		}
		if steps, ok := v.([]any); !ok || len(steps) != 2 {
			t.Errorf("got %v", v)
		}
	})

	t.Run("missing path", func(t *testing.T) {
		if _, ok := s.Lookup("state.data.nothing.here"); ok {
			t.Error("expected miss")
		}
	})

	t.Run("scalar mid-path", func(t *testing.T) {
		if _, ok := s.Lookup("state.userId.sub"); ok {
			t.Error("expected miss through scalar")
		}
	})
}
