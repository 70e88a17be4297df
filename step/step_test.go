package step

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/synaptic-labs/synapse/model"
	"github.com/synaptic-labs/synapse/state"
)

type fakeResolver struct {
	chat   model.ChatModel
	config *model.NeuronConfig
	err    error
	lastID string
}

func (f *fakeResolver) Model(_ context.Context, neuronID, _ string) (model.ChatModel, error) {
	f.lastID = neuronID
	return f.chat, f.err
}

func (f *fakeResolver) Config(context.Context, string, string) (*model.NeuronConfig, error) {
	return f.config, nil
}

type fakeInvoker struct {
	result   any
	err      error
	calls    int
	lastName string
	lastArgs map[string]any
	lastMeta state.ToolMeta
}

func (f *fakeInvoker) CallTool(_ context.Context, name string, args map[string]any, meta state.ToolMeta) (any, error) {
	f.calls++
	f.lastName = name
	f.lastArgs = args
	f.lastMeta = meta
	return f.result, f.err
}

type fakePublisher struct {
	tokens []string
}

func (f *fakePublisher) Token(_ context.Context, chunk string) error {
	f.tokens = append(f.tokens, chunk)
	return nil
}
func (f *fakePublisher) Status(context.Context, string, string)     {}
func (f *fakePublisher) ToolEvent(context.Context, map[string]any)  {}
func (f *fakePublisher) ToolStatus(context.Context, string, string) {}

type fakeNodes struct {
	nodes map[string]json.RawMessage
}

func (f *fakeNodes) ResolveNode(_ context.Context, nodeID string) (json.RawMessage, error) {
	raw, ok := f.nodes[nodeID]
	if !ok {
		return nil, errors.New("node not found")
	}
	return raw, nil
}

func baseState() state.State {
	return state.State{
		Query:           state.Query{Message: "hello"},
		UserID:          "u1",
		DefaultNeuronID: "default-neuron",
		Data:            map[string]any{},
		ConversationID:  "c1",
		GenerationID:    "g1",
		MessageID:       "m1",
	}
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return raw
}

func dataField(t *testing.T, d state.Delta, key string) any {
	t.Helper()
	data, ok := d["data"].(map[string]any)
	if !ok {
		t.Fatalf("delta has no data map: %#v", d)
	}
	return data[key]
}

func TestNeuronStep(t *testing.T) {
	t.Run("writes accumulated text to output field", func(t *testing.T) {
		mock := model.NewMockChatModel("the answer")
		st := baseState()
		st.Models.Resolver = &fakeResolver{chat: mock}

		delta, err := Execute(context.Background(), st, Step{
			Type: KindNeuron,
			Config: mustRaw(t, map[string]any{
				"userPrompt":  "answer: {{state.query.message}}",
				"outputField": "answer",
			}),
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got := dataField(t, delta, "answer"); got != "the answer" {
			t.Errorf("answer = %v, want %q", got, "the answer")
		}
		if len(mock.LastMessages) != 1 || mock.LastMessages[0].Content != "answer: hello" {
			t.Errorf("rendered prompt = %+v", mock.LastMessages)
		}
	})

	t.Run("falls back to default neuron", func(t *testing.T) {
		r := &fakeResolver{chat: model.NewMockChatModel("ok")}
		st := baseState()
		st.Models.Resolver = r

		if _, err := Execute(context.Background(), st, Step{
			Type:   KindNeuron,
			Config: mustRaw(t, map[string]any{"userPrompt": "x", "outputField": "out"}),
		}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if r.lastID != "default-neuron" {
			t.Errorf("resolved neuron = %q, want default-neuron", r.lastID)
		}
	})

	t.Run("streams tokens only when visible", func(t *testing.T) {
		mock := model.NewMockChatModel("abcdef")
		mock.ChunkSize = 2
		pub := &fakePublisher{}
		st := baseState()
		st.Models.Resolver = &fakeResolver{chat: mock}
		st.Models.Stream = pub

		if _, err := Execute(context.Background(), st, Step{
			Type: KindNeuron,
			Config: mustRaw(t, map[string]any{
				"userPrompt": "x", "outputField": "out", "stream": true,
			}),
		}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got := strings.Join(pub.tokens, ""); got != "abcdef" {
			t.Errorf("streamed %q, want abcdef", got)
		}

		pub.tokens = nil
		if _, err := Execute(context.Background(), st, Step{
			Type: KindNeuron,
			Config: mustRaw(t, map[string]any{
				"userPrompt": "x", "outputField": "out",
			}),
		}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(pub.tokens) != 0 {
			t.Errorf("non-visible step streamed %v", pub.tokens)
		}
	})

	t.Run("node prefix forms system message alone", func(t *testing.T) {
		mock := model.NewMockChatModel("ok")
		st := baseState()
		st.Models.Resolver = &fakeResolver{chat: mock}
		st.SystemPrefix = "You are the classifier."

		if _, err := Execute(context.Background(), st, Step{
			Type: KindNeuron,
			Config: mustRaw(t, map[string]any{
				"userPrompt": "x", "outputField": "out",
			}),
		}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		msgs := mock.LastMessages
		if len(msgs) != 2 || msgs[0].Role != model.RoleSystem {
			t.Fatalf("messages = %+v", msgs)
		}
		if msgs[0].Content != "You are the classifier." {
			t.Errorf("system message = %q", msgs[0].Content)
		}
	})

	t.Run("node prefix prepends configured system prompt", func(t *testing.T) {
		mock := model.NewMockChatModel("ok")
		st := baseState()
		st.Models.Resolver = &fakeResolver{chat: mock}
		st.SystemPrefix = "prefix"

		if _, err := Execute(context.Background(), st, Step{
			Type: KindNeuron,
			Config: mustRaw(t, map[string]any{
				"systemPrompt": "base", "userPrompt": "x", "outputField": "out",
			}),
		}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got := mock.LastMessages[0].Content; got != "prefix\n\nbase" {
			t.Errorf("system message = %q", got)
		}
	})

	t.Run("prebuilt message list with system replacement", func(t *testing.T) {
		mock := model.NewMockChatModel("ok")
		st := baseState()
		st.Models.Resolver = &fakeResolver{chat: mock}
		st.Data["history"] = []any{
			map[string]any{"role": "system", "content": "old"},
			map[string]any{"role": "user", "content": "hi"},
		}

		if _, err := Execute(context.Background(), st, Step{
			Type: KindNeuron,
			Config: mustRaw(t, map[string]any{
				"systemPrompt": "new system",
				"userPrompt":   "{{state.data.history}}",
				"outputField":  "out",
			}),
		}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		msgs := mock.LastMessages
		if len(msgs) != 2 {
			t.Fatalf("got %d messages, want 2", len(msgs))
		}
		if msgs[0].Role != model.RoleSystem || msgs[0].Content != "new system" {
			t.Errorf("system message = %+v", msgs[0])
		}
		if msgs[1].Content != "hi" {
			t.Errorf("user message = %+v", msgs[1])
		}
	})

	t.Run("structured output parses JSON", func(t *testing.T) {
		mock := model.NewMockChatModel("```json\n{\"intent\": \"search\"}\n```")
		st := baseState()
		st.Models.Resolver = &fakeResolver{chat: mock}

		delta, err := Execute(context.Background(), st, Step{
			Type: KindNeuron,
			Config: mustRaw(t, map[string]any{
				"userPrompt":  "classify",
				"outputField": "classification",
				"structuredOutput": map[string]any{
					"schema": map[string]any{"type": "object"},
				},
			}),
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		got, ok := dataField(t, delta, "classification").(map[string]any)
		if !ok || got["intent"] != "search" {
			t.Errorf("classification = %#v", dataField(t, delta, "classification"))
		}
		if mock.LastOptions == nil || mock.LastOptions.ResponseSchema == nil {
			t.Error("schema not forwarded to model")
		}
	})

	t.Run("retry then fallback", func(t *testing.T) {
		mock := model.NewMockChatModel()
		mock.QueueError(errors.New("boom"))
		mock.QueueError(errors.New("boom"))
		st := baseState()
		st.Models.Resolver = &fakeResolver{chat: mock}

		delta, err := Execute(context.Background(), st, Step{
			Type: KindNeuron,
			Config: mustRaw(t, map[string]any{
				"userPrompt": "x", "outputField": "out",
				"errorHandling": map[string]any{
					"retry": 1, "onError": "fallback", "fallbackValue": "n/a",
				},
			}),
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if mock.Calls() != 2 {
			t.Errorf("calls = %d, want 2", mock.Calls())
		}
		if got := dataField(t, delta, "out"); got != "n/a" {
			t.Errorf("out = %v, want fallback", got)
		}
	})
}

func TestToolStep(t *testing.T) {
	t.Run("renders params and forwards metadata", func(t *testing.T) {
		inv := &fakeInvoker{result: map[string]any{"ok": true}}
		st := baseState()
		st.Models.Tools = inv
		st.Data["topic"] = "go"

		delta, err := Execute(context.Background(), st, Step{
			Type: KindTool,
			Config: mustRaw(t, map[string]any{
				"toolName":    "web_search",
				"parameters":  map[string]any{"q": "about {{state.data.topic}}"},
				"outputField": "results",
			}),
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if inv.lastName != "web_search" {
			t.Errorf("tool name = %q", inv.lastName)
		}
		if inv.lastArgs["q"] != "about go" {
			t.Errorf("rendered args = %v", inv.lastArgs)
		}
		if inv.lastMeta.GenerationID != "g1" || inv.lastMeta.ConversationID != "c1" {
			t.Errorf("meta = %+v", inv.lastMeta)
		}
		got, _ := dataField(t, delta, "results").(map[string]any)
		if got == nil || got["ok"] != true {
			t.Errorf("results = %#v", dataField(t, delta, "results"))
		}
	})

	t.Run("unwraps single text content as JSON", func(t *testing.T) {
		inv := &fakeInvoker{result: map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": `{"items": [1, 2]}`},
			},
		}}
		st := baseState()
		st.Models.Tools = inv

		delta, err := Execute(context.Background(), st, Step{
			Type: KindTool,
			Config: mustRaw(t, map[string]any{
				"toolName": "t", "outputField": "out",
			}),
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		got, ok := dataField(t, delta, "out").(map[string]any)
		if !ok {
			t.Fatalf("out = %#v", dataField(t, delta, "out"))
		}
		items, _ := got["items"].([]any)
		if len(items) != 2 {
			t.Errorf("items = %v", got["items"])
		}
	})

	t.Run("plain text content stays a string", func(t *testing.T) {
		inv := &fakeInvoker{result: map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "just words"}},
		}}
		st := baseState()
		st.Models.Tools = inv

		delta, err := Execute(context.Background(), st, Step{
			Type:   KindTool,
			Config: mustRaw(t, map[string]any{"toolName": "t", "outputField": "out"}),
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got := dataField(t, delta, "out"); got != "just words" {
			t.Errorf("out = %v", got)
		}
	})

	t.Run("legacy retryOnError maps to policy", func(t *testing.T) {
		inv := &fakeInvoker{err: errors.New("down")}
		st := baseState()
		st.Models.Tools = inv

		_, err := Execute(context.Background(), st, Step{
			Type: KindTool,
			Config: mustRaw(t, map[string]any{
				"toolName": "t", "outputField": "out",
				"retryOnError": true, "maxRetries": 2,
			}),
		})
		if err == nil {
			t.Fatal("want error after retries exhausted")
		}
		if inv.calls != 3 {
			t.Errorf("calls = %d, want 3 (initial + 2 retries)", inv.calls)
		}
	})
}

func TestTransformStep(t *testing.T) {
	run := func(t *testing.T, st state.State, cfg map[string]any) (state.Delta, error) {
		t.Helper()
		return Execute(context.Background(), st, Step{
			Type:   KindTransform,
			Config: mustRaw(t, cfg),
		})
	}

	t.Run("map renders per element", func(t *testing.T) {
		st := baseState()
		st.Data["names"] = []any{"ada", "alan"}
		delta, err := run(t, st, map[string]any{
			"operation": "map", "inputField": "names",
			"transform": "hi {{item}} ({{index}})", "outputField": "greetings",
		})
		if err != nil {
			t.Fatalf("map: %v", err)
		}
		got, _ := dataField(t, delta, "greetings").([]any)
		if len(got) != 2 || got[0] != "hi ada (0)" || got[1] != "hi alan (1)" {
			t.Errorf("greetings = %v", got)
		}
	})

	t.Run("filter keeps truthy elements", func(t *testing.T) {
		st := baseState()
		st.Data["items"] = []any{
			map[string]any{"score": 5.0},
			map[string]any{"score": 1.0},
			map[string]any{"score": 9.0},
		}
		delta, err := run(t, st, map[string]any{
			"operation": "filter", "inputField": "items",
			"filterCondition": "item.score > 3", "outputField": "kept",
		})
		if err != nil {
			t.Fatalf("filter: %v", err)
		}
		got, _ := dataField(t, delta, "kept").([]any)
		if len(got) != 2 {
			t.Errorf("kept %d elements, want 2: %v", len(got), got)
		}
	})

	t.Run("select extracts per element", func(t *testing.T) {
		st := baseState()
		st.Data["results"] = []any{
			map[string]any{"meta": map[string]any{"url": "a"}},
			map[string]any{"meta": map[string]any{"url": "b"}},
		}
		delta, err := run(t, st, map[string]any{
			"operation": "select", "inputField": "results",
			"field": "meta.url", "outputField": "urls",
		})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		got, _ := dataField(t, delta, "urls").([]any)
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Errorf("urls = %v", got)
		}
	})

	t.Run("set evaluates expression values", func(t *testing.T) {
		st := baseState()
		st.Data["count"] = 5.0
		delta, err := run(t, st, map[string]any{
			"operation": "set", "value": "{{data.count > 3}}", "outputField": "big",
		})
		if err != nil {
			t.Fatalf("set: %v", err)
		}
		if got := dataField(t, delta, "big"); got != true {
			t.Errorf("big = %v, want true", got)
		}
	})

	t.Run("set keeps resolved type for plain path", func(t *testing.T) {
		st := baseState()
		st.Data["obj"] = map[string]any{"k": "v"}
		delta, err := run(t, st, map[string]any{
			"operation": "set", "value": "{{state.data.obj}}", "outputField": "copy",
		})
		if err != nil {
			t.Fatalf("set: %v", err)
		}
		got, _ := dataField(t, delta, "copy").(map[string]any)
		if got == nil || got["k"] != "v" {
			t.Errorf("copy = %#v", dataField(t, delta, "copy"))
		}
	})

	t.Run("parse-json recovers embedded object", func(t *testing.T) {
		st := baseState()
		st.Data["raw"] = "Sure! Here is the plan: {\"steps\": [\"a\", \"b\"]} hope it helps"
		delta, err := run(t, st, map[string]any{
			"operation": "parse-json", "inputField": "raw", "outputField": "plan",
		})
		if err != nil {
			t.Fatalf("parse-json: %v", err)
		}
		got, _ := dataField(t, delta, "plan").(map[string]any)
		if got == nil {
			t.Fatalf("plan = %#v", dataField(t, delta, "plan"))
		}
		steps, _ := got["steps"].([]any)
		if len(steps) != 2 {
			t.Errorf("steps = %v", got["steps"])
		}
	})

	t.Run("parse-json fails on non-JSON", func(t *testing.T) {
		st := baseState()
		st.Data["raw"] = "no json here"
		if _, err := run(t, st, map[string]any{
			"operation": "parse-json", "inputField": "raw", "outputField": "out",
		}); err == nil {
			t.Fatal("want error for non-JSON input")
		}
	})

	t.Run("append creates and extends", func(t *testing.T) {
		st := baseState()
		delta, err := run(t, st, map[string]any{
			"operation": "append", "value": "first", "outputField": "log",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		got, _ := dataField(t, delta, "log").([]any)
		if len(got) != 1 || got[0] != "first" {
			t.Errorf("log = %v", got)
		}

		st.Data["log"] = []any{"first"}
		delta, err = run(t, st, map[string]any{
			"operation": "append", "value": "second", "outputField": "log",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		got, _ = dataField(t, delta, "log").([]any)
		if len(got) != 2 || got[1] != "second" {
			t.Errorf("log = %v", got)
		}
	})

	t.Run("concat with fallback", func(t *testing.T) {
		st := baseState()
		st.Data["a"] = []any{1.0, 2.0}
		delta, err := run(t, st, map[string]any{
			"operation": "concat", "inputField": "a", "secondField": "missing",
			"secondFallback": []any{3.0}, "outputField": "all",
		})
		if err != nil {
			t.Fatalf("concat: %v", err)
		}
		got, _ := dataField(t, delta, "all").([]any)
		if len(got) != 3 {
			t.Errorf("all = %v", got)
		}
	})

	t.Run("build-messages from templates", func(t *testing.T) {
		st := baseState()
		delta, err := run(t, st, map[string]any{
			"operation": "build-messages",
			"messages": []any{
				map[string]any{"role": "system", "content": "be terse"},
				map[string]any{"role": "user", "content": "{{state.query.message}}"},
			},
			"outputField": "prompt",
		})
		if err != nil {
			t.Fatalf("build-messages: %v", err)
		}
		got, _ := dataField(t, delta, "prompt").([]any)
		if len(got) != 2 {
			t.Fatalf("prompt = %v", got)
		}
		last, _ := got[1].(map[string]any)
		if last["content"] != "hello" {
			t.Errorf("rendered content = %v", last["content"])
		}
	})

	t.Run("object result without outputField becomes delta", func(t *testing.T) {
		st := baseState()
		st.Data["obj"] = map[string]any{"data.plan": "p", "nextRoute": "done"}
		delta, err := run(t, st, map[string]any{
			"operation": "set", "value": "{{state.data.obj}}",
		})
		if err != nil {
			t.Fatalf("set: %v", err)
		}
		if got := dataField(t, delta, "plan"); got != "p" {
			t.Errorf("plan = %v", got)
		}
		if delta["nextRoute"] != "done" {
			t.Errorf("nextRoute = %v", delta["nextRoute"])
		}
	})
}

func TestConditionalStep(t *testing.T) {
	st := baseState()
	st.Data["score"] = 7.0

	delta, err := Execute(context.Background(), st, Step{
		Type: KindConditional,
		Config: mustRaw(t, map[string]any{
			"condition": "data.score >= 5", "setField": "grade",
			"trueValue": "pass", "falseValue": "fail",
		}),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := dataField(t, delta, "grade"); got != "pass" {
		t.Errorf("grade = %v, want pass", got)
	}

	st.Data["score"] = 2.0
	delta, err = Execute(context.Background(), st, Step{
		Type: KindConditional,
		Config: mustRaw(t, map[string]any{
			"condition": "data.score >= 5", "setField": "grade",
			"trueValue": "pass", "falseValue": "fail",
		}),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := dataField(t, delta, "grade"); got != "fail" {
		t.Errorf("grade = %v, want fail", got)
	}
}

func TestStepCondition(t *testing.T) {
	st := baseState()
	st.Data["enabled"] = false
	inv := &fakeInvoker{result: "x"}
	st.Models.Tools = inv

	delta, err := Execute(context.Background(), st, Step{
		Type:      KindTool,
		Condition: "data.enabled === true",
		Config:    mustRaw(t, map[string]any{"toolName": "t", "outputField": "out"}),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(delta) != 0 {
		t.Errorf("skipped step produced delta %v", delta)
	}
	if inv.calls != 0 {
		t.Error("tool called despite falsy condition")
	}
}

func TestLoopStep(t *testing.T) {
	t.Run("iterates until exit condition", func(t *testing.T) {
		st := baseState()
		st.Models.Tools = &countingInvoker{}

		delta, err := Execute(context.Background(), st, Step{
			Type: KindLoop,
			Config: mustRaw(t, map[string]any{
				"maxIterations": 10,
				"exitCondition": "data.result >= 3",
				"steps": []any{
					map[string]any{
						"type":   "tool",
						"config": map[string]any{"toolName": "count", "outputField": "result"},
					},
				},
				"accumulatorField": "result",
			}),
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if got := dataField(t, delta, "loopIterations"); got != 3 {
			t.Errorf("loopIterations = %v, want 3", got)
		}
		if got := dataField(t, delta, "loopExitConditionMet"); got != true {
			t.Errorf("loopExitConditionMet = %v", got)
		}
		arr, _ := dataField(t, delta, "resultArray").([]any)
		if len(arr) != 3 {
			t.Errorf("resultArray = %v", arr)
		}
		if got := dataField(t, delta, "resultCount"); got != 3 {
			t.Errorf("resultCount = %v", got)
		}
		if _, ok := dataField(t, delta, "loopIteration").(int); ok {
			t.Error("loop infrastructure key leaked into delta")
		}
	})

	t.Run("throw on max iterations", func(t *testing.T) {
		st := baseState()
		st.Models.Tools = &countingInvoker{}
		_, err := Execute(context.Background(), st, Step{
			Type: KindLoop,
			Config: mustRaw(t, map[string]any{
				"maxIterations":   2,
				"exitCondition":   "data.result >= 100",
				"onMaxIterations": "throw",
				"steps": []any{
					map[string]any{
						"type":   "tool",
						"config": map[string]any{"toolName": "count", "outputField": "result"},
					},
				},
			}),
		})
		if err == nil {
			t.Fatal("want error on unmet exit condition")
		}
	})

	t.Run("does not mutate outer state", func(t *testing.T) {
		st := baseState()
		st.Data["x"] = "before"
		st.Models.Tools = &countingInvoker{}
		_, err := Execute(context.Background(), st, Step{
			Type: KindLoop,
			Config: mustRaw(t, map[string]any{
				"maxIterations": 1,
				"steps": []any{
					map[string]any{
						"type":   "tool",
						"config": map[string]any{"toolName": "count", "outputField": "x"},
					},
				},
			}),
		})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if st.Data["x"] != "before" {
			t.Errorf("outer state mutated: x = %v", st.Data["x"])
		}
	})
}

// countingInvoker returns 1, 2, 3, ... across calls.
type countingInvoker struct{ n int }

func (c *countingInvoker) CallTool(context.Context, string, map[string]any, state.ToolMeta) (any, error) {
	c.n++
	return float64(c.n), nil
}

func TestRunNode(t *testing.T) {
	t.Run("runs steps sequentially against working state", func(t *testing.T) {
		st := baseState()
		st.Models.Tools = &fakeInvoker{result: "found"}

		raw := mustRaw(t, map[string]any{
			"name": "searcher",
			"steps": []any{
				map[string]any{
					"type":   "tool",
					"config": map[string]any{"toolName": "search", "outputField": "hits"},
				},
				map[string]any{
					"type": "transform",
					"config": map[string]any{
						"operation": "set", "value": "saw {{state.data.hits}}",
						"outputField": "note",
					},
				},
			},
		})
		delta, err := RunNode(context.Background(), st, raw)
		if err != nil {
			t.Fatalf("RunNode: %v", err)
		}
		if got := dataField(t, delta, "note"); got != "saw found" {
			t.Errorf("note = %v; second step did not see first step's output", got)
		}
		if delta["nodeCounter"] != 1 {
			t.Errorf("nodeCounter = %v, want 1", delta["nodeCounter"])
		}
	})

	t.Run("singleton config normalizes to one step", func(t *testing.T) {
		st := baseState()
		st.Models.Tools = &fakeInvoker{result: "r"}
		raw := mustRaw(t, map[string]any{
			"type":   "tool",
			"config": map[string]any{"toolName": "t", "outputField": "out"},
		})
		delta, err := RunNode(context.Background(), st, raw)
		if err != nil {
			t.Fatalf("RunNode: %v", err)
		}
		if got := dataField(t, delta, "out"); got != "r" {
			t.Errorf("out = %v", got)
		}
	})

	t.Run("resolves stored node reference", func(t *testing.T) {
		st := baseState()
		st.Models.Tools = &fakeInvoker{result: "r"}
		st.Models.Nodes = &fakeNodes{nodes: map[string]json.RawMessage{
			"shared-node": mustRaw(t, map[string]any{
				"type":   "tool",
				"config": map[string]any{"toolName": "t", "outputField": "out"},
			}),
		}}
		delta, err := RunNode(context.Background(), st, mustRaw(t, map[string]any{"nodeId": "shared-node"}))
		if err != nil {
			t.Fatalf("RunNode: %v", err)
		}
		if got := dataField(t, delta, "out"); got != "r" {
			t.Errorf("out = %v", got)
		}
	})

	t.Run("step failure routes to error handler", func(t *testing.T) {
		st := baseState()
		st.Models.Tools = &fakeInvoker{err: errors.New("tool exploded")}
		raw := mustRaw(t, map[string]any{
			"type":   "tool",
			"config": map[string]any{"toolName": "t", "outputField": "out"},
		})
		delta, err := RunNode(context.Background(), st, raw)
		if err != nil {
			t.Fatalf("RunNode should swallow step errors, got %v", err)
		}
		if got := dataField(t, delta, "nextRoute"); got != "error_handler" {
			t.Errorf("nextRoute = %v, want error_handler", got)
		}
		msg, _ := dataField(t, delta, "error").(string)
		if !strings.Contains(msg, "tool exploded") {
			t.Errorf("error = %q", msg)
		}
	})
}

func TestPolicyRetryDelay(t *testing.T) {
	st := baseState()
	attempts := 0
	p := &Policy{Retry: 2, RetryDelay: 1}
	_, err := p.run(context.Background(), &st, "out", func(int) (state.Delta, error) {
		attempts++
		return nil, errors.New("always fails")
	})
	if err == nil {
		t.Fatal("want error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestUnknownKind(t *testing.T) {
	st := baseState()
	_, err := Execute(context.Background(), st, Step{Type: "mystery", Config: mustRaw(t, map[string]any{})})
	var uk *UnknownKindError
	if !errors.As(err, &uk) {
		t.Fatalf("err = %v, want UnknownKindError", err)
	}
}
