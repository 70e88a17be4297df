package step

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/synaptic-labs/synapse/model"
	"github.com/synaptic-labs/synapse/state"
	"github.com/synaptic-labs/synapse/tmpl"
)

// NeuronConfig configures an LM call step.
type NeuronConfig struct {
	NeuronID     string   `json:"neuronId,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	UserPrompt   string   `json:"userPrompt"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
	OutputField  string   `json:"outputField"`
	// Stream marks this step's tokens user-visible: chunks are forwarded
	// to the transport and accumulate into the generation's content.
	Stream           bool              `json:"stream,omitempty"`
	StructuredOutput *StructuredOutput `json:"structuredOutput,omitempty"`
	ErrorHandling    *Policy           `json:"errorHandling,omitempty"`
}

// StructuredOutput requests schema-conforming JSON from the LM. The call
// runs in non-streaming mode and the result is stored verbatim.
type StructuredOutput struct {
	Schema map[string]any `json:"schema"`
	Method string         `json:"method,omitempty"`
}

func executeNeuron(ctx context.Context, st state.State, raw json.RawMessage) (state.Delta, error) {
	var cfg NeuronConfig
	if err := decode(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.UserPrompt == "" {
		return nil, fmt.Errorf("neuron step: userPrompt is required")
	}
	if cfg.OutputField == "" {
		return nil, fmt.Errorf("neuron step: outputField is required")
	}
	if st.Models.Resolver == nil {
		return nil, fmt.Errorf("neuron step: no model resolver configured")
	}

	neuronID := cfg.NeuronID
	if neuronID == "" {
		neuronID = st.DefaultNeuronID
	}
	if neuronID == "" {
		return nil, fmt.Errorf("neuron step: no neuronId and no default neuron")
	}

	return cfg.ErrorHandling.run(ctx, &st, cfg.OutputField, func(int) (state.Delta, error) {
		return callNeuron(ctx, st, cfg, neuronID)
	})
}

func callNeuron(ctx context.Context, st state.State, cfg NeuronConfig, neuronID string) (state.Delta, error) {
	messages, err := buildPromptMessages(&st, cfg)
	if err != nil {
		return nil, err
	}

	chat, err := st.Models.Resolver.Model(ctx, neuronID, st.UserID)
	if err != nil {
		return nil, err
	}

	opts := &model.Options{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	if nc, cerr := st.Models.Resolver.Config(ctx, neuronID, st.UserID); cerr == nil && nc != nil {
		defaults := nc.DefaultOptions()
		if opts.Temperature == nil {
			opts.Temperature = defaults.Temperature
		}
		if opts.MaxTokens == nil {
			opts.MaxTokens = defaults.MaxTokens
		}
		opts.TopP = defaults.TopP
	}

	if cfg.StructuredOutput != nil {
		opts.ResponseSchema = cfg.StructuredOutput.Schema
		out, err := chat.Chat(ctx, messages, opts)
		if err != nil {
			return nil, err
		}
		return state.DeltaAt(cfg.OutputField, parseVerbatim(out.Text)), nil
	}

	visible := cfg.Stream && st.Models.Stream != nil
	onDelta := func(string) error { return nil }
	if visible {
		onDelta = func(chunk string) error {
			return st.Models.Stream.Token(ctx, chunk)
		}
	}
	out, err := chat.ChatStream(ctx, messages, opts, onDelta)
	if err != nil {
		return nil, err
	}
	return state.DeltaAt(cfg.OutputField, out.Text), nil
}

// buildPromptMessages renders the prompts against state and assembles the
// chat message list. A userPrompt that is exactly one placeholder whose
// value is an array is taken as a pre-built message list; a supplied
// systemPrompt then replaces the leading system message or is prepended.
func buildPromptMessages(st *state.State, cfg NeuronConfig) ([]model.Message, error) {
	systemPrompt := ""
	if cfg.SystemPrompt != "" {
		rendered, err := tmpl.Render(cfg.SystemPrompt, st)
		if err != nil {
			return nil, err
		}
		systemPrompt = rendered
	}
	if st.SystemPrefix != "" {
		if systemPrompt != "" {
			systemPrompt = st.SystemPrefix + "\n\n" + systemPrompt
		} else {
			systemPrompt = st.SystemPrefix
		}
	}

	if path, ok := tmpl.ExactPath(cfg.UserPrompt); ok {
		if v, found := tmpl.Resolve(path, st, nil); found {
			if prebuilt := asMessageList(v); prebuilt != nil {
				return applySystem(prebuilt, systemPrompt), nil
			}
		}
	}

	userPrompt, err := tmpl.Render(cfg.UserPrompt, st)
	if err != nil {
		return nil, err
	}

	var messages []model.Message
	if systemPrompt != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: userPrompt})
	return messages, nil
}

func applySystem(messages []model.Message, systemPrompt string) []model.Message {
	if systemPrompt == "" {
		return messages
	}
	if len(messages) > 0 && messages[0].Role == model.RoleSystem {
		out := append([]model.Message(nil), messages...)
		out[0].Content = systemPrompt
		return out
	}
	return append([]model.Message{{Role: model.RoleSystem, Content: systemPrompt}}, messages...)
}

func asMessageList(v any) []model.Message {
	switch list := v.(type) {
	case []model.Message:
		return list
	case []any:
		out := make([]model.Message, 0, len(list))
		for _, elem := range list {
			m, ok := elem.(map[string]any)
			if !ok {
				return nil
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			if role == "" {
				return nil
			}
			out = append(out, model.Message{Role: role, Content: content})
		}
		return out
	default:
		return nil
	}
}

// parseVerbatim stores structured output: JSON text decodes to its value,
// anything else stays a string. Code fences around JSON are stripped.
func parseVerbatim(text string) any {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return text
}
