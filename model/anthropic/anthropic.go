// Package anthropic adapts Anthropic-compatible endpoints to the common
// ChatModel interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/synaptic-labs/synapse/model"
)

// defaultMaxTokens applies when neither the call nor the neuron sets a
// limit; the Messages API requires one.
const defaultMaxTokens = 4096

// Client is an Anthropic-compatible ChatModel.
type Client struct {
	api anthropic.Client
	cfg model.NeuronConfig
}

// New creates a client for the neuron's endpoint.
func New(cfg *model.NeuronConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	return &Client{api: anthropic.NewClient(opts...), cfg: *cfg}
}

func (c *Client) params(messages []model.Message, opts *model.Options) anthropic.MessageNewParams {
	var system strings.Builder
	converted := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			// The Messages API takes system text out of band.
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case model.RoleAssistant:
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(defaultMaxTokens)
	if opts != nil && opts.MaxTokens != nil {
		maxTokens = int64(*opts.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: maxTokens,
		Messages:  converted,
	}
	if opts != nil {
		if opts.Temperature != nil {
			params.Temperature = anthropic.Float(*opts.Temperature)
		}
		if opts.TopP != nil {
			params.TopP = anthropic.Float(*opts.TopP)
		}
		if opts.ResponseSchema != nil {
			// No native JSON mode; the schema is enforced via the
			// system prompt.
			schema, _ := json.Marshal(opts.ResponseSchema)
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString("Respond with a single JSON value conforming to this JSON Schema, with no surrounding text:\n")
			system.Write(schema)
		}
	}
	if system.Len() > 0 {
		params.System = []anthropic.TextBlockParam{{Text: system.String()}}
	}
	return params
}

// Chat implements model.ChatModel.
func (c *Client) Chat(ctx context.Context, messages []model.Message, opts *model.Options) (model.ChatOut, error) {
	msg, err := c.api.Messages.New(ctx, c.params(messages, opts))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic chat: %w", err)
	}
	return chatOut(msg), nil
}

// ChatStream implements model.ChatModel.
func (c *Client) ChatStream(ctx context.Context, messages []model.Message, opts *model.Options, onDelta func(string) error) (model.ChatOut, error) {
	stream := c.api.Messages.NewStreaming(ctx, c.params(messages, opts))
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return model.ChatOut{}, fmt.Errorf("anthropic stream: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if err := onDelta(delta.Text); err != nil {
					return model.ChatOut{}, err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic stream: %w", err)
	}
	return chatOut(&message), nil
}

func chatOut(msg *anthropic.Message) model.ChatOut {
	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return model.ChatOut{
		Text:         text.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
}

var _ model.ChatModel = (*Client)(nil)
