// Package openai adapts OpenAI-compatible chat endpoints to the common
// ChatModel interface. It also serves local and custom providers, which
// speak the same wire format behind a different base URL.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/synaptic-labs/synapse/model"
)

// Client is an OpenAI-compatible ChatModel.
type Client struct {
	api openai.Client
	cfg model.NeuronConfig
}

// New creates a client for the neuron's endpoint. An empty endpoint uses
// the OpenAI platform default.
func New(cfg *model.NeuronConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	return &Client{api: openai.NewClient(opts...), cfg: *cfg}
}

func (c *Client) params(messages []model.Message, opts *model.Options) openai.ChatCompletionNewParams {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			converted = append(converted, openai.SystemMessage(m.Content))
		case model.RoleAssistant:
			converted = append(converted, openai.AssistantMessage(m.Content))
		default:
			converted = append(converted, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.cfg.Model),
		Messages: converted,
	}
	if opts == nil {
		return params
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = openai.Float(*opts.TopP)
	}
	if opts.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*opts.MaxTokens))
	}
	if opts.ResponseSchema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "response",
					Schema: opts.ResponseSchema,
				},
			},
		}
	}
	return params
}

// Chat implements model.ChatModel.
func (c *Client) Chat(ctx context.Context, messages []model.Message, opts *model.Options) (model.ChatOut, error) {
	completion, err := c.api.Chat.Completions.New(ctx, c.params(messages, opts))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, fmt.Errorf("openai chat: empty response")
	}
	return model.ChatOut{
		Text:         completion.Choices[0].Message.Content,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

// ChatStream implements model.ChatModel.
func (c *Client) ChatStream(ctx context.Context, messages []model.Message, opts *model.Options, onDelta func(string) error) (model.ChatOut, error) {
	stream := c.api.Chat.Completions.NewStreaming(ctx, c.params(messages, opts))
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onDelta(delta); err != nil {
			return model.ChatOut{}, err
		}
	}
	if err := stream.Err(); err != nil {
		return model.ChatOut{}, fmt.Errorf("openai stream: %w", err)
	}

	out := model.ChatOut{
		InputTokens:  int(acc.Usage.PromptTokens),
		OutputTokens: int(acc.Usage.CompletionTokens),
	}
	if len(acc.Choices) > 0 {
		out.Text = acc.Choices[0].Message.Content
	}
	return out, nil
}

var _ model.ChatModel = (*Client)(nil)
