// Package google adapts Google-compatible generative endpoints to the
// common ChatModel interface.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/synaptic-labs/synapse/model"
)

// Client is a Google-compatible ChatModel. The underlying SDK client is
// created per call, matching the registry's fresh-instance contract.
type Client struct {
	cfg model.NeuronConfig
}

// New creates a client for the neuron.
func New(cfg *model.NeuronConfig) *Client {
	return &Client{cfg: *cfg}
}

func (c *Client) connect(ctx context.Context) (*genai.Client, error) {
	opts := []option.ClientOption{option.WithAPIKey(c.cfg.APIKey)}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google client: %w", err)
	}
	return client, nil
}

// prepare builds the generative model and splits the conversation into
// history plus the final user turn the SDK sends separately.
func (c *Client) prepare(client *genai.Client, messages []model.Message, opts *model.Options) (*genai.ChatSession, genai.Text, error) {
	gm := client.GenerativeModel(c.cfg.Model)

	var system strings.Builder
	var history []*genai.Content
	var last string
	for i, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case model.RoleAssistant:
			history = append(history, &genai.Content{
				Role:  "model",
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		default:
			if i == len(messages)-1 {
				last = m.Content
				continue
			}
			history = append(history, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		}
	}
	if last == "" {
		return nil, "", errors.New("google chat: no user message")
	}

	if opts != nil {
		if opts.Temperature != nil {
			gm.SetTemperature(float32(*opts.Temperature))
		}
		if opts.TopP != nil {
			gm.SetTopP(float32(*opts.TopP))
		}
		if opts.MaxTokens != nil {
			gm.SetMaxOutputTokens(int32(*opts.MaxTokens))
		}
		if opts.ResponseSchema != nil {
			gm.ResponseMIMEType = "application/json"
			schema, _ := json.Marshal(opts.ResponseSchema)
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString("Respond with a single JSON value conforming to this JSON Schema:\n")
			system.Write(schema)
		}
	}
	if system.Len() > 0 {
		gm.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system.String())},
		}
	}

	session := gm.StartChat()
	session.History = history
	return session, genai.Text(last), nil
}

// Chat implements model.ChatModel.
func (c *Client) Chat(ctx context.Context, messages []model.Message, opts *model.Options) (model.ChatOut, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return model.ChatOut{}, err
	}
	defer client.Close()

	session, last, err := c.prepare(client, messages, opts)
	if err != nil {
		return model.ChatOut{}, err
	}
	resp, err := session.SendMessage(ctx, last)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("google chat: %w", err)
	}
	out := model.ChatOut{Text: responseText(resp)}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// ChatStream implements model.ChatModel.
func (c *Client) ChatStream(ctx context.Context, messages []model.Message, opts *model.Options, onDelta func(string) error) (model.ChatOut, error) {
	client, err := c.connect(ctx)
	if err != nil {
		return model.ChatOut{}, err
	}
	defer client.Close()

	session, last, err := c.prepare(client, messages, opts)
	if err != nil {
		return model.ChatOut{}, err
	}

	iter := session.SendMessageStream(ctx, last)
	var text strings.Builder
	out := model.ChatOut{}
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return model.ChatOut{}, fmt.Errorf("google stream: %w", err)
		}
		chunk := responseText(resp)
		if chunk != "" {
			text.WriteString(chunk)
			if err := onDelta(chunk); err != nil {
				return model.ChatOut{}, err
			}
		}
		if resp.UsageMetadata != nil {
			out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}
	out.Text = text.String()
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}
	return text.String()
}

var _ model.ChatModel = (*Client)(nil)
