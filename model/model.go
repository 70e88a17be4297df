// Package model provides LM provider adapters behind a common chat interface.
package model

import "context"

// ChatModel is the interface implemented by every LM provider family.
//
// Implementations handle provider-specific authentication and wire formats,
// convert the common Message form to the provider's request shape, and
// respect context cancellation on every call.
type ChatModel interface {
	// Chat sends messages and returns the complete response.
	// opts may be nil, in which case provider defaults apply.
	Chat(ctx context.Context, messages []Message, opts *Options) (ChatOut, error)

	// ChatStream sends messages and invokes onDelta for each text fragment
	// as it arrives. It returns the fully accumulated response. If onDelta
	// returns an error, streaming stops and that error is returned.
	ChatStream(ctx context.Context, messages []Message, opts *Options, onDelta func(string) error) (ChatOut, error)
}

// Message is a single chat message in the common format shared by all
// provider families.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Standard role constants, aligned with the conventions of the major
// providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Options carries per-call generation parameters. Nil pointer fields fall
// back to the neuron's configured defaults, then the provider's.
type Options struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	// ResponseSchema, when non-nil, requests structured JSON output
	// conforming to the given JSON Schema. Providers that only support
	// JSON mode enforce the schema via prompt.
	ResponseSchema map[string]any
}

// ChatOut is the accumulated result of a chat call.
type ChatOut struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Usage returns total tokens consumed by the call.
func (o ChatOut) Usage() int { return o.InputTokens + o.OutputTokens }

// Provider family identifiers accepted in NeuronConfig.Provider.
const (
	ProviderLocal               = "local"
	ProviderOpenAICompatible    = "openai-compatible"
	ProviderAnthropicCompatible = "anthropic-compatible"
	ProviderGoogleCompatible    = "google-compatible"
	ProviderCustom              = "custom"
)

// NeuronRole classifies what a neuron is for. The orchestrator picks the
// chat neuron for user-visible responses and worker neurons for internal
// routing, classification, and summarization calls.
const (
	RoleChat       = "chat"
	RoleWorker     = "worker"
	RoleSpecialist = "specialist"
)

// NeuronConfig describes a named LM endpoint: which provider family it
// belongs to, where it lives, and its default sampling parameters.
//
// Tier is the minimum privilege required to use a system-owned neuron
// (0 = highest privilege, 4 = lowest). User-owned neurons are only ever
// visible to their owner.
type NeuronConfig struct {
	NeuronID        string   `json:"neuronId" bson:"neuronId"`
	OwnerID         string   `json:"ownerId" bson:"ownerId"`
	Tier            int      `json:"tier" bson:"tier"`
	Name            string   `json:"name" bson:"name"`
	Role            string   `json:"role" bson:"role"`
	Provider        string   `json:"provider" bson:"provider"`
	Endpoint        string   `json:"endpoint" bson:"endpoint"`
	Model           string   `json:"model" bson:"model"`
	APIKey          string   `json:"apiKey,omitempty" bson:"apiKey,omitempty"`
	APIKeyEncrypted bool     `json:"apiKeyEncrypted,omitempty" bson:"apiKeyEncrypted,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty" bson:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty" bson:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty" bson:"topP,omitempty"`
}

// DefaultOptions returns call options seeded from the neuron's configured
// sampling parameters.
func (c *NeuronConfig) DefaultOptions() *Options {
	return &Options{
		Temperature: c.Temperature,
		TopP:        c.TopP,
		MaxTokens:   c.MaxOutputTokens,
	}
}
