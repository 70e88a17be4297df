// Package state defines the per-request runtime state tree that flows
// through a workflow graph, together with the deep-merge reducer that is
// the only sanctioned way to mutate it.
package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/synaptic-labs/synapse/model"
)

// Query is the user input for one request.
type Query struct {
	Message string `json:"message"`
}

// Options are the caller-supplied knobs for one request.
type Options struct {
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	UserMessageID  string `json:"userMessageId,omitempty"`
	UserID         string `json:"userId"`
	GraphID        string `json:"graphId,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
	Source         string `json:"source,omitempty"`
}

// ToolMeta is the call metadata forwarded with every tool invocation so the
// tool side can attribute side effects to a generation.
type ToolMeta struct {
	ConversationID string `json:"conversationId,omitempty"`
	GenerationID   string `json:"generationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
}

// ToolExecution is one reconstructed tool call in an assistant message's
// history: start, progress, then complete or error, grouped by ToolID.
type ToolExecution struct {
	ToolID     string         `json:"toolId"`
	ToolName   string         `json:"toolName"`
	Status     string         `json:"status"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ModelResolver hands out LM instances and configs per (neuronID, userID).
// Implemented by the neuron registry.
type ModelResolver interface {
	Model(ctx context.Context, neuronID, userID string) (model.ChatModel, error)
	Config(ctx context.Context, neuronID, userID string) (*model.NeuronConfig, error)
}

// ToolInvoker routes a tool call by name to whichever child process serves
// it. Implemented by the tool process pool.
type ToolInvoker interface {
	CallTool(ctx context.Context, name string, args map[string]any, meta ToolMeta) (any, error)
}

// Publisher receives stream-visible output from executing steps and fans it
// out to the shared cache and any live subscriber. Implemented by the
// generation pipeline.
type Publisher interface {
	// Token delivers a raw LM token chunk from a step whose output is
	// user-visible. The pipeline owns thinking extraction and batching.
	Token(ctx context.Context, chunk string) error
	// Status publishes a status event (e.g. "thinking", "searching").
	Status(ctx context.Context, action, description string)
	// ToolEvent publishes a structured tool lifecycle event.
	ToolEvent(ctx context.Context, event map[string]any)
	// ToolStatus publishes a coarse tool status change.
	ToolStatus(ctx context.Context, status, action string)
}

// NodeResolver loads reusable universal-node configs by id. Implemented by
// the persistent store.
type NodeResolver interface {
	ResolveNode(ctx context.Context, nodeID string) (json.RawMessage, error)
}

// Memory is the conversation history surface the workflow reads from.
// Implemented by the orchestrator on top of the history tool.
type Memory interface {
	// Context returns the ordered context messages and running summary for
	// a conversation.
	Context(ctx context.Context, conversationID string) ([]model.Message, string, error)
}

// State is the per-request tree that flows through the graph. It is created
// by the orchestrator at request entry, mutated only through Reduce, and
// discarded at generation completion.
//
// Handle fields are excluded from serialization: they are infrastructure,
// not data, and survive reduction untouched (last non-nil wins).
type State struct {
	Query       Query   `json:"query"`
	Options     Options `json:"options"`
	UserID      string  `json:"userId"`
	AccountTier int     `json:"accountTier"`

	Models Models       `json:"-"`
	Log    *slog.Logger `json:"-"`

	ContextMessages []model.Message `json:"contextMessages,omitempty"`
	ContextSummary  string          `json:"contextSummary,omitempty"`

	Data          map[string]any  `json:"data,omitempty"`
	Messages      []model.Message `json:"messages,omitempty"`
	Response      *model.Message  `json:"response,omitempty"`
	NextRoute     string          `json:"nextRoute,omitempty"`
	FinalResponse string          `json:"finalResponse,omitempty"`

	NodeCounter      int `json:"nodeCounter,omitempty"`
	CurrentStepIndex int `json:"currentStepIndex,omitempty"`
	SearchIterations int `json:"searchIterations,omitempty"`

	MessageID      string `json:"messageId,omitempty"`
	GenerationID   string `json:"generationId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`

	DefaultNeuronID       string `json:"defaultNeuronId,omitempty"`
	DefaultWorkerNeuronID string `json:"defaultWorkerNeuronId,omitempty"`

	// StreamVisible gates whether the currently executing step's tokens
	// are forwarded to the transport. Set per step by the universal node.
	StreamVisible bool `json:"-"`

	// SystemPrefix is the per-node system prompt prefix injected before
	// each node's steps run.
	SystemPrefix string `json:"-"`
}

// Models bundles the component handles carried by the state. Grouping them
// keeps the State literal readable at the orchestrator call site.
type Models struct {
	Resolver ModelResolver
	Tools    ToolInvoker
	Stream   Publisher
	Nodes    NodeResolver
	Memory   Memory
}

// Logger returns the state's logger, or slog.Default when unset.
func (s *State) Logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// Meta returns the tool call metadata for this request.
func (s *State) Meta() ToolMeta {
	return ToolMeta{
		ConversationID: s.ConversationID,
		GenerationID:   s.GenerationID,
		MessageID:      s.MessageID,
	}
}

// View materializes the readable tree used by template rendering and
// expression evaluation. Keys mirror the serialized field names; handles
// are omitted.
func (s *State) View() map[string]any {
	return map[string]any{
		"query":            map[string]any{"message": s.Query.Message},
		"options":          s.Options,
		"userId":           s.UserID,
		"accountTier":      s.AccountTier,
		"contextMessages":  s.ContextMessages,
		"contextSummary":   s.ContextSummary,
		"data":             s.Data,
		"messages":         s.Messages,
		"response":         s.Response,
		"nextRoute":        s.NextRoute,
		"finalResponse":    s.FinalResponse,
		"nodeCounter":      s.NodeCounter,
		"currentStepIndex": s.CurrentStepIndex,
		"searchIterations": s.SearchIterations,
		"messageId":        s.MessageID,
		"generationId":     s.GenerationID,
		"conversationId":   s.ConversationID,
		"defaultNeuronId":  s.DefaultNeuronID,
	}
}

// Lookup resolves a dot-separated path against the state tree. A leading
// "state." segment is stripped. Paths that do not resolve at the top level
// are retried under "data." so node outputs can be referenced without the
// prefix.
func (s *State) Lookup(path string) (any, bool) {
	path = strings.TrimPrefix(path, "state.")
	view := s.View()
	if v, ok := descend(view, strings.Split(path, ".")); ok {
		return v, true
	}
	if !strings.HasPrefix(path, "data.") {
		if v, ok := descend(view, append([]string{"data"}, strings.Split(path, ".")...)); ok {
			return v, true
		}
	}
	return nil, false
}

// Descend walks a dot-path through an arbitrary value. Typed values
// encountered mid-path are converted through their JSON form so struct
// fields remain addressable by their serialized names.
func Descend(root any, segments []string) (any, bool) {
	return descend(root, segments)
}

// descend walks a path through nested maps. Typed values encountered
// mid-path are converted through their JSON form so struct fields remain
// addressable by their serialized names.
func descend(root any, segments []string) (any, bool) {
	cur := root
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			m, ok = toMap(cur)
			if !ok {
				return nil, false
			}
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toMap(v any) (map[string]any, bool) {
	if v == nil {
		return nil, false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return m, true
}
