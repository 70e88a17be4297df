// Package orchestrator is the front door of the runtime: it resolves user
// settings and the requested workflow, starts a generation, dispatches the
// compiled graph, and coordinates persistence and background tasks around
// the response.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/synaptic-labs/synapse/graph"
	"github.com/synaptic-labs/synapse/model"
	"github.com/synaptic-labs/synapse/registry"
	"github.com/synaptic-labs/synapse/state"
	"github.com/synaptic-labs/synapse/store"
	"github.com/synaptic-labs/synapse/stream"
)

// System fallbacks used when user settings are missing or incomplete.
const (
	SystemDefaultGraphID = "system_default"
	SystemSimpleGraphID  = "system_simple"

	defaultChatNeuronID   = "system-chat"
	defaultWorkerNeuronID = "system-worker"

	// lowestTier is the account tier assumed for users without settings.
	lowestTier = 4
)

const (
	// generationTimeout caps one generation's wall-clock time.
	generationTimeout = 60 * time.Second
	// backgroundTimeout caps the post-response summarization tasks.
	backgroundTimeout = 60 * time.Second
)

// conversationNamespace seeds deterministic conversation ids so a retried
// first message lands in the same conversation.
var conversationNamespace = uuid.MustParse("86df9a2c-6f4e-5b0a-9c3d-0e8f415a7b19")

// Options wires the orchestrator's collaborators.
type Options struct {
	Store     store.Store
	Workflows *registry.Workflows
	Neurons   *registry.Neurons
	Cache     stream.Cache
	Tools     state.ToolInvoker

	StreamMetrics *stream.Metrics
	Logger        *slog.Logger

	// SystemPrompt is the process-wide prompt exposed to graphs as
	// data.systemPrompt.
	SystemPrompt string
	// DefaultGraphID overrides SystemDefaultGraphID.
	DefaultGraphID string

	// MaxContextTokens caps the context window requested from the history
	// server; SummaryCushionTokens is the headroom reserved for the running
	// summary. Zero leaves the history server's own defaults in charge.
	MaxContextTokens     int
	SummaryCushionTokens int
}

// Orchestrator handles one Respond call per incoming request. It is safe
// for concurrent use.
type Orchestrator struct {
	store     store.Store
	workflows *registry.Workflows
	neurons   *registry.Neurons
	cache     stream.Cache
	tools     state.ToolInvoker

	streamMetrics *stream.Metrics
	log           *slog.Logger

	systemPrompt   string
	defaultGraphID string

	maxContextTokens     int
	summaryCushionTokens int

	messages *messageStore
	memory   *toolMemory
	cancels  *cancelRegistry
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	defaultGraphID := opts.DefaultGraphID
	if defaultGraphID == "" {
		defaultGraphID = SystemDefaultGraphID
	}
	return &Orchestrator{
		store:                opts.Store,
		workflows:            opts.Workflows,
		neurons:              opts.Neurons,
		cache:                opts.Cache,
		tools:                opts.Tools,
		streamMetrics:        opts.StreamMetrics,
		log:                  log,
		systemPrompt:         opts.SystemPrompt,
		defaultGraphID:       defaultGraphID,
		maxContextTokens:     opts.MaxContextTokens,
		summaryCushionTokens: opts.SummaryCushionTokens,
		messages:             &messageStore{tools: opts.Tools, log: log},
		memory: &toolMemory{
			tools:     opts.Tools,
			log:       log,
			maxTokens: opts.MaxContextTokens,
		},
		cancels: newCancelRegistry(),
	}
}

type generation struct {
	conversationID     string
	generationID       string
	userMessageID      string
	assistantMessageID string
	compiled           *graph.Compiled
	st                 state.State
}

func (g *generation) meta() state.ToolMeta {
	return state.ToolMeta{
		ConversationID: g.conversationID,
		GenerationID:   g.generationID,
		MessageID:      g.assistantMessageID,
	}
}

// Respond runs the request to completion and returns the final assistant
// message. Streaming callers use RespondStream instead.
func (o *Orchestrator) Respond(ctx context.Context, query state.Query, opts state.Options) (*model.Message, error) {
	gen, err := o.prepare(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, gen)
}

// RespondStream runs the request and returns its transport event stream.
// The first event is metadata carrying the conversation and generation ids;
// the stream ends after a complete or error event.
func (o *Orchestrator) RespondStream(ctx context.Context, query state.Query, opts state.Options) (<-chan stream.Event, error) {
	gen, err := o.prepare(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	events, cancelSub, err := o.cache.Subscribe(ctx, gen.assistantMessageID)
	if err != nil {
		finishCtx := context.WithoutCancel(ctx)
		_ = o.cache.FailGeneration(finishCtx, gen.assistantMessageID, err.Error())
		return nil, err
	}

	out := make(chan stream.Event, 64)
	out <- stream.Event{
		Type: stream.EventMetadata,
		Metadata: map[string]any{
			"conversationId": gen.conversationID,
			"generationId":   gen.generationID,
		},
	}
	go func() {
		defer close(out)
		defer cancelSub()
		for ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		if _, err := o.execute(ctx, gen); err != nil {
			o.log.Warn("generation failed",
				"generationId", gen.generationID, "error", err)
		}
	}()
	return out, nil
}

// AbortStream cancels the in-flight generation. Any blocked LM or tool call
// under it unblocks, and the generation transitions to error.
func (o *Orchestrator) AbortStream(generationID string) error {
	if !o.cancels.abort(generationID) {
		return fmt.Errorf("no active generation %s", generationID)
	}
	return nil
}

// prepare resolves settings and the workflow, assigns ids, claims the
// generation slot, and assembles the initial state.
func (o *Orchestrator) prepare(ctx context.Context, query state.Query, opts state.Options) (*generation, error) {
	if opts.UserID == "" {
		return nil, errors.New("userId is required")
	}
	if query.Message == "" {
		return nil, errors.New("query message is required")
	}

	tier := lowestTier
	defaultGraphID := o.defaultGraphID
	chatNeuronID := defaultChatNeuronID
	workerNeuronID := defaultWorkerNeuronID
	settings, err := o.store.UserSettings(ctx, opts.UserID)
	switch {
	case err == nil:
		tier = settings.Tier
		if settings.DefaultGraphID != "" {
			defaultGraphID = settings.DefaultGraphID
		}
		if settings.DefaultNeuronID != "" {
			chatNeuronID = settings.DefaultNeuronID
		}
		if settings.DefaultWorkerNeuronID != "" {
			workerNeuronID = settings.DefaultWorkerNeuronID
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		o.log.Warn("settings load failed, using defaults",
			"userId", opts.UserID, "error", err)
	}

	graphID := opts.GraphID
	if graphID == "" {
		graphID = defaultGraphID
	}
	compiled, err := o.workflows.Resolve(ctx, graphID, opts.UserID)
	if err != nil && graphID != o.defaultGraphID &&
		(errors.Is(err, store.ErrNotFound) || errors.Is(err, registry.ErrAccessDenied)) {
		o.log.Info("graph unavailable, falling back to system default",
			"graphId", graphID, "userId", opts.UserID, "error", err)
		compiled, err = o.workflows.Resolve(ctx, o.defaultGraphID, opts.UserID)
	}
	if err != nil {
		return nil, err
	}

	gen := &generation{
		conversationID:     opts.ConversationID,
		generationID:       uuid.NewString(),
		userMessageID:      opts.UserMessageID,
		assistantMessageID: opts.MessageID,
		compiled:           compiled,
	}
	if gen.conversationID == "" {
		gen.conversationID = deterministicConversationID(opts.UserID, query.Message)
	}
	if gen.userMessageID == "" {
		gen.userMessageID = uuid.NewString()
	}
	if gen.assistantMessageID == "" {
		gen.assistantMessageID = uuid.NewString()
	}

	if err := o.cache.StartGeneration(ctx, gen.conversationID, gen.assistantMessageID); err != nil {
		return nil, err
	}

	o.messages.save(ctx, gen.meta(), gen.userMessageID, model.RoleUser, query.Message, nil)
	contextMessages, summary, _ := o.memory.Context(ctx, gen.conversationID)

	opts.ConversationID = gen.conversationID
	opts.MessageID = gen.assistantMessageID
	opts.UserMessageID = gen.userMessageID
	gen.st = state.State{
		Query:       query,
		Options:     opts,
		UserID:      opts.UserID,
		AccountTier: tier,
		Models: state.Models{
			Resolver: o.neurons,
			Tools:    o.tools,
			Nodes:    &nodeSource{store: o.store},
			Memory:   o.memory,
		},
		Log:             o.log.With("generationId", gen.generationID),
		ContextMessages: contextMessages,
		ContextSummary:  summary,
		Data: map[string]any{
			"currentDate":  time.Now().Format("2006-01-02"),
			"systemPrompt": o.systemPrompt,
		},
		MessageID:             gen.assistantMessageID,
		GenerationID:          gen.generationID,
		ConversationID:        gen.conversationID,
		DefaultNeuronID:       chatNeuronID,
		DefaultWorkerNeuronID: workerNeuronID,
	}
	return gen, nil
}

// execute runs the compiled graph under the generation timeout and always
// leaves the generation completed or failed.
func (o *Orchestrator) execute(ctx context.Context, gen *generation) (*model.Message, error) {
	runCtx, cancel := context.WithTimeout(ctx, generationTimeout)
	o.cancels.register(gen.generationID, cancel)
	defer func() {
		o.cancels.release(gen.generationID)
		cancel()
	}()

	pipeline := stream.NewPipeline(runCtx, o.cache, gen.assistantMessageID, o.streamMetrics, o.log)
	gen.st.Models.Stream = pipeline

	final, err := gen.compiled.Run(runCtx, gen.st)
	if closeErr := pipeline.Close(); err == nil {
		err = closeErr
	}

	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		if failErr := o.cache.FailGeneration(finishCtx, gen.assistantMessageID, err.Error()); failErr != nil {
			o.log.Error("generation could not be marked failed",
				"messageId", gen.assistantMessageID, "error", failErr)
		}
		return nil, err
	}

	content := finalContent(&final)
	var history []state.ToolExecution
	if genState, gerr := o.cache.Generation(finishCtx, gen.assistantMessageID); gerr == nil {
		history = ReconstructToolHistory(genState.ToolEvents)
		if content == "" {
			content = genState.Content
		}
	}

	o.messages.save(finishCtx, gen.meta(), gen.assistantMessageID, model.RoleAssistant, content, history)
	metadata := map[string]any{
		"conversationId": gen.conversationID,
		"generationId":   gen.generationID,
		"content":        content,
	}
	if complErr := o.cache.CompleteGeneration(finishCtx, gen.assistantMessageID, metadata); complErr != nil {
		o.log.Error("generation could not be marked complete",
			"messageId", gen.assistantMessageID, "error", complErr)
	}

	o.spawnBackground(finishCtx, gen)
	return &model.Message{Role: model.RoleAssistant, Content: content}, nil
}

// spawnBackground dispatches summarization, executive summary, and title
// generation to the history server. The tasks outlive the caller; they run
// on a detached context bounded by their own timeout.
func (o *Orchestrator) spawnBackground(ctx context.Context, gen *generation) {
	if o.tools == nil {
		return
	}
	meta := gen.meta()
	go func() {
		taskCtx, cancel := context.WithTimeout(ctx, backgroundTimeout)
		defer cancel()
		for _, tool := range []string{toolSummarize, toolExecutiveBrief, toolGenerateTitle} {
			args := map[string]any{"conversationId": gen.conversationID}
			if tool == toolSummarize {
				if o.maxContextTokens > 0 {
					args["maxContextTokens"] = o.maxContextTokens
				}
				if o.summaryCushionTokens > 0 {
					args["summaryCushionTokens"] = o.summaryCushionTokens
				}
			}
			if _, err := o.tools.CallTool(taskCtx, tool, args, meta); err != nil {
				o.log.Debug("background task failed", "tool", tool, "error", err)
			}
		}
	}()
}

func finalContent(st *state.State) string {
	if st.FinalResponse != "" {
		return st.FinalResponse
	}
	if st.Response != nil {
		return st.Response.Content
	}
	return ""
}

func deterministicConversationID(userID, message string) string {
	return uuid.NewSHA1(conversationNamespace, []byte(userID+"\x00"+message)).String()
}

// nodeSource adapts the persistent store to the engine's node reference
// lookup.
type nodeSource struct {
	store store.Store
}

func (n *nodeSource) ResolveNode(ctx context.Context, nodeID string) (json.RawMessage, error) {
	node, err := n.store.FindNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return node.Config, nil
}

var _ state.NodeResolver = (*nodeSource)(nil)
