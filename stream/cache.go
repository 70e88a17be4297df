package stream

import (
	"context"
	"errors"
	"time"
)

// GenerationTTL bounds how long a generation's accumulated state survives
// in the shared cache after its last write.
const GenerationTTL = time.Hour

// ErrAlreadyInProgress reports a second generation attempt for a
// conversation that already has one generating.
var ErrAlreadyInProgress = errors.New("generation already in progress")

// ErrGenerationNotFound reports an operation against an unknown messageId.
var ErrGenerationNotFound = errors.New("generation not found")

// GenerationState is the durable projection of one generation, keyed by
// messageId in the shared cache.
type GenerationState struct {
	MessageID      string           `json:"messageId"`
	ConversationID string           `json:"conversationId"`
	Status         string           `json:"status"`
	Content        string           `json:"content"`
	Thinking       string           `json:"thinking"`
	ToolEvents     []map[string]any `json:"toolEvents,omitempty"`
	StartedAt      time.Time        `json:"startedAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	Error          string           `json:"error,omitempty"`
	CurrentStatus  string           `json:"currentStatus,omitempty"`
	Tokens         int              `json:"tokens,omitempty"`
}

// Cache is the shared generation cache: durable accumulation plus event
// fan-out to live subscribers. Implemented by RedisCache and MemCache.
//
// Every Publish* and Append* operation both mutates the stored state where
// applicable and delivers the corresponding event to subscribers, in
// publication order.
type Cache interface {
	// StartGeneration transitions (conversationID, messageID) to generating.
	// A conversation with a generation already in flight fails with
	// ErrAlreadyInProgress.
	StartGeneration(ctx context.Context, conversationID, messageID string) error

	// AppendContent atomically appends chunk to the accumulated content and
	// publishes a chunk event.
	AppendContent(ctx context.Context, messageID, chunk string) error

	// PublishChunk delivers a chunk event without touching the accumulated
	// content. Used for synthetic transport-only chunks.
	PublishChunk(ctx context.Context, messageID, chunk string) error

	// AppendThinking appends to the accumulated thinking text and publishes
	// a thinking_chunk event.
	AppendThinking(ctx context.Context, messageID, chunk string) error

	// PublishStatus publishes a status event and records it as the
	// generation's current status.
	PublishStatus(ctx context.Context, messageID, action, description string) error

	// PublishToolEvent appends the event to the generation's tool event log
	// and publishes a tool_event.
	PublishToolEvent(ctx context.Context, messageID string, event map[string]any) error

	// PublishToolStatus publishes a coarse tool_status event.
	PublishToolStatus(ctx context.Context, messageID, status, action string) error

	// CompleteGeneration marks the generation completed, releases the
	// conversation's in-progress hold, and publishes a complete event.
	CompleteGeneration(ctx context.Context, messageID string, metadata map[string]any) error

	// FailGeneration marks the generation errored, releases the hold, and
	// publishes an error event.
	FailGeneration(ctx context.Context, messageID, errMsg string) error

	// Generation loads the stored state for messageID.
	Generation(ctx context.Context, messageID string) (*GenerationState, error)

	// Subscribe attaches to the generation's event stream. The returned
	// channel yields an init event carrying already-accumulated content,
	// then live events until complete or error, then closes. cancel detaches
	// early and must always be called.
	Subscribe(ctx context.Context, messageID string) (events <-chan Event, cancel func(), err error)

	// Close releases the cache's resources.
	Close() error
}
