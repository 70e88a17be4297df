// Package stream implements the per-generation streaming pipeline: a shared
// cache with pub/sub fan-out for reconnect, boundary-safe extraction of
// inline thinking tags, and latency-bounded chunk batching.
package stream

// Event types delivered to transport subscribers.
const (
	// EventMetadata is the first item of an orchestrated stream, carrying
	// the conversation and generation ids before any cache-backed event.
	EventMetadata = "metadata"

	EventInit          = "init"
	EventChunk         = "chunk"
	EventStatus        = "status"
	EventToolEvent     = "tool_event"
	EventToolStatus    = "tool_status"
	EventThinkingChunk = "thinking_chunk"
	EventComplete      = "complete"
	EventError         = "error"
)

// Event is one item on a generation's event stream. Only the fields
// relevant to Type are set.
type Event struct {
	Type string `json:"type"`

	// chunk, thinking_chunk
	Content string `json:"content,omitempty"`

	// status, tool_status
	Action      string `json:"action,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`

	// tool_event
	Tool map[string]any `json:"tool,omitempty"`

	// init: content and thinking accumulated before the subscriber attached.
	ExistingContent  string `json:"existingContent,omitempty"`
	ExistingThinking string `json:"existingThinking,omitempty"`

	// complete
	Metadata map[string]any `json:"metadata,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Generation status values.
const (
	StatusGenerating = "generating"
	StatusCompleted  = "completed"
	StatusError      = "error"
)
