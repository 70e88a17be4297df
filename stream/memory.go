package stream

import (
	"context"
	"sync"
	"time"
)

// subscriber channels are buffered; a subscriber that falls this far behind
// starts losing events rather than blocking publishers.
const subscriberBuffer = 1024

// MemCache is an in-process Cache for tests and single-box development.
// Entries are dropped when their generation completes and GenerationTTL
// elapses on the next access, not on a timer.
type MemCache struct {
	mu          sync.Mutex
	generations map[string]*memEntry
	active      map[string]string
}

type memEntry struct {
	state    GenerationState
	subs     map[int]chan Event
	nextSub  int
	done     bool
	touched  time.Time
	terminal Event
}

// NewMemCache creates an empty cache.
func NewMemCache() *MemCache {
	return &MemCache{
		generations: make(map[string]*memEntry),
		active:      make(map[string]string),
	}
}

// StartGeneration implements Cache.
func (c *MemCache) StartGeneration(_ context.Context, conversationID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	if _, busy := c.active[conversationID]; busy {
		return ErrAlreadyInProgress
	}
	c.active[conversationID] = messageID
	c.generations[messageID] = &memEntry{
		state: GenerationState{
			MessageID:      messageID,
			ConversationID: conversationID,
			Status:         StatusGenerating,
			StartedAt:      time.Now(),
		},
		subs:    make(map[int]chan Event),
		touched: time.Now(),
	}
	return nil
}

// AppendContent implements Cache.
func (c *MemCache) AppendContent(_ context.Context, messageID, chunk string) error {
	return c.publish(messageID, Event{Type: EventChunk, Content: chunk}, func(s *GenerationState) {
		s.Content += chunk
	})
}

// PublishChunk implements Cache.
func (c *MemCache) PublishChunk(_ context.Context, messageID, chunk string) error {
	return c.publish(messageID, Event{Type: EventChunk, Content: chunk}, nil)
}

// AppendThinking implements Cache.
func (c *MemCache) AppendThinking(_ context.Context, messageID, chunk string) error {
	return c.publish(messageID, Event{Type: EventThinkingChunk, Content: chunk}, func(s *GenerationState) {
		s.Thinking += chunk
	})
}

// PublishStatus implements Cache.
func (c *MemCache) PublishStatus(_ context.Context, messageID, action, description string) error {
	return c.publish(messageID, Event{Type: EventStatus, Action: action, Description: description}, func(s *GenerationState) {
		s.CurrentStatus = action
	})
}

// PublishToolEvent implements Cache.
func (c *MemCache) PublishToolEvent(_ context.Context, messageID string, event map[string]any) error {
	return c.publish(messageID, Event{Type: EventToolEvent, Tool: event}, func(s *GenerationState) {
		s.ToolEvents = append(s.ToolEvents, event)
	})
}

// PublishToolStatus implements Cache.
func (c *MemCache) PublishToolStatus(_ context.Context, messageID, status, action string) error {
	return c.publish(messageID, Event{Type: EventToolStatus, Status: status, Action: action}, nil)
}

// CompleteGeneration implements Cache.
func (c *MemCache) CompleteGeneration(_ context.Context, messageID string, metadata map[string]any) error {
	return c.finish(messageID, Event{Type: EventComplete, Metadata: metadata}, func(s *GenerationState) {
		now := time.Now()
		s.Status = StatusCompleted
		s.CompletedAt = &now
	})
}

// FailGeneration implements Cache.
func (c *MemCache) FailGeneration(_ context.Context, messageID, errMsg string) error {
	return c.finish(messageID, Event{Type: EventError, Error: errMsg}, func(s *GenerationState) {
		now := time.Now()
		s.Status = StatusError
		s.Error = errMsg
		s.CompletedAt = &now
	})
}

// Generation implements Cache.
func (c *MemCache) Generation(_ context.Context, messageID string) (*GenerationState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.generations[messageID]
	if !ok {
		return nil, ErrGenerationNotFound
	}
	snapshot := e.state
	snapshot.ToolEvents = append([]map[string]any(nil), e.state.ToolEvents...)
	return &snapshot, nil
}

// Subscribe implements Cache. The init event carries content accumulated so
// far; subscribers attaching after the terminal event receive init plus the
// terminal event, then the channel closes.
func (c *MemCache) Subscribe(_ context.Context, messageID string) (<-chan Event, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.generations[messageID]
	if !ok {
		return nil, nil, ErrGenerationNotFound
	}

	ch := make(chan Event, subscriberBuffer)
	ch <- Event{
		Type:             EventInit,
		ExistingContent:  e.state.Content,
		ExistingThinking: e.state.Thinking,
	}
	if e.done {
		ch <- e.terminal
		close(ch)
		return ch, func() {}, nil
	}

	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// Close implements Cache.
func (c *MemCache) Close() error { return nil }

func (c *MemCache) publish(messageID string, ev Event, mutate func(*GenerationState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.generations[messageID]
	if !ok {
		return ErrGenerationNotFound
	}
	if mutate != nil {
		mutate(&e.state)
	}
	e.touched = time.Now()
	for _, sub := range e.subs {
		select {
		case sub <- ev:
		default:
		}
	}
	return nil
}

func (c *MemCache) finish(messageID string, terminal Event, mutate func(*GenerationState)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.generations[messageID]
	if !ok {
		return ErrGenerationNotFound
	}
	mutate(&e.state)
	e.done = true
	e.terminal = terminal
	e.touched = time.Now()
	delete(c.active, e.state.ConversationID)
	for id, sub := range e.subs {
		select {
		case sub <- terminal:
		default:
		}
		close(sub)
		delete(e.subs, id)
	}
	return nil
}

// sweepLocked drops finished entries whose TTL elapsed. Caller holds mu.
func (c *MemCache) sweepLocked() {
	cutoff := time.Now().Add(-GenerationTTL)
	for id, e := range c.generations {
		if e.done && e.touched.Before(cutoff) {
			delete(c.generations, id)
		}
	}
}

var _ Cache = (*MemCache)(nil)
