package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
// Responses are returned in order; when the script is exhausted the last
// response repeats. ChatStream splits the scripted text into ChunkSize
// pieces so token-level plumbing can be exercised deterministically.
type MockChatModel struct {
	mu        sync.Mutex
	responses []ChatOut
	errs      []error
	calls     int

	// ChunkSize controls how many bytes each streamed delta carries.
	// Zero means the whole response arrives as a single delta.
	ChunkSize int

	// LastMessages records the messages of the most recent call.
	LastMessages []Message
	// LastOptions records the options of the most recent call.
	LastOptions *Options
}

// NewMockChatModel creates a mock that replies with the given texts in order.
func NewMockChatModel(texts ...string) *MockChatModel {
	m := &MockChatModel{}
	for _, t := range texts {
		m.responses = append(m.responses, ChatOut{Text: t})
	}
	return m
}

// QueueError makes the next call fail with err.
func (m *MockChatModel) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// Calls reports how many chat calls were made.
func (m *MockChatModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockChatModel) next(messages []Message, opts *Options) (ChatOut, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.LastMessages = messages
	m.LastOptions = opts
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return ChatOut{}, err
	}
	if len(m.responses) == 0 {
		return ChatOut{}, nil
	}
	out := m.responses[0]
	if len(m.responses) > 1 {
		m.responses = m.responses[1:]
	}
	return out, nil
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, opts *Options) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}
	return m.next(messages, opts)
}

// ChatStream implements ChatModel.
func (m *MockChatModel) ChatStream(ctx context.Context, messages []Message, opts *Options, onDelta func(string) error) (ChatOut, error) {
	out, err := m.next(messages, opts)
	if err != nil {
		return ChatOut{}, err
	}
	size := m.ChunkSize
	if size <= 0 {
		size = len(out.Text)
	}
	for i := 0; i < len(out.Text); i += size {
		if err := ctx.Err(); err != nil {
			return ChatOut{}, err
		}
		end := i + size
		if end > len(out.Text) {
			end = len(out.Text)
		}
		if err := onDelta(out.Text[i:end]); err != nil {
			return ChatOut{}, err
		}
	}
	return out, nil
}
