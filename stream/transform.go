package stream

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"

	// windowSize is the trailing window kept between chunks so a tag split
	// across a chunk boundary is still recognized. len(thinkClose) == 8.
	windowSize = len(thinkClose)
)

// TransformerHooks receive the transformer's output.
type TransformerHooks struct {
	// Status fires once when a thinking block opens.
	Status func(action string) error
	// Thinking receives thinking text, one character at a time.
	Thinking func(chunk string) error
	// Content receives user-visible content characters.
	Content func(chunk string) error
	// Spacer delivers the synthetic single-space chunk emitted when visible
	// content resumes after a thinking block. It goes to the transport only,
	// never into accumulated content.
	Spacer func() error
}

// Transformer is the streaming token state machine: it strips inline
// <think>…</think> blocks out of the content stream, routing their text to
// the thinking channel, and drops leading whitespace from content.
//
// Chunks are processed through a rolling window of the trailing windowSize
// characters so tags split across chunk boundaries are handled; Flush must
// be called at end of stream to drain the window.
type Transformer struct {
	hooks TransformerHooks

	window   string
	thinking bool
	dropWS   bool
	pending  bool
}

// NewTransformer creates a transformer with all hooks required except
// Spacer, which may be nil when the transport needs no synthetic spacing.
func NewTransformer(hooks TransformerHooks) *Transformer {
	return &Transformer{hooks: hooks, dropWS: true}
}

// Feed processes one incoming chunk.
func (t *Transformer) Feed(chunk string) error {
	t.window += chunk
	return t.process(windowSize)
}

// Flush drains the remaining window at end of stream. Partial tags left in
// the window are emitted literally.
func (t *Transformer) Flush() error {
	return t.process(1)
}

func (t *Transformer) process(keep int) error {
	for len(t.window) >= keep {
		if strings.HasPrefix(t.window, thinkOpen) {
			t.window = t.window[len(thinkOpen):]
			t.thinking = true
			if err := t.hooks.Status("thinking"); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(t.window, thinkClose) {
			t.window = t.window[len(thinkClose):]
			t.thinking = false
			t.dropWS = true
			t.pending = true
			continue
		}
		// A partial tag at the very front can only occur during Flush; at
		// that point there is no more input, so it is literal text.
		r, size := utf8.DecodeRuneInString(t.window)
		t.window = t.window[size:]
		if err := t.emit(r); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transformer) emit(r rune) error {
	if t.thinking {
		return t.hooks.Thinking(string(r))
	}
	if t.dropWS {
		if unicode.IsSpace(r) {
			return nil
		}
		t.dropWS = false
	}
	if t.pending {
		t.pending = false
		if t.hooks.Spacer != nil {
			if err := t.hooks.Spacer(); err != nil {
				return err
			}
		}
	}
	return t.hooks.Content(string(r))
}
