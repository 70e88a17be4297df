package stream

import (
	"sync"
	"time"
)

const (
	// batchBytes is the buffer size that forces an immediate flush.
	batchBytes = 10
	// batchInterval bounds the latency a buffered chunk can sit unflushed.
	batchInterval = 50 * time.Millisecond
)

// Batcher coalesces small content chunks before delivery: a flush happens
// when the buffer reaches batchBytes or batchInterval after the first
// buffered byte, whichever comes first.
type Batcher struct {
	emit func(string) error

	mu    sync.Mutex
	buf   []byte
	timer *time.Timer
	err   error
}

// NewBatcher creates a batcher delivering through emit. emit is called with
// the batcher's lock held, so flush order matches append order.
func NewBatcher(emit func(string) error) *Batcher {
	return &Batcher{emit: emit}
}

// Add buffers s. An error from a previous timer-driven flush is reported
// here on the next call.
func (b *Batcher) Add(s string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.buf = append(b.buf, s...)
	if len(b.buf) >= batchBytes {
		return b.flushLocked()
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(batchInterval, b.timerFlush)
	}
	return nil
}

// Flush forces out whatever is buffered.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	return b.flushLocked()
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	if err := b.flushLocked(); err != nil {
		b.err = err
	}
}

func (b *Batcher) flushLocked() error {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) == 0 {
		return nil
	}
	chunk := string(b.buf)
	b.buf = b.buf[:0]
	return b.emit(chunk)
}
