package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/synaptic-labs/synapse/state"
)

// Pipeline is the per-generation publisher handed to executing steps. It
// feeds raw LM tokens through the thinking transformer, batches the visible
// content, and writes everything through the shared cache so live
// subscribers and reconnecting ones observe the same stream.
//
// Steps call it only while their output is user-visible; the visibility
// gate lives in the neuron executor.
type Pipeline struct {
	cache     Cache
	messageID string
	log       *slog.Logger
	metrics   *Metrics

	// base is the generation-lifetime context used for timer-driven
	// flushes, which have no caller context of their own.
	base context.Context

	tf    *Transformer
	batch *Batcher

	mu       sync.Mutex
	started  time.Time
	chunksIn int
	bytesOut int
}

// NewPipeline creates the pipeline for one generation. metrics may be nil.
func NewPipeline(ctx context.Context, cache Cache, messageID string, metrics *Metrics, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		cache:     cache,
		messageID: messageID,
		log:       log.With("messageId", messageID),
		metrics:   metrics,
		base:      ctx,
		started:   time.Now(),
	}
	p.batch = NewBatcher(func(chunk string) error {
		p.mu.Lock()
		p.bytesOut += len(chunk)
		p.mu.Unlock()
		p.metrics.ChunkYielded(len(chunk))
		return p.cache.AppendContent(p.base, p.messageID, chunk)
	})
	p.tf = NewTransformer(TransformerHooks{
		Status: func(action string) error {
			return p.cache.PublishStatus(p.base, p.messageID, action, "")
		},
		Thinking: func(chunk string) error {
			return p.cache.AppendThinking(p.base, p.messageID, chunk)
		},
		Content: p.batch.Add,
		Spacer: func() error {
			return p.cache.PublishChunk(p.base, p.messageID, " ")
		},
	})
	return p
}

// Token implements state.Publisher.
func (p *Pipeline) Token(ctx context.Context, chunk string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.chunksIn++
	p.mu.Unlock()
	p.metrics.ChunkReceived()
	return p.tf.Feed(chunk)
}

// Status implements state.Publisher.
func (p *Pipeline) Status(ctx context.Context, action, description string) {
	if err := p.cache.PublishStatus(ctx, p.messageID, action, description); err != nil {
		p.log.Warn("status publish failed", "action", action, "error", err)
	}
}

// ToolEvent implements state.Publisher.
func (p *Pipeline) ToolEvent(ctx context.Context, event map[string]any) {
	if err := p.cache.PublishToolEvent(ctx, p.messageID, event); err != nil {
		p.log.Warn("tool event publish failed", "error", err)
	}
}

// ToolStatus implements state.Publisher.
func (p *Pipeline) ToolStatus(ctx context.Context, status, action string) {
	if err := p.cache.PublishToolStatus(ctx, p.messageID, status, action); err != nil {
		p.log.Warn("tool status publish failed", "status", status, "error", err)
	}
}

// Close drains the transformer window and the batch buffer, then logs the
// stream's volume. It does not complete or fail the generation; that is the
// orchestrator's call to make.
func (p *Pipeline) Close() error {
	if err := p.tf.Flush(); err != nil {
		return err
	}
	if err := p.batch.Flush(); err != nil {
		return err
	}
	p.mu.Lock()
	chunksIn, bytesOut := p.chunksIn, p.bytesOut
	p.mu.Unlock()
	elapsed := time.Since(p.started)
	p.metrics.PipelineClosed(elapsed.Seconds())
	p.log.Debug("stream pipeline closed",
		"chunksReceived", chunksIn,
		"contentBytes", bytesOut,
		"duration", elapsed)
	return nil
}

var _ state.Publisher = (*Pipeline)(nil)
