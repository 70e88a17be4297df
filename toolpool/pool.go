// Package toolpool supervises external tool servers and routes tool calls
// to them.
//
// Each server is a subprocess speaking newline-delimited JSON-RPC 2.0 over
// its standard streams, with the Model Context Protocol's initialize,
// tools/list, and tools/call methods. The pool starts every enabled server,
// caches each server's tool inventory, and dispatches a call to the first
// server whose inventory contains the tool.
package toolpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/synaptic-labs/synapse/state"
)

// ServerConfig describes one tool server to supervise.
type ServerConfig struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled bool              `json:"enabled"`
}

// Pool supervises the configured tool servers. It implements
// state.ToolInvoker.
type Pool struct {
	configs []ServerConfig
	log     *slog.Logger

	mu       sync.RWMutex
	children []*child
	started  bool
	stopped  bool
}

// New creates a pool for the given server configs. Call Start before
// routing any tool calls.
func New(configs []ServerConfig, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{configs: configs, log: log}
}

// Start spawns every enabled server concurrently. A server that fails to
// initialize is logged and skipped; the pool stays usable with whatever
// servers came up.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]*child, len(p.configs))
	for i, cfg := range p.configs {
		if !cfg.Enabled {
			p.log.Debug("tool server disabled", "server", cfg.Name)
			continue
		}
		wg.Add(1)
		go func(i int, cfg ServerConfig) {
			defer wg.Done()
			c, err := startChild(ctx, cfg, p.log)
			if err != nil {
				p.log.Warn("tool server failed to start", "server", cfg.Name, "error", err)
				return
			}
			results[i] = c
		}(i, cfg)
	}
	wg.Wait()

	p.mu.Lock()
	for _, c := range results {
		if c != nil {
			p.children = append(p.children, c)
		}
	}
	p.mu.Unlock()
}

// Stop terminates every child. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	children := p.children
	p.children = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range children {
		wg.Add(1)
		go func(c *child) {
			defer wg.Done()
			c.stop()
		}(c)
	}
	wg.Wait()
}

// Tools returns the combined tool inventory of every running server.
func (p *Pool) Tools() []mcp.Tool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []mcp.Tool
	for _, c := range p.children {
		c.mu.Lock()
		out = append(out, c.tools...)
		c.mu.Unlock()
	}
	return out
}

// CallTool routes a tool invocation to the first server whose cached tools
// list contains name. Call metadata is forwarded in the request's _meta.
func (p *Pool) CallTool(ctx context.Context, name string, args map[string]any, meta state.ToolMeta) (any, error) {
	p.mu.RLock()
	children := p.children
	p.mu.RUnlock()

	for _, c := range children {
		if !c.serves(name) {
			continue
		}
		return c.callTool(ctx, name, args, metaFields(meta))
	}
	return nil, fmt.Errorf("no tool server provides tool %q", name)
}

func metaFields(meta state.ToolMeta) map[string]any {
	out := map[string]any{}
	if meta.ConversationID != "" {
		out["conversationId"] = meta.ConversationID
	}
	if meta.GenerationID != "" {
		out["generationId"] = meta.GenerationID
	}
	if meta.MessageID != "" {
		out["messageId"] = meta.MessageID
	}
	return out
}

var _ state.ToolInvoker = (*Pool)(nil)
