package toolpool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "synapse"
	clientVersion   = "1.0.0"

	initTimeout = 5 * time.Second
	callTimeout = 30 * time.Second
	killGrace   = 2 * time.Second

	// maxLineBytes bounds one framed message. Tool results can be large
	// (page contents, file dumps), so this is generous.
	maxLineBytes = 16 << 20
)

// ErrChildExited rejects pending calls when the server process dies.
var ErrChildExited = errors.New("tool server process exited")

// ErrCallTimeout rejects a call that received no response in time.
var ErrCallTimeout = errors.New("tool call timed out")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// child is one supervised tool server subprocess with newline-delimited
// JSON-RPC 2.0 framing over its stdio.
type child struct {
	name string
	cmd  *exec.Cmd
	log  *slog.Logger

	stdin   io.WriteCloser
	writeMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *rpcMessage

	// initialized is closed when the child sends its initialized
	// notification; exited when the process is gone.
	initialized chan struct{}
	initOnce    sync.Once
	exited      chan struct{}

	tools     []mcp.Tool
	toolNames map[string]bool
}

// startChild launches the server process and performs the initialize
// handshake. The child inherits the parent environment plus cfg.Env.
func startChild(ctx context.Context, cfg ServerConfig, log *slog.Logger) (*child, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("tool server %s: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tool server %s: %w", cfg.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("tool server %s: %w", cfg.Name, err)
	}

	c := &child{
		name:        cfg.Name,
		cmd:         cmd,
		log:         log.With("server", cfg.Name),
		stdin:       stdin,
		pending:     make(map[int64]chan *rpcMessage),
		initialized: make(chan struct{}),
		exited:      make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tool server %s: start: %w", cfg.Name, err)
	}

	go c.readLoop(stdout)
	go c.copyStderr(stderr)
	go func() {
		err := cmd.Wait()
		c.log.Info("tool server exited", "error", err)
		close(c.exited)
		c.rejectPending()
	}()

	if err := c.handshake(ctx); err != nil {
		c.stop()
		return nil, err
	}
	if err := c.refreshTools(ctx); err != nil {
		c.stop()
		return nil, err
	}
	c.log.Info("tool server ready", "tools", len(c.tools))
	return c, nil
}

func (c *child) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": mcp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		},
	}
	// The response and the initialized notification both have to arrive
	// within the init window.
	if _, err := c.call(ctx, "initialize", params, initTimeout); err != nil {
		return fmt.Errorf("tool server %s: initialize: %w", c.name, err)
	}
	select {
	case <-c.initialized:
		return nil
	case <-c.exited:
		return fmt.Errorf("tool server %s: %w", c.name, ErrChildExited)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(initTimeout):
		return fmt.Errorf("tool server %s: initialized notification not received within %s", c.name, initTimeout)
	}
}

func (c *child) refreshTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", map[string]any{}, callTimeout)
	if err != nil {
		return fmt.Errorf("tool server %s: tools/list: %w", c.name, err)
	}
	var listed struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return fmt.Errorf("tool server %s: decode tools/list: %w", c.name, err)
	}
	c.mu.Lock()
	c.tools = listed.Tools
	c.toolNames = make(map[string]bool, len(listed.Tools))
	for _, t := range listed.Tools {
		c.toolNames[t.Name] = true
	}
	c.mu.Unlock()
	return nil
}

// serves reports whether the child's cached tools list contains name.
func (c *child) serves(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolNames[name]
}

// callTool invokes one tool. The call metadata rides in _meta so the server
// can attribute side effects to the generation.
func (c *child) callTool(ctx context.Context, name string, args map[string]any, meta map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	if len(meta) > 0 {
		params["_meta"] = meta
	}
	result, err := c.call(ctx, "tools/call", params, callTimeout)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, fmt.Errorf("tool server %s: decode tools/call result: %w", c.name, err)
	}
	return v, nil
}

// call sends one request and waits for its response.
func (c *child) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-c.exited:
		return nil, ErrChildExited
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan *rpcMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		if msg == nil {
			return nil, ErrChildExited
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s %w after %s", method, ErrCallTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *child) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("tool server %s: write: %w", c.name, err)
	}
	return nil
}

func (c *child) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("unparseable message from tool server", "error", err)
			continue
		}
		c.dispatch(&msg)
	}
	if err := scanner.Err(); err != nil {
		c.log.Warn("tool server stdout closed", "error", err)
	}
}

func (c *child) dispatch(msg *rpcMessage) {
	if msg.Method != "" && msg.ID == nil {
		switch msg.Method {
		case "initialized", "notifications/initialized":
			c.initOnce.Do(func() { close(c.initialized) })
		default:
			c.log.Debug("notification from tool server", "method", msg.Method)
		}
		return
	}
	if msg.ID == nil {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("response for unknown request id", "id", *msg.ID)
		return
	}
	ch <- msg
}

// rejectPending fails every in-flight call after the process exits.
func (c *child) rejectPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- nil:
		default:
		}
		delete(c.pending, id)
	}
}

// copyStderr forwards the child's diagnostic stream to the pool log.
func (c *child) copyStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		c.log.Info("tool server stderr", "line", scanner.Text())
	}
}

// stop terminates the child, gracefully first, then by force after the
// grace period.
func (c *child) stop() {
	select {
	case <-c.exited:
		return
	default:
	}

	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(os.Interrupt)
	}
	select {
	case <-c.exited:
		return
	case <-time.After(killGrace):
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	<-c.exited
}
