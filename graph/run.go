package graph

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/synaptic-labs/synapse/expr"
	"github.com/synaptic-labs/synapse/state"
	"github.com/synaptic-labs/synapse/step"
)

// defaultMaxSteps bounds runs whose config does not set a limit.
const defaultMaxSteps = 100

var tracer = otel.Tracer("github.com/synaptic-labs/synapse/graph")

// Run executes the graph from its entry edge until it reaches End, applying
// each node's delta through the state reducer. The returned state is the
// final reduced state.
//
// A node-level failure does not surface here: the universal node converts it
// into an error-handler route. Run fails only on engine-level conditions
// (missing routes, step limit, cancellation).
func (c *Compiled) Run(ctx context.Context, st state.State) (state.State, error) {
	maxSteps := c.config.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	if g := c.config.Global; g != nil && g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(g.Timeout)*time.Millisecond)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "graph.run", trace.WithAttributes(
		attribute.String("graph.id", c.config.GraphID),
		attribute.String("generation.id", st.GenerationID),
	))
	defer span.End()

	if c.metrics != nil {
		c.metrics.RunStarted()
		defer c.metrics.RunFinished()
	}
	runStart := time.Now()

	current := c.start
	steps := 0
	for current != End {
		steps++
		if steps > maxSteps {
			err := &EngineError{
				Message: "run exceeded step limit in graph " + c.config.GraphID,
				Code:    "MAX_STEPS_EXCEEDED",
			}
			c.finishRun(span, runStart, "error", err)
			return st, err
		}
		if err := ctx.Err(); err != nil {
			c.finishRun(span, runStart, "canceled", err)
			return st, err
		}

		node, ok := c.nodes[current]
		if !ok {
			err := &EngineError{
				Message: "node not found during execution: " + current,
				Code:    "NODE_NOT_FOUND",
			}
			c.finishRun(span, runStart, "error", err)
			return st, err
		}

		delta, err := c.runNode(ctx, st, node)
		if err != nil {
			c.finishRun(span, runStart, "error", err)
			return st, err
		}
		st = state.Reduce(st, delta)

		next, ok := c.route(current, &st)
		if !ok {
			err := &EngineError{
				Message: "no valid route from node: " + current,
				Code:    "NO_ROUTE",
			}
			c.finishRun(span, runStart, "error", err)
			return st, err
		}
		current = next
	}

	c.finishRun(span, runStart, "success", nil)
	return st, nil
}

func (c *Compiled) runNode(ctx context.Context, st state.State, node NodeSpec) (state.Delta, error) {
	ctx, span := tracer.Start(ctx, "graph.node", trace.WithAttributes(
		attribute.String("graph.id", c.config.GraphID),
		attribute.String("node.id", node.ID),
	))
	defer span.End()

	start := time.Now()
	raw := node.Config
	if step.KnownKind(node.Type) {
		// Single-step shorthand: wrap the node config as one step. Named
		// node roles fall through and run as universal step-list nodes.
		wrapped, err := singleStepConfig(node)
		if err != nil {
			return nil, err
		}
		raw = wrapped
	}

	delta, err := step.RunNode(ctx, st, raw)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.metrics != nil {
		c.metrics.RecordNodeLatency(c.config.GraphID, node.ID, time.Since(start), status)
	}
	c.log.Debug("node completed", "node", node.ID, "status", status,
		"elapsed", time.Since(start))
	return delta, err
}

func singleStepConfig(node NodeSpec) (json.RawMessage, error) {
	return json.Marshal(step.NodeConfig{
		Name:   node.ID,
		Type:   node.Type,
		Config: node.Config,
	})
}

// route picks the next node from the current node's outgoing edges, in
// declaration order. Simple edges always match; conditional edges always
// resolve (to their fallback when nothing matches), so the first edge wins.
func (c *Compiled) route(from string, st *state.State) (string, bool) {
	edges := c.edges[from]
	if len(edges) == 0 {
		return "", false
	}
	e := edges[0]
	if !e.Conditional() {
		return e.To, true
	}

	result, err := expr.Evaluate(e.Condition, st)
	if err != nil {
		c.log.Warn("conditional edge evaluation failed",
			"from", from, "condition", e.Condition, "error", err)
		result = nil
	}
	key := expr.ResolveTarget(result, e.Targets)
	if key == Fallback {
		if e.Fallback != "" {
			return e.Fallback, true
		}
		return End, true
	}
	return e.Targets[key], true
}

func (c *Compiled) finishRun(span trace.Span, start time.Time, status string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if c.metrics != nil {
		c.metrics.RecordRun(c.config.GraphID, time.Since(start), status)
	}
	c.log.Info("graph run finished", "status", status, "elapsed", time.Since(start))
}
