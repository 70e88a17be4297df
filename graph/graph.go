// Package graph compiles workflow definitions into executable graphs and
// runs them to completion.
//
// A workflow definition is a set of nodes and edges. Every node is a
// universal node (a sequence of steps); edges are either simple (always
// taken) or conditional (an expression routed through a target map). The
// engine executes nodes one at a time, merging each node's delta into the
// run state through the state reducer.
package graph

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved node identifiers.
const (
	Start    = "__start__"
	End      = "__end__"
	Fallback = "__fallback__"
)

// Tier bounds for workflow access control (0 = highest privilege).
const (
	MinTier = 0
	MaxTier = 4
)

// Config is a stored workflow definition.
type Config struct {
	GraphID     string `json:"graphId" bson:"graphId"`
	OwnerID     string `json:"ownerId" bson:"ownerId"`
	Name        string `json:"name" bson:"name"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`

	// Tier is the minimum privilege required to run a system-owned graph.
	Tier int `json:"tier" bson:"tier"`

	// IsDefault marks the owner's default workflow.
	IsDefault bool `json:"isDefault,omitempty" bson:"isDefault,omitempty"`

	Nodes []NodeSpec `json:"nodes" bson:"nodes"`
	Edges []EdgeSpec `json:"edges" bson:"edges"`

	// MaxSteps bounds the number of node executions per run. Zero uses
	// the engine default.
	MaxSteps int `json:"maxSteps,omitempty" bson:"maxSteps,omitempty"`

	// Global carries run-wide tuning. Nil means engine defaults.
	Global *GlobalConfig `json:"globalConfig,omitempty" bson:"globalConfig,omitempty"`
}

// GlobalConfig tunes a whole run. The engine consumes Timeout; the other
// fields are carried losslessly for the planner and search nodes that read
// them out of the stored definition.
type GlobalConfig struct {
	MaxReplans          int `json:"maxReplans,omitempty" bson:"maxReplans,omitempty"`
	MaxSearchIterations int `json:"maxSearchIterations,omitempty" bson:"maxSearchIterations,omitempty"`
	// Timeout bounds one run, in milliseconds. Zero leaves the run under
	// the orchestrator's generation timeout alone.
	Timeout        int  `json:"timeout,omitempty" bson:"timeout,omitempty"`
	EnableFastpath bool `json:"enableFastpath,omitempty" bson:"enableFastpath,omitempty"`
}

// NodeSpec declares one node of a workflow.
type NodeSpec struct {
	ID string `json:"id" bson:"id"`
	// Type is "universal" (or empty, which means the same), one of the
	// named node roles (classifier, router, planner, ...), or a step kind
	// for single-step shorthand nodes. Named roles are descriptive; they
	// all execute as universal step-list nodes.
	Type string `json:"type,omitempty" bson:"type,omitempty"`
	// Config is the node's universal-node configuration, injected into
	// the node wrapper at compile time.
	Config json.RawMessage `json:"config" bson:"config"`
}

// EdgeSpec declares one transition. A simple edge has only From and To. A
// conditional edge carries a Condition expression and a Targets map from
// result keys to destination node ids; Fallback names the destination when
// the result matches no target (default End).
type EdgeSpec struct {
	From      string            `json:"from" bson:"from"`
	To        string            `json:"to,omitempty" bson:"to,omitempty"`
	Condition string            `json:"condition,omitempty" bson:"condition,omitempty"`
	Targets   map[string]string `json:"targets,omitempty" bson:"targets,omitempty"`
	Fallback  string            `json:"fallback,omitempty" bson:"fallback,omitempty"`
}

// Conditional reports whether the edge routes through a condition.
func (e *EdgeSpec) Conditional() bool { return e.Condition != "" }

// destinations lists every node id the edge can reach.
func (e *EdgeSpec) destinations() []string {
	if !e.Conditional() {
		return []string{e.To}
	}
	out := make([]string, 0, len(e.Targets)+1)
	for _, to := range e.Targets {
		out = append(out, to)
	}
	if e.Fallback != "" {
		out = append(out, e.Fallback)
	}
	return out
}

// CompileError aggregates every validation failure for one graph.
type CompileError struct {
	GraphID string
	Issues  []string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("graph %s: %s", e.GraphID, strings.Join(e.Issues, "; "))
}

// EngineError reports a runtime engine failure.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
