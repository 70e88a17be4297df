package graph

import (
	"fmt"
	"log/slog"

	"github.com/synaptic-labs/synapse/step"
)

// largeGraphNodes is the node count past which compilation logs a warning.
const largeGraphNodes = 50

// Compiled is an executable workflow graph. It is immutable after Compile
// and safe for concurrent runs.
type Compiled struct {
	config Config
	nodes  map[string]NodeSpec
	// edges indexed by source node, in declaration order.
	edges map[string][]EdgeSpec
	start string

	metrics *Metrics
	log     *slog.Logger
}

// CompileOptions carries the engine facilities shared by every run of a
// compiled graph.
type CompileOptions struct {
	Metrics *Metrics
	Logger  *slog.Logger
}

// Compile validates a workflow definition and assembles the executable
// graph. All validation failures are reported together in one CompileError
// keyed by the graph id.
func Compile(cfg Config, opts CompileOptions) (*Compiled, error) {
	issues := validate(cfg)
	if len(issues) > 0 {
		return nil, &CompileError{GraphID: cfg.GraphID, Issues: issues}
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Compiled{
		config:  cfg,
		nodes:   make(map[string]NodeSpec, len(cfg.Nodes)),
		edges:   make(map[string][]EdgeSpec),
		metrics: opts.Metrics,
		log:     log.With("graph", cfg.GraphID),
	}
	for _, n := range cfg.Nodes {
		c.nodes[n.ID] = n
	}
	for _, e := range cfg.Edges {
		c.edges[e.From] = append(c.edges[e.From], e)
		if e.From == Start && !e.Conditional() {
			c.start = e.To
		}
	}

	warnOrphans(c)
	if len(cfg.Nodes) > largeGraphNodes {
		c.log.Warn("large graph compiled", "nodes", len(cfg.Nodes))
	}
	return c, nil
}

// Config returns the definition this graph was compiled from.
func (c *Compiled) Config() Config { return c.config }

func validate(cfg Config) []string {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if len(cfg.Nodes) == 0 {
		add("graph has no nodes")
	}
	if len(cfg.Edges) == 0 {
		add("graph has no edges")
	}
	if cfg.Tier < MinTier || cfg.Tier > MaxTier {
		add("tier %d out of range [%d, %d]", cfg.Tier, MinTier, MaxTier)
	}

	ids := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		switch {
		case n.ID == "":
			add("node with empty id")
		case n.ID == Start || n.ID == End || n.ID == Fallback:
			add("node id %q is reserved", n.ID)
		case ids[n.ID]:
			add("duplicate node id %q", n.ID)
		default:
			ids[n.ID] = true
		}
		if !recognizedNodeType(n.Type) {
			add("node %q has unknown type %q", n.ID, n.Type)
		}
	}

	resolves := func(id string) bool {
		return ids[id] || id == End
	}
	hasStart := false
	for i, e := range cfg.Edges {
		if e.From == Start {
			if !e.Conditional() {
				hasStart = true
			}
		} else if !ids[e.From] {
			add("edge %d: source %q does not exist", i, e.From)
		}
		if e.Conditional() {
			if len(e.Targets) == 0 {
				add("edge %d: conditional edge has no targets", i)
			}
			for key, to := range e.Targets {
				if !resolves(to) {
					add("edge %d: target %q -> %q does not exist", i, key, to)
				}
			}
			if e.Fallback != "" && !resolves(e.Fallback) {
				add("edge %d: fallback %q does not exist", i, e.Fallback)
			}
		} else {
			if e.To == "" {
				add("edge %d: simple edge has no destination", i)
			} else if !resolves(e.To) {
				add("edge %d: destination %q does not exist", i, e.To)
			}
		}
	}
	if len(cfg.Edges) > 0 && !hasStart {
		add("no entry edge from %s", Start)
	}
	return issues
}

// nodeRoles are the named node types a stored definition may carry. Every
// role executes through the universal step-list handler; the name documents
// the node's place in the workflow.
var nodeRoles = map[string]bool{
	"precheck":   true,
	"fastpath":   true,
	"context":    true,
	"classifier": true,
	"router":     true,
	"planner":    true,
	"executor":   true,
	"responder":  true,
	"search":     true,
	"scrape":     true,
	"command":    true,
}

func recognizedNodeType(t string) bool {
	return t == "" || t == "universal" || nodeRoles[t] || step.KnownKind(t)
}

// warnOrphans logs nodes with no incoming edge. Orphans are legal (a graph
// may keep disabled branches around) but usually indicate a wiring mistake.
func warnOrphans(c *Compiled) {
	incoming := make(map[string]bool)
	for _, edges := range c.edges {
		for _, e := range edges {
			for _, to := range e.destinations() {
				incoming[to] = true
			}
		}
	}
	for id := range c.nodes {
		if !incoming[id] {
			c.log.Warn("orphan node has no incoming edge", "node", id)
		}
	}
}
