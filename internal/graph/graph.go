// Package graph compiles and runs workflows: nodes joined by direct and
// conditional edges over a declared state schema.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/drblury/agentflow/internal/retry"
)

// End is the terminal sentinel usable as the target of a direct edge.
const End = "__end__"

// DefaultRecursionLimit bounds node executions per run.
const DefaultRecursionLimit = 200

// ComputeFunc is a node body. It receives a snapshot of the declared inputs
// and returns writes to its declared outputs.
type ComputeFunc func(ctx context.Context, in State) (Update, error)

// RetrySpec wraps a node's compute function with the retry wrapper.
type RetrySpec struct {
	Policy retry.Policy
	// Valid accepts an update. Nil accepts every update that carries no error.
	Valid func(Update) bool
	// Default is merged when every attempt failed.
	Default Update
}

// Node describes one step of a workflow.
type Node struct {
	Name    string
	Compute ComputeFunc
	// Inputs restricts the snapshot passed to Compute. Empty passes the whole state.
	Inputs  []string
	Outputs []string
	// Required turns a compute failure into a fatal run error.
	Required bool
	Retry    *RetrySpec
}

// Route is the result of a conditional edge: continue to a node or terminate.
type Route struct {
	next      string
	terminate bool
}

// Continue routes to the named node, which must be a declared target.
func Continue(node string) Route {
	return Route{next: node}
}

// Terminate ends this branch of the run.
func Terminate() Route {
	return Route{terminate: true}
}

// Next returns the target node and whether the route continues.
func (r Route) Next() (string, bool) {
	return r.next, !r.terminate
}

func (r Route) String() string {
	if r.terminate {
		return "terminate"
	}
	return "continue(" + r.next + ")"
}

// Selector picks the route out of a node from the merged state.
type Selector func(State) Route

// Edge connects nodes. A direct edge has To set; a conditional edge has
// Select and the list of Targets it may continue to. A conditional edge may
// always Terminate.
type Edge struct {
	From    string
	To      string
	Select  Selector
	Targets []string
}

// Direct builds an unconditional edge. to may be End.
func Direct(from, to string) Edge {
	return Edge{From: from, To: to}
}

// Conditional builds a conditional edge.
func Conditional(from string, sel Selector, targets ...string) Edge {
	return Edge{From: from, Select: sel, Targets: targets}
}

func (e Edge) conditional() bool { return e.Select != nil }

// CompiledGraph is an immutable, validated workflow.
type CompiledGraph struct {
	name    string
	schema  *Schema
	nodes   map[string]*Node
	entries []string
	direct  map[string][]string
	cond    map[string]Edge
	preds   map[string][]string
	targets map[string]map[string]struct{}
}

// Option configures compilation.
type Option func(*CompiledGraph)

// WithName labels the graph in logs, spans and callbacks.
func WithName(name string) Option {
	return func(g *CompiledGraph) { g.name = name }
}

// Compile validates nodes and edges against the schema. It checks that node
// names are unique, that inputs and outputs are declared fields, that every
// edge references declared nodes, that there is at least one entry node, and
// that every node can reach End.
func Compile(schema *Schema, nodes []Node, edges []Edge, entries []string, opts ...Option) (*CompiledGraph, error) {
	if schema == nil {
		return nil, graphErrorf(CodeInvalidGraph, "", "schema is required")
	}
	g := &CompiledGraph{
		name:    "workflow",
		schema:  schema,
		nodes:   make(map[string]*Node, len(nodes)),
		direct:  make(map[string][]string),
		cond:    make(map[string]Edge),
		preds:   make(map[string][]string),
		targets: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	for i := range nodes {
		n := nodes[i]
		if err := g.addNode(n); err != nil {
			return nil, err
		}
	}
	if len(entries) == 0 {
		return nil, graphErrorf(CodeInvalidGraph, "", "at least one entry node is required")
	}
	seenEntry := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := g.nodes[e]; !ok {
			return nil, graphErrorf(CodeInvalidGraph, e, "entry node is not declared")
		}
		if _, dup := seenEntry[e]; dup {
			return nil, graphErrorf(CodeInvalidGraph, e, "entry node listed twice")
		}
		seenEntry[e] = struct{}{}
		g.entries = append(g.entries, e)
	}
	for _, e := range edges {
		if err := g.addEdge(e); err != nil {
			return nil, err
		}
	}
	if err := g.checkTermination(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *CompiledGraph) addNode(n Node) error {
	switch {
	case n.Name == "":
		return graphErrorf(CodeInvalidGraph, "", "node name is required")
	case n.Name == End:
		return graphErrorf(CodeInvalidGraph, n.Name, "node name is reserved")
	case n.Compute == nil:
		return graphErrorf(CodeInvalidGraph, n.Name, "compute function is required")
	}
	if _, dup := g.nodes[n.Name]; dup {
		return graphErrorf(CodeInvalidGraph, n.Name, "node declared twice")
	}
	for _, f := range n.Inputs {
		if _, ok := g.schema.Policy(f); !ok {
			return graphErrorf(CodeInvalidGraph, n.Name, "input field %q is not declared", f)
		}
	}
	for _, f := range n.Outputs {
		if _, ok := g.schema.Policy(f); !ok {
			return graphErrorf(CodeInvalidGraph, n.Name, "output field %q is not declared", f)
		}
	}
	if n.Retry != nil {
		for f := range n.Retry.Default {
			if !contains(n.Outputs, f) {
				return graphErrorf(CodeInvalidGraph, n.Name, "retry default writes undeclared output %q", f)
			}
		}
	}
	node := n
	g.nodes[n.Name] = &node
	return nil
}

func (g *CompiledGraph) addEdge(e Edge) error {
	if _, ok := g.nodes[e.From]; !ok {
		return graphErrorf(CodeInvalidGraph, e.From, "edge source is not declared")
	}
	if !e.conditional() {
		if e.To == "" {
			return graphErrorf(CodeInvalidGraph, e.From, "edge has neither target nor selector")
		}
		if _, ok := g.nodes[e.To]; !ok && e.To != End {
			return graphErrorf(CodeInvalidGraph, e.From, "edge target %q is not declared", e.To)
		}
		if contains(g.direct[e.From], e.To) {
			return graphErrorf(CodeInvalidGraph, e.From, "duplicate edge to %q", e.To)
		}
		g.direct[e.From] = append(g.direct[e.From], e.To)
		if e.To != End {
			g.preds[e.To] = append(g.preds[e.To], e.From)
		}
		return nil
	}

	if _, dup := g.cond[e.From]; dup {
		return graphErrorf(CodeInvalidGraph, e.From, "node has more than one conditional edge")
	}
	allowed := make(map[string]struct{}, len(e.Targets))
	for _, t := range e.Targets {
		if t == End {
			continue
		}
		if _, ok := g.nodes[t]; !ok {
			return graphErrorf(CodeInvalidGraph, e.From, "conditional target %q is not declared", t)
		}
		allowed[t] = struct{}{}
	}
	g.cond[e.From] = e
	g.targets[e.From] = allowed
	return nil
}

// checkTermination walks edges backwards from End. A conditional edge can
// always terminate, so its source reaches End.
func (g *CompiledGraph) checkTermination() error {
	reverse := make(map[string][]string)
	reaches := make(map[string]bool, len(g.nodes))
	var queue []string

	for from, tos := range g.direct {
		for _, to := range tos {
			if to == End {
				if !reaches[from] {
					reaches[from] = true
					queue = append(queue, from)
				}
				continue
			}
			reverse[to] = append(reverse[to], from)
		}
	}
	for from, e := range g.cond {
		if !reaches[from] {
			reaches[from] = true
			queue = append(queue, from)
		}
		for _, t := range e.Targets {
			if t != End {
				reverse[t] = append(reverse[t], from)
			}
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, p := range reverse[n] {
			if !reaches[p] {
				reaches[p] = true
				queue = append(queue, p)
			}
		}
	}

	var stuck []string
	for name := range g.nodes {
		if !reaches[name] {
			stuck = append(stuck, name)
		}
	}
	if len(stuck) > 0 {
		sort.Strings(stuck)
		return graphErrorf(CodeInvalidGraph, "", "nodes cannot reach %s: %v", End, stuck)
	}
	return nil
}

// Name returns the graph label.
func (g *CompiledGraph) Name() string { return g.name }

// Schema returns the declared state schema.
func (g *CompiledGraph) Schema() *Schema { return g.schema }

// Entries returns the entry nodes in declaration order.
func (g *CompiledGraph) Entries() []string { return append([]string(nil), g.entries...) }

// Nodes returns the node names sorted.
func (g *CompiledGraph) Nodes() []string {
	out := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Predecessors returns the direct-edge predecessors a node joins on.
func (g *CompiledGraph) Predecessors(node string) []string {
	return append([]string(nil), g.preds[node]...)
}

func (g *CompiledGraph) String() string {
	return fmt.Sprintf("graph(%s, %d nodes, entries %v)", g.name, len(g.nodes), g.entries)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
