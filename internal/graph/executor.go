package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/agentflow/internal/retry"
	loggingpkg "github.com/drblury/agentflow/internal/runtime/logging"
)

const tracerName = "github.com/drblury/agentflow/graph"

// Executor runs compiled graphs. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	logger loggingpkg.ServiceLogger
	tracer trace.Tracer
}

// NewExecutor creates an Executor. A nil logger discards output.
func NewExecutor(logger loggingpkg.ServiceLogger) *Executor {
	return &Executor{
		logger: loggingpkg.OrNop(logger),
		tracer: otel.Tracer(tracerName),
	}
}

type completion struct {
	node      string
	iteration int
	started   time.Time
	update    Update
	// err is a compute failure; degraded is an exhausted retry whose default
	// is carried in update.
	err      error
	degraded error
}

type run struct {
	exec    *Executor
	g       *CompiledGraph
	rc      *RunContext
	log     loggingpkg.ServiceLogger
	state   State
	ctx     context.Context
	nodeCtx context.Context
	group   *errgroup.Group
	results chan completion

	inFlight int
	arrivals map[string]map[string]struct{}
}

// Run executes g from its entry nodes until no node is running or scheduled.
// Entry nodes start concurrently. A node with several direct-edge
// predecessors starts once all of them completed. After every completion the
// node's update is merged, then its conditional edge is evaluated on the
// merged state.
//
// Node failures are recorded in the error field and the run goes on, unless
// the node is Required. Structural failures (recursion limit, undeclared
// route, cancellation, required node failure) abort the run with a
// *GraphError. The state merged so far is returned in every case.
func (e *Executor) Run(ctx context.Context, g *CompiledGraph, initial State, rc *RunContext) (State, error) {
	if rc == nil {
		rc = NewRunContext("")
	}
	state := initial.Clone()
	if err := g.schema.validateState(state); err != nil {
		return state, &GraphError{Code: CodeInvalidState, Message: err.Error()}
	}

	ctx, span := e.tracer.Start(ctx, "graph.Run", trace.WithAttributes(
		attribute.String("graph.name", g.name),
		attribute.String("agentflow.correlation_id", rc.CorrelationID),
	))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, nodeCtx := errgroup.WithContext(runCtx)

	r := &run{
		exec:     e,
		g:        g,
		rc:       rc,
		log:      e.logger.With(loggingpkg.LogFields{"graph": g.name, "correlation_id": rc.CorrelationID}),
		state:    state,
		ctx:      runCtx,
		nodeCtx:  nodeCtx,
		group:    group,
		results:  make(chan completion),
		arrivals: make(map[string]map[string]struct{}),
	}

	started := time.Now()
	r.log.Debug("Run started", loggingpkg.LogFields{"entries": g.entries, "recursion_limit": rc.limit()})

	var fatal error
	for _, name := range g.entries {
		if fatal = r.launch(name); fatal != nil {
			cancel()
			break
		}
	}
	for r.inFlight > 0 {
		c := <-r.results
		r.inFlight--
		if fatal != nil {
			continue
		}
		if fatal = r.complete(c); fatal != nil {
			cancel()
		}
	}
	_ = group.Wait()

	if fatal == nil && len(r.arrivals) > 0 {
		r.log.Debug("Run finished with incomplete joins", loggingpkg.LogFields{"waiting": pendingJoins(r.arrivals)})
	}

	ev := RunEvent{
		Graph:         g.name,
		CorrelationID: rc.CorrelationID,
		Iterations:    rc.Iterations(),
		StartedAt:     started,
		Duration:      time.Since(started),
	}
	if rc.Callbacks.OnRunDone != nil {
		rc.Callbacks.OnRunDone(ev, fatal)
	}
	span.SetAttributes(attribute.Int("graph.iterations", ev.Iterations))
	if fatal != nil {
		span.RecordError(fatal)
		span.SetStatus(codes.Error, fatal.Error())
		r.log.Error("Run aborted", fatal, loggingpkg.LogFields{"iterations": ev.Iterations})
		return r.state, fatal
	}
	r.log.Debug("Run finished", loggingpkg.LogFields{"iterations": ev.Iterations, "duration_ms": ev.Duration.Milliseconds()})
	return r.state, nil
}

// launch schedules one execution of name.
func (r *run) launch(name string) error {
	if r.rc.Cancelled() {
		return graphErrorf(CodeRunCancelled, name, "run cancelled before node start")
	}
	if err := r.ctx.Err(); err != nil {
		return &GraphError{Code: CodeRunCancelled, Node: name, Message: "context ended before node start", Err: err}
	}
	if r.rc.Iterations() >= r.rc.limit() {
		return graphErrorf(CodeRecursionLimit, name, "recursion limit of %d reached", r.rc.limit())
	}
	iteration := int(r.rc.iterations.Add(1))

	node := r.g.nodes[name]
	input := r.state.Project(node.Inputs)
	started := time.Now()
	r.inFlight++

	if cb := r.rc.Callbacks.OnNodeStart; cb != nil {
		cb(r.event(name, iteration, started))
	}
	r.log.Trace("Node started", loggingpkg.LogFields{"node": name, "iteration": iteration})

	r.group.Go(func() error {
		c := r.exec.execute(r.nodeCtx, r.g.name, node, input)
		c.iteration = iteration
		c.started = started
		r.results <- c
		if c.err != nil && node.Required {
			return c.err
		}
		return nil
	})
	return nil
}

// complete merges a finished node and schedules its successors.
func (r *run) complete(c completion) error {
	node := r.g.nodes[c.node]
	ev := r.event(c.node, c.iteration, c.started)
	ev.Duration = time.Since(c.started)

	nodeErr := c.err
	if nodeErr == nil {
		if undeclared := undeclaredOutputs(node, c.update); len(undeclared) > 0 {
			nodeErr = &NodeError{Node: c.node, Err: fmt.Errorf("wrote undeclared fields %v", undeclared)}
		} else if err := r.g.schema.merge(r.state, c.update); err != nil {
			nodeErr = &NodeError{Node: c.node, Err: err}
		}
	}

	switch {
	case nodeErr != nil:
		if node.Required {
			return &GraphError{Code: CodeRequiredNodeFailed, Node: c.node, Message: "required node failed", Err: nodeErr}
		}
		r.state[ErrorField] = nodeErr.Error()
		r.log.Error("Node failed", nodeErr, loggingpkg.LogFields{"node": c.node, "iteration": c.iteration})
		if cb := r.rc.Callbacks.OnNodeError; cb != nil {
			cb(ev, nodeErr)
		}
	case c.degraded != nil:
		r.state[ErrorField] = c.degraded.Error()
		r.log.Error("Node output rejected after retries, using default", c.degraded, loggingpkg.LogFields{"node": c.node})
		if cb := r.rc.Callbacks.OnNodeError; cb != nil {
			cb(ev, c.degraded)
		}
	default:
		if cb := r.rc.Callbacks.OnNodeDone; cb != nil {
			cb(ev)
		}
	}

	return r.advance(c.node)
}

func (r *run) advance(from string) error {
	for _, to := range r.g.direct[from] {
		if to == End {
			continue
		}
		preds := r.g.preds[to]
		if len(preds) > 1 {
			arrived := r.arrivals[to]
			if arrived == nil {
				arrived = make(map[string]struct{}, len(preds))
				r.arrivals[to] = arrived
			}
			arrived[from] = struct{}{}
			if len(arrived) < len(preds) {
				continue
			}
			delete(r.arrivals, to)
		}
		if err := r.launch(to); err != nil {
			return err
		}
	}

	edge, ok := r.g.cond[from]
	if !ok {
		return nil
	}
	route, err := selectRoute(edge.Select, r.state.Clone())
	if err != nil {
		return &GraphError{Code: CodeSelectorFailed, Node: from, Message: "selector failed", Err: err}
	}
	next, cont := route.Next()
	if !cont {
		r.log.Trace("Branch terminated", loggingpkg.LogFields{"node": from})
		return nil
	}
	if _, declared := r.g.targets[from][next]; !declared {
		return graphErrorf(CodeUndeclaredRoute, from, "selector returned undeclared target %q", next)
	}
	return r.launch(next)
}

func (r *run) event(node string, iteration int, started time.Time) NodeEvent {
	return NodeEvent{
		Graph:         r.g.name,
		Node:          node,
		CorrelationID: r.rc.CorrelationID,
		Iteration:     iteration,
		StartedAt:     started,
	}
}

// execute runs one node, through the retry wrapper when configured.
func (e *Executor) execute(ctx context.Context, graphName string, node *Node, input State) completion {
	ctx, span := e.tracer.Start(ctx, "graph.Node", trace.WithAttributes(
		attribute.String("graph.name", graphName),
		attribute.String("graph.node", node.Name),
	))
	defer span.End()

	c := completion{node: node.Name}
	if node.Retry == nil {
		c.update, c.err = safeCompute(ctx, node, input)
	} else {
		c.update, c.degraded = retry.Invoke(ctx,
			func(ctx context.Context) (Update, error) { return safeCompute(ctx, node, input) },
			node.Retry.Valid,
			cloneUpdate(node.Retry.Default),
			retry.WithPolicy(node.Retry.Policy),
			retry.WithLogger(e.logger),
			retry.WithName(node.Name),
		)
		// A required node whose last attempt raised fails like an unwrapped one.
		var raised *NodeError
		if node.Required && errors.As(c.degraded, &raised) {
			c.update, c.err, c.degraded = nil, c.degraded, nil
		}
	}

	if err := firstErr(c.err, c.degraded); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return c
}

func safeCompute(ctx context.Context, node *Node, input State) (upd Update, err error) {
	defer func() {
		if p := recover(); p != nil {
			upd, err = nil, &NodeError{Node: node.Name, Panic: p}
		}
	}()
	upd, err = node.Compute(ctx, input.Clone())
	if err != nil {
		return nil, &NodeError{Node: node.Name, Err: err}
	}
	return upd, nil
}

func selectRoute(sel Selector, st State) (route Route, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("selector panicked: %v", p)
		}
	}()
	return sel(st), nil
}

func undeclaredOutputs(node *Node, upd Update) []string {
	var out []string
	for k := range upd {
		if !contains(node.Outputs, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func cloneUpdate(u Update) Update {
	if u == nil {
		return nil
	}
	out := make(Update, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

func pendingJoins(arrivals map[string]map[string]struct{}) []string {
	out := make([]string, 0, len(arrivals))
	for node := range arrivals {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
