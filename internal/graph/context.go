package graph

import (
	"sync/atomic"
	"time"
)

// RunContext carries per-run execution bookkeeping. Create one per run.
type RunContext struct {
	CorrelationID string
	// RecursionLimit bounds node executions. Zero uses DefaultRecursionLimit.
	RecursionLimit int
	Callbacks      Callbacks

	iterations atomic.Int64
	cancelled  atomic.Bool
}

// NewRunContext creates a RunContext for one run.
func NewRunContext(correlationID string) *RunContext {
	return &RunContext{CorrelationID: correlationID}
}

// WithRecursionLimit sets the recursion limit and returns rc.
func (rc *RunContext) WithRecursionLimit(limit int) *RunContext {
	rc.RecursionLimit = limit
	return rc
}

// WithCallbacks merges cb into the run's callbacks and returns rc.
func (rc *RunContext) WithCallbacks(cb Callbacks) *RunContext {
	rc.Callbacks = rc.Callbacks.Merge(cb)
	return rc
}

// Cancel asks the executor to stop scheduling nodes. Nodes already running finish.
func (rc *RunContext) Cancel() { rc.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (rc *RunContext) Cancelled() bool { return rc.cancelled.Load() }

// Iterations returns the number of node executions started so far.
func (rc *RunContext) Iterations() int { return int(rc.iterations.Load()) }

func (rc *RunContext) limit() int {
	if rc.RecursionLimit <= 0 {
		return DefaultRecursionLimit
	}
	return rc.RecursionLimit
}

// NodeEvent describes one node execution.
type NodeEvent struct {
	Graph         string
	Node          string
	CorrelationID string
	Iteration     int
	StartedAt     time.Time
	// Duration is zero in OnNodeStart.
	Duration time.Duration
}

// RunEvent describes a finished run.
type RunEvent struct {
	Graph         string
	CorrelationID string
	Iterations    int
	StartedAt     time.Time
	Duration      time.Duration
}

// Callbacks are side-channel observers of a run. They are called from the
// executor's scheduling goroutine, one at a time, and must not block.
type Callbacks struct {
	OnNodeStart func(NodeEvent)
	OnNodeDone  func(NodeEvent)
	// OnNodeError receives recorded node failures and exhausted retries.
	OnNodeError func(NodeEvent, error)
	OnRunDone   func(RunEvent, error)
}

// Merge returns callbacks that call c first and then other.
func (c Callbacks) Merge(other Callbacks) Callbacks {
	return Callbacks{
		OnNodeStart: chain(c.OnNodeStart, other.OnNodeStart),
		OnNodeDone:  chain(c.OnNodeDone, other.OnNodeDone),
		OnNodeError: chain2(c.OnNodeError, other.OnNodeError),
		OnRunDone:   chain2(c.OnRunDone, other.OnRunDone),
	}
}

func chain[E any](a, b func(E)) func(E) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ev E) {
		a(ev)
		b(ev)
	}
}

func chain2[E any](a, b func(E, error)) func(E, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ev E, err error) {
		a(ev, err)
		b(ev, err)
	}
}
