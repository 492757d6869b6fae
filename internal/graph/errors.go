package graph

import (
	"errors"
	"fmt"
)

// ErrGraphExecution is matched by every fatal *GraphError.
var ErrGraphExecution = errors.New("graph execution error")

// Error codes carried by GraphError.
const (
	CodeInvalidGraph       = "INVALID_GRAPH"
	CodeInvalidState       = "INVALID_STATE"
	CodeRecursionLimit     = "RECURSION_LIMIT"
	CodeUndeclaredRoute    = "UNDECLARED_ROUTE"
	CodeRequiredNodeFailed = "REQUIRED_NODE_FAILED"
	CodeRunCancelled       = "RUN_CANCELLED"
	CodeSelectorFailed     = "SELECTOR_FAILED"
)

// GraphError is a structural failure. It aborts the run and is returned to the caller.
type GraphError struct {
	Code    string
	Message string
	Node    string
	Err     error
}

func (e *GraphError) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Node != "" {
		msg = fmt.Sprintf("%s: node %q: %s", e.Code, e.Node, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GraphError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrGraphExecution}
	}
	return []error{ErrGraphExecution, e.Err}
}

func graphErrorf(code, node, format string, args ...any) *GraphError {
	return &GraphError{Code: code, Node: node, Message: fmt.Sprintf(format, args...)}
}

// NodeError is a failure raised by a node's compute function, including a
// recovered panic. Unless the node is required it is recorded in the state's
// error field and the run continues.
type NodeError struct {
	Node  string
	Err   error
	Panic any
}

func (e *NodeError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("node %s panicked: %v", e.Node, e.Panic)
	}
	return fmt.Sprintf("node %s: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
