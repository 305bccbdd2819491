package graph

import (
	"context"
	"time"
)

// Node is a processing step in the workflow graph. It receives the full
// current state and returns a partial update.
//
// Nodes never route. Where execution goes next is decided by the edge
// table after the update is merged, so a node can be tested in isolation
// with nothing but a state value.
type Node[S any] interface {
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeResult is the output of one node execution.
type NodeResult[S any] struct {
	// Delta is the partial state update. Only fields the node declared as
	// writes may be non-zero.
	Delta S

	// Err fails the step. The delta is discarded and the thread stays at
	// its last checkpoint.
	Err error
}

// NodeFunc adapts a plain function to the Node interface.
//
// Example:
//
//	planner := graph.NodeFunc[State](func(ctx context.Context, s State) graph.NodeResult[State] {
//	    return graph.NodeResult[State]{Delta: State{Plan: "outline"}}
//	})
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements Node.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}

// Effect names an external interaction a node performs. Effects are
// descriptive: they label events and metrics and let front ends show what a
// pending node will do.
type Effect string

const (
	EffectModel  Effect = "model"
	EffectSearch Effect = "search"
)

// NodeError wraps a failure returned (or raised) by a node with the node's
// ID and the step it was executing.
type NodeError struct {
	NodeID string
	Step   int
	Cause  error
}

func (e *NodeError) Error() string {
	return "node " + e.NodeID + ": " + e.Cause.Error()
}

func (e *NodeError) Unwrap() error { return e.Cause }

// nodeSpec is the registered descriptor of a node.
type nodeSpec[S any] struct {
	id       string
	node     Node[S]
	writes   []string
	declared map[string]bool
	effects  []Effect
	policy   *NodePolicy
}

// ExecInfo identifies the node execution a context belongs to. The engine
// attaches it to the context every node receives.
type ExecInfo struct {
	ThreadID string
	Step     int
	NodeID   string
}

type execKey struct{}

type execValue struct {
	info   ExecInfo
	report RetryNotify
}

// ExecInfoFrom returns the execution identity carried by ctx, if any.
func ExecInfoFrom(ctx context.Context) (ExecInfo, bool) {
	v, ok := ctx.Value(execKey{}).(*execValue)
	if !ok {
		return ExecInfo{}, false
	}
	return v.info, true
}

func withExec(ctx context.Context, info ExecInfo, report RetryNotify) context.Context {
	return context.WithValue(ctx, execKey{}, &execValue{info: info, report: report})
}

// reportRetry forwards an in-node retry to the engine that owns ctx.
func reportRetry(ctx context.Context, attempt int, err error, wait time.Duration) {
	if v, ok := ctx.Value(execKey{}).(*execValue); ok && v.report != nil {
		v.report(attempt, err, wait)
	}
}
