package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// nodeTimeout picks the per-attempt timeout: the node's policy first, then
// the engine default. Zero means unbounded.
func nodeTimeout(policy *NodePolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	return defaultTimeout
}

// executeNode runs one attempt of a node under its timeout and converts a
// panic into a NODE_PANIC EngineError. A deadline hit by the node's own
// context is reported as a *TimeoutError even if the node returned some
// other error on its way out.
func executeNode[S any](ctx context.Context, spec *nodeSpec[S], state S, defaultTimeout time.Duration) (result NodeResult[S]) {
	timeout := nodeTimeout(spec.policy, defaultTimeout)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = NodeResult[S]{Err: &EngineError{
				Message: fmt.Sprintf("node %s panicked: %v\n%s", spec.id, r, debug.Stack()),
				Code:    "NODE_PANIC",
			}}
		}
	}()

	result = spec.node.Run(runCtx, state)

	if timeout > 0 && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		var te *TimeoutError
		if !errors.As(result.Err, &te) {
			result = NodeResult[S]{Err: &TimeoutError{Op: "node " + spec.id, After: timeout}}
		}
	}
	return result
}
