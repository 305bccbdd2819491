package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/essaygraph/graph/emit"
	"github.com/dshills/essaygraph/graph/store"
)

// State returns the latest checkpoint of threadID, or a *NoCheckpointError.
func (e *Engine[S]) State(ctx context.Context, threadID string) (store.Checkpoint[S], error) {
	return e.latest(ctx, threadID)
}

// History returns every checkpoint of threadID, oldest first.
func (e *Engine[S]) History(ctx context.Context, threadID string) ([]store.Checkpoint[S], error) {
	cps, err := e.store.History(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NoCheckpointError{ThreadID: threadID}
	}
	return cps, err
}

// Threads lists every thread with at least one checkpoint.
func (e *Engine[S]) Threads(ctx context.Context) ([]string, error) {
	return e.store.Threads(ctx)
}

// Delete removes a thread's checkpoints. It waits for any in-flight run on
// the thread to finish first.
func (e *Engine[S]) Delete(ctx context.Context, threadID string) error {
	release, err := e.locks.acquire(ctx, threadID)
	if err != nil {
		return err
	}
	defer release()
	return e.store.Delete(ctx, threadID)
}

// UpdateState applies a human edit to a paused (or completed) thread as
// though node asNode had produced delta, then writes a new checkpoint.
//
// With no fields given, the written fields of delta are merged by the
// schema's rules and must all be among asNode's declared writes. With
// fields given, exactly those fields are set from delta even when zero,
// which lets an edit clear a field. The next node is recomputed from
// asNode's outgoing edge against the edited state, so editing as
// "generate" re-evaluates the revision check.
func (e *Engine[S]) UpdateState(ctx context.Context, threadID string, delta S, asNode string, fields ...string) (RunResult[S], error) {
	if _, err := e.prepare(threadID, nil); err != nil {
		return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, err
	}

	e.mu.RLock()
	spec, ok := e.nodes[asNode]
	ed := e.edges[asNode]
	e.mu.RUnlock()
	if !ok {
		return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, &EngineError{Message: "unknown node: " + asNode, Code: "NODE_NOT_FOUND"}
	}

	if len(fields) > 0 {
		if err := e.schema.Validate(fields); err != nil {
			return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, err
		}
	}
	names := fields
	if len(names) == 0 {
		names = e.schema.Written(delta)
	}
	for _, n := range names {
		if !spec.declared[n] {
			return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, &EngineError{
				Message: fmt.Sprintf("node %s does not write field %q", asNode, n),
				Code:    "UNDECLARED_WRITE",
			}
		}
	}

	release, err := e.locks.acquire(ctx, threadID)
	if err != nil {
		return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, err
	}
	defer release()

	cp, err := e.latest(ctx, threadID)
	if err != nil {
		return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, err
	}

	var merged S
	if len(fields) > 0 {
		merged = e.schema.Set(cp.State, delta, fields)
	} else {
		merged = e.schema.Merge(cp.State, delta, spec.writes)
	}

	next, err := route(ed, merged)
	if err != nil {
		return resultFrom(cp, StatusFailed), err
	}

	nextCp := store.Checkpoint[S]{
		ID:        e.newID(),
		ThreadID:  threadID,
		Step:      cp.Step + 1,
		State:     merged,
		LastNode:  asNode,
		NextNode:  next.To,
		Completed: next.Terminal,
		CreatedAt: e.now(),
	}
	if err := e.store.Put(ctx, nextCp); err != nil {
		e.opts.Metrics.checkpointFailed()
		return resultFrom(cp, StatusFailed), fmt.Errorf("checkpoint state update: %w", err)
	}

	e.emit(emit.Event{ThreadID: threadID, Step: nextCp.Step, NodeID: asNode, Msg: emit.MsgStateUpdate, Meta: map[string]interface{}{
		"fields": names,
		"next":   nextCp.NextNode,
	}})

	status := StatusPaused
	if nextCp.Completed {
		status = StatusCompleted
	}
	return resultFrom(nextCp, status), nil
}
