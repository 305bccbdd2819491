package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/essaygraph/graph/emit"
	"github.com/dshills/essaygraph/graph/store"
)

// Status is the outcome of one Invoke or Resume call.
type Status string

const (
	// StatusPaused: stopped at an interrupt point; NextNode is pending.
	StatusPaused Status = "paused"
	// StatusCompleted: a terminal transition was taken.
	StatusCompleted Status = "completed"
	// StatusFailed: a node, route or checkpoint write failed. State is the
	// last good checkpoint and NextNode the node to retry on resume.
	StatusFailed Status = "failed"
)

// RunResult reports where a thread stands after a call. It is populated
// on failure too, so callers always see the last good state.
type RunResult[S any] struct {
	ThreadID     string
	State        S
	Status       Status
	LastNode     string
	NextNode     string
	Step         int
	CheckpointID string
}

func resultFrom[S any](cp store.Checkpoint[S], status Status) RunResult[S] {
	return RunResult[S]{
		ThreadID:     cp.ThreadID,
		State:        cp.State,
		Status:       status,
		LastNode:     cp.LastNode,
		NextNode:     cp.NextNode,
		Step:         cp.Step,
		CheckpointID: cp.ID,
	}
}

// Invoke starts a thread or resumes it.
//
// If threadID has no checkpoint, input becomes the initial state, a step-0
// checkpoint is written with the start node pending, and execution begins.
// If a checkpoint exists, input is ignored and execution continues at the
// recorded next node, unless WithRestart is given, in which case the
// thread's history is discarded first. A completed thread is returned as
// is, without executing any node.
func (e *Engine[S]) Invoke(ctx context.Context, threadID string, input S, opts ...RunOption) (RunResult[S], error) {
	cfg, err := e.prepare(threadID, opts)
	if err != nil {
		return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, err
	}

	release, err := e.locks.acquire(ctx, threadID)
	if err != nil {
		return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, err
	}
	defer release()

	if cfg.restart {
		if err := e.store.Delete(ctx, threadID); err != nil {
			return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, fmt.Errorf("restart thread %s: %w", threadID, err)
		}
	}

	cp, err := e.store.Latest(ctx, threadID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cp, err = e.writeInput(ctx, threadID, input)
		if err != nil {
			return RunResult[S]{ThreadID: threadID, State: input, Status: StatusFailed}, err
		}
	case err != nil:
		return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, fmt.Errorf("load thread %s: %w", threadID, err)
	}

	return e.execute(ctx, cp, cfg)
}

// Resume continues a thread from its latest checkpoint without new input.
// It returns a *NoCheckpointError (matching ErrNoCheckpoint) if the thread
// has never run.
func (e *Engine[S]) Resume(ctx context.Context, threadID string, opts ...RunOption) (RunResult[S], error) {
	cfg, err := e.prepare(threadID, opts)
	if err != nil {
		return RunResult[S]{ThreadID: threadID, Status: StatusFailed}, err
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
	return e.execute(ctx, cp, cfg)
}

func (e *Engine[S]) prepare(threadID string, opts []RunOption) (runConfig, error) {
	if threadID == "" {
		return runConfig{}, &EngineError{Message: "thread ID cannot be empty", Code: "INVALID_THREAD"}
	}

	e.mu.Lock()
	err := e.compileLocked()
	e.mu.Unlock()
	if err != nil {
		return runConfig{}, err
	}

	cfg := runConfig{maxSteps: e.opts.MaxSteps}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.interruptSet {
		cfg.interruptAfter = e.opts.InterruptAfter
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkNodes(cfg.interruptAfter); err != nil {
		return runConfig{}, err
	}
	return cfg, nil
}

// latest loads the newest checkpoint, mapping ErrNotFound to a
// *NoCheckpointError.
func (e *Engine[S]) latest(ctx context.Context, threadID string) (store.Checkpoint[S], error) {
	cp, err := e.store.Latest(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return cp, &NoCheckpointError{ThreadID: threadID}
	}
	if err != nil {
		return cp, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	return cp, nil
}

func (e *Engine[S]) writeInput(ctx context.Context, threadID string, input S) (store.Checkpoint[S], error) {
	e.mu.RLock()
	start := e.startNode
	e.mu.RUnlock()

	cp := store.Checkpoint[S]{
		ID:        e.newID(),
		ThreadID:  threadID,
		Step:      0,
		State:     input,
		NextNode:  start,
		CreatedAt: e.now(),
	}
	if err := e.store.Put(ctx, cp); err != nil {
		e.opts.Metrics.checkpointFailed()
		return cp, fmt.Errorf("write input checkpoint: %w", err)
	}
	e.emit(emit.Event{ThreadID: threadID, Step: 0, Msg: emit.MsgCheckpoint, Meta: map[string]interface{}{"next": start}})
	return cp, nil
}

// execute runs nodes from cp until a terminal transition, an interrupt,
// a failure or the step limit. The caller holds the thread lock.
func (e *Engine[S]) execute(ctx context.Context, cp store.Checkpoint[S], cfg runConfig) (res RunResult[S], err error) {
	threadID := cp.ThreadID
	if cp.Completed {
		e.opts.Metrics.RecordRun(StatusCompleted)
		return resultFrom(cp, StatusCompleted), nil
	}

	e.opts.Metrics.threadStarted()
	defer e.opts.Metrics.threadFinished()

	e.emit(emit.Event{ThreadID: threadID, Step: cp.Step, Msg: emit.MsgRunStart, Meta: map[string]interface{}{"next": cp.NextNode}})
	defer func() {
		meta := map[string]interface{}{"status": string(res.Status), "next": res.NextNode}
		if err != nil {
			meta["error"] = err.Error()
		}
		e.emit(emit.Event{ThreadID: threadID, Step: res.Step, Msg: emit.MsgRunEnd, Meta: meta})
		e.opts.Metrics.RecordRun(res.Status)
	}()

	interrupts := setOf(cfg.interruptAfter)
	executed := 0

	for {
		if err := ctx.Err(); err != nil {
			return resultFrom(cp, StatusFailed), err
		}
		if cfg.maxSteps > 0 && executed >= cfg.maxSteps {
			return resultFrom(cp, StatusFailed), &EngineError{
				Message: fmt.Sprintf("thread %s executed %d nodes without finishing", threadID, executed),
				Code:    "MAX_STEPS_EXCEEDED",
				Err:     ErrMaxStepsExceeded,
			}
		}

		e.mu.RLock()
		spec, ok := e.nodes[cp.NextNode]
		ed := e.edges[cp.NextNode]
		e.mu.RUnlock()
		if !ok {
			return resultFrom(cp, StatusFailed), &EngineError{
				Message: fmt.Sprintf("checkpoint %d of thread %s points at unknown node %q", cp.Step, threadID, cp.NextNode),
				Code:    "NODE_NOT_FOUND",
			}
		}

		step := cp.Step + 1
		delta, err := e.runNode(ctx, threadID, step, spec, cp.State)
		if err != nil {
			return resultFrom(cp, StatusFailed), &NodeError{NodeID: spec.id, Step: step, Cause: err}
		}

		if bad := e.schema.undeclared(delta, spec.declared); len(bad) > 0 {
			err := &EngineError{
				Message: fmt.Sprintf("node %s wrote undeclared fields %v", spec.id, bad),
				Code:    "UNDECLARED_WRITE",
			}
			e.emit(emit.Event{ThreadID: threadID, Step: step, NodeID: spec.id, Msg: emit.MsgNodeError, Meta: map[string]interface{}{"error": err.Error()}})
			return resultFrom(cp, StatusFailed), err
		}

		merged := e.schema.Merge(cp.State, delta, spec.writes)
		next, err := route(ed, merged)
		if err == nil && !next.Terminal {
			e.mu.RLock()
			_, known := e.nodes[next.To]
			e.mu.RUnlock()
			if !known {
				err = &EngineError{Message: fmt.Sprintf("router for %s chose unknown node %q", spec.id, next.To), Code: "INVALID_ROUTE"}
			}
		}
		if err != nil {
			return resultFrom(cp, StatusFailed), err
		}

		nextCp := store.Checkpoint[S]{
			ID:        e.newID(),
			ThreadID:  threadID,
			Step:      step,
			State:     merged,
			LastNode:  spec.id,
			NextNode:  next.To,
			Completed: next.Terminal,
			CreatedAt: e.now(),
		}
		// A node's completed work is persisted even if the caller cancels
		// while the write is in flight.
		if err := e.store.Put(context.WithoutCancel(ctx), nextCp); err != nil {
			e.opts.Metrics.checkpointFailed()
			return resultFrom(cp, StatusFailed), fmt.Errorf("checkpoint after %s: %w", spec.id, err)
		}
		cp = nextCp
		executed++
		e.emit(emit.Event{ThreadID: threadID, Step: step, NodeID: spec.id, Msg: emit.MsgCheckpoint, Meta: map[string]interface{}{
			"checkpoint_id": cp.ID,
			"next":          cp.NextNode,
			"completed":     cp.Completed,
		}})

		if cp.Completed {
			return resultFrom(cp, StatusCompleted), nil
		}
		if interrupts[spec.id] {
			e.opts.Metrics.IncrementInterrupts(spec.id)
			e.emit(emit.Event{ThreadID: threadID, Step: step, NodeID: spec.id, Msg: emit.MsgInterrupt, Meta: map[string]interface{}{"next": cp.NextNode}})
			return resultFrom(cp, StatusPaused), nil
		}
	}
}

// route evaluates an edge, rejecting malformed or undeclared transitions
// and converting a router panic into an error.
func route[S any](ed edge[S], state S) (next Next, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EngineError{Message: fmt.Sprintf("router for %s panicked: %v", ed.from, r), Code: "INVALID_ROUTE"}
		}
	}()

	next = ed.resolve(state)
	if !next.Terminal && next.To == "" {
		return next, &EngineError{Message: "router for " + ed.from + " returned neither a node nor Stop", Code: "INVALID_ROUTE"}
	}
	if !ed.allows(next) {
		return next, &EngineError{Message: fmt.Sprintf("router for %s chose undeclared destination %q", ed.from, next.To), Code: "INVALID_ROUTE"}
	}
	return next, nil
}

// runNode executes one node, retrying per its RetryPolicy. The node gets
// its own copy of the state.
func (e *Engine[S]) runNode(ctx context.Context, threadID string, step int, spec *nodeSpec[S], state S) (S, error) {
	var zero S
	input, err := cloneState(state)
	if err != nil {
		return zero, err
	}

	var rp *RetryPolicy
	if spec.policy != nil {
		rp = spec.policy.RetryPolicy
	}

	ctx = withExec(ctx, ExecInfo{ThreadID: threadID, Step: step, NodeID: spec.id}, func(attempt int, err error, wait time.Duration) {
		e.opts.Metrics.IncrementRetries(spec.id, RetryReason(err))
		e.emit(emit.Event{ThreadID: threadID, Step: step, NodeID: spec.id, Msg: emit.MsgNodeRetry, Meta: map[string]interface{}{
			"scope":   "call",
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
			"error":   err.Error(),
		}})
	})

	for attempt := 0; ; attempt++ {
		e.emit(emit.Event{ThreadID: threadID, Step: step, NodeID: spec.id, Msg: emit.MsgNodeStart, Meta: map[string]interface{}{"attempt": attempt}})
		start := time.Now()
		res := executeNode(ctx, spec, input, e.opts.DefaultNodeTimeout)
		elapsed := time.Since(start)

		if res.Err == nil {
			e.opts.Metrics.RecordStepLatency(spec.id, elapsed, "success")
			e.emit(emit.Event{ThreadID: threadID, Step: step, NodeID: spec.id, Msg: emit.MsgNodeEnd, Meta: map[string]interface{}{
				"duration_ms": elapsed.Milliseconds(),
				"writes":      e.schema.Written(res.Delta),
			}})
			return res.Delta, nil
		}

		e.opts.Metrics.RecordStepLatency(spec.id, elapsed, "error")
		e.emit(emit.Event{ThreadID: threadID, Step: step, NodeID: spec.id, Msg: emit.MsgNodeError, Meta: map[string]interface{}{
			"duration_ms": elapsed.Milliseconds(),
			"error":       res.Err.Error(),
			"attempt":     attempt,
		}})

		if rp == nil || attempt+1 >= rp.MaxAttempts || !rp.retryable(res.Err) || ctx.Err() != nil {
			return zero, res.Err
		}

		wait := delayFor(rp, attempt, res.Err)
		e.opts.Metrics.IncrementRetries(spec.id, RetryReason(res.Err))
		e.emit(emit.Event{ThreadID: threadID, Step: step, NodeID: spec.id, Msg: emit.MsgNodeRetry, Meta: map[string]interface{}{
			"scope":   "node",
			"attempt": attempt + 1,
			"wait_ms": wait.Milliseconds(),
			"error":   res.Err.Error(),
		}})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
