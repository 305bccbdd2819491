package essay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/graph/store"
)

// Outcome classifies where a thread stands after a call. Reaching the
// revision cap is the normal end of a run, not an error.
type Outcome string

const (
	OutcomePaused             Outcome = "paused"
	OutcomeRevisionCapReached Outcome = "revision_cap_reached"
	OutcomeFailed             Outcome = "failed"
)

// Result is the caller-facing view of a thread.
type Result struct {
	ThreadID        string     `json:"thread_id"`
	Task            string     `json:"task"`
	Plan            string     `json:"plan"`
	ResearchContent []string   `json:"research_content"`
	Draft           string     `json:"draft"`
	Critique        string     `json:"critique"`
	Queries         []string   `json:"queries"`
	RevisionNumber  int        `json:"revision_number"`
	MaxRevisions    int        `json:"max_revisions"`
	Snapshots       []Snapshot `json:"state_snapshots"`
	LastNode        string     `json:"last_node"`
	// PausedAt is the node that runs next on Continue. Empty when Terminal.
	PausedAt     string  `json:"paused_at,omitempty"`
	Terminal     bool    `json:"terminal"`
	Outcome      Outcome `json:"outcome"`
	Step         int     `json:"step"`
	CheckpointID string  `json:"checkpoint_id"`
}

// RunRequest starts (or resumes) a thread.
type RunRequest struct {
	Topic string
	// ThreadID defaults to a fresh UUID.
	ThreadID     string
	MaxRevisions int
	// InterruptAfter overrides the configured interrupt set when non-nil.
	// An empty non-nil slice runs without interrupts.
	InterruptAfter []string
	// Restart discards the thread's history first.
	Restart bool
}

// EditRequest is a human edit to a paused thread. Nil fields are left
// alone; a non-nil empty string clears the field.
type EditRequest struct {
	// AsNode attributes the edit to a node. When empty it is inferred
	// from the single field being edited.
	AsNode   string
	Plan     *string
	Draft    *string
	Critique *string
}

// ErrEmptyTopic is returned by Run without a topic.
var ErrEmptyTopic = errors.New("essay: topic is required")

// Writer drives essay threads. It is safe for concurrent use; calls on the
// same thread are serialized by the engine.
type Writer struct {
	engine   *graph.Engine[AgentState]
	newID    func() string
	maxSteps int
}

// NewWriter builds the workflow engine and wraps it.
func NewWriter(deps Deps, cfg Config) (*Writer, error) {
	engine, err := NewEngine(deps, cfg)
	if err != nil {
		return nil, err
	}
	return &Writer{engine: engine, newID: uuid.NewString, maxSteps: cfg.withDefaults().MaxSteps}, nil
}

// stepLimit is the per-call node budget for a thread capped at
// maxRevisions: planner and research_plan, three nodes per revision loop,
// the final generate, and one to spare. The configured limit still applies
// when it is higher.
func (w *Writer) stepLimit(maxRevisions int) int {
	return max(w.maxSteps, 3*maxRevisions+4)
}

// storedCap returns the revision cap recorded for an existing thread.
func (w *Writer) storedCap(ctx context.Context, threadID string) (int, bool) {
	cp, err := w.engine.State(ctx, threadID)
	if err != nil {
		return 0, false
	}
	return cp.State.MaxRevisions, true
}

// Engine exposes the underlying engine for inspection.
func (w *Writer) Engine() *graph.Engine[AgentState] { return w.engine }

// Run starts a thread for req.Topic, or continues it if it already has
// checkpoints (the topic and cap are then ignored unless Restart is set).
// On failure the returned Result still carries the last good state.
func (w *Writer) Run(ctx context.Context, req RunRequest) (Result, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return Result{ThreadID: req.ThreadID, Outcome: OutcomeFailed}, ErrEmptyTopic
	}
	if req.MaxRevisions < 0 {
		return Result{ThreadID: req.ThreadID, Outcome: OutcomeFailed}, &graph.ValidationError{
			Field:  FieldMaxRevisions,
			Reason: fmt.Sprintf("must be >= 0, got %d", req.MaxRevisions),
		}
	}
	threadID := req.ThreadID
	if threadID == "" {
		threadID = w.newID()
	}

	var opts []graph.RunOption
	if req.InterruptAfter != nil {
		opts = append(opts, graph.WithInterruptAfter(req.InterruptAfter...))
	}
	if req.Restart {
		opts = append(opts, graph.WithRestart())
	}
	revisionCap := req.MaxRevisions
	if !req.Restart {
		if stored, ok := w.storedCap(ctx, threadID); ok {
			revisionCap = stored
		}
	}
	opts = append(opts, graph.WithStepLimit(w.stepLimit(revisionCap)))

	input := AgentState{Task: req.Topic, MaxRevisions: req.MaxRevisions}
	res, err := w.engine.Invoke(ctx, threadID, input, opts...)
	return toResult(res), err
}

// Continue resumes a paused (or failed) thread. interruptAfter overrides
// the configured set when non-nil. It fails with an error matching
// graph.ErrNoCheckpoint for a thread that has never run.
func (w *Writer) Continue(ctx context.Context, threadID string, interruptAfter []string) (Result, error) {
	var opts []graph.RunOption
	if interruptAfter != nil {
		opts = append(opts, graph.WithInterruptAfter(interruptAfter...))
	}
	if revisionCap, ok := w.storedCap(ctx, threadID); ok {
		opts = append(opts, graph.WithStepLimit(w.stepLimit(revisionCap)))
	}
	res, err := w.engine.Resume(ctx, threadID, opts...)
	return toResult(res), err
}

// Inspect returns the thread's latest state without running anything.
func (w *Writer) Inspect(ctx context.Context, threadID string) (Result, error) {
	cp, err := w.engine.State(ctx, threadID)
	if err != nil {
		return Result{ThreadID: threadID}, err
	}
	return fromCheckpoint(cp), nil
}

// History returns every checkpoint of the thread, oldest first.
func (w *Writer) History(ctx context.Context, threadID string) ([]Result, error) {
	cps, err := w.engine.History(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(cps))
	for i, cp := range cps {
		out[i] = fromCheckpoint(cp)
	}
	return out, nil
}

// Threads lists known thread IDs.
func (w *Writer) Threads(ctx context.Context) ([]string, error) {
	return w.engine.Threads(ctx)
}

// Edit applies a human edit as though AsNode had produced it. Editing the
// draft as generate re-evaluates the revision check, so an edit can end
// the thread.
func (w *Writer) Edit(ctx context.Context, threadID string, req EditRequest) (Result, error) {
	var (
		delta  AgentState
		fields []string
		owners []string
	)
	if req.Plan != nil {
		delta.Plan = *req.Plan
		fields = append(fields, FieldPlan)
		owners = append(owners, NodePlanner)
	}
	if req.Draft != nil {
		delta.Draft = *req.Draft
		fields = append(fields, FieldDraft)
		owners = append(owners, NodeGenerate)
	}
	if req.Critique != nil {
		delta.Critique = *req.Critique
		fields = append(fields, FieldCritique)
		owners = append(owners, NodeReflect)
	}
	if len(fields) == 0 {
		return Result{ThreadID: threadID}, &graph.ValidationError{Field: "edit", Reason: "nothing to edit"}
	}

	asNode := req.AsNode
	if asNode == "" {
		if len(owners) > 1 {
			return Result{ThreadID: threadID}, &graph.ValidationError{Field: "edit", Reason: "editing several fields needs an explicit node"}
		}
		asNode = owners[0]
	}

	res, err := w.engine.UpdateState(ctx, threadID, delta, asNode, fields...)
	return toResult(res), err
}

// Reset deletes the thread's checkpoints.
func (w *Writer) Reset(ctx context.Context, threadID string) error {
	return w.engine.Delete(ctx, threadID)
}

func toResult(res graph.RunResult[AgentState]) Result {
	r := fromState(res.ThreadID, res.State)
	r.LastNode = res.LastNode
	r.Step = res.Step
	r.CheckpointID = res.CheckpointID
	switch res.Status {
	case graph.StatusCompleted:
		r.Terminal = true
		r.Outcome = OutcomeRevisionCapReached
	case graph.StatusPaused:
		r.PausedAt = res.NextNode
		r.Outcome = OutcomePaused
	default:
		r.PausedAt = res.NextNode
		r.Outcome = OutcomeFailed
	}
	return r
}

func fromCheckpoint(cp store.Checkpoint[AgentState]) Result {
	r := fromState(cp.ThreadID, cp.State)
	r.LastNode = cp.LastNode
	r.Step = cp.Step
	r.CheckpointID = cp.ID
	if cp.Completed {
		r.Terminal = true
		r.Outcome = OutcomeRevisionCapReached
	} else {
		r.PausedAt = cp.NextNode
		r.Outcome = OutcomePaused
	}
	return r
}

func fromState(threadID string, s AgentState) Result {
	return Result{
		ThreadID:        threadID,
		Task:            s.Task,
		Plan:            s.Plan,
		ResearchContent: s.ResearchContent,
		Draft:           s.Draft,
		Critique:        s.Critique,
		Queries:         s.Queries,
		RevisionNumber:  s.RevisionNumber,
		MaxRevisions:    s.MaxRevisions,
		Snapshots:       s.Snapshots,
	}
}
