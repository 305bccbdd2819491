package essay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/graph/emit"
	"github.com/dshills/essaygraph/graph/model"
	"github.com/dshills/essaygraph/graph/store"
	"github.com/dshills/essaygraph/graph/tool"
)

// scripted answers each node by its system prompt and counts calls.
type scripted struct {
	*model.MockChatModel
	plans, drafts, critiques, queryCalls atomic.Int32
	queries                              []interface{}
}

func newScripted() *scripted {
	s := &scripted{MockChatModel: &model.MockChatModel{}, queries: []interface{}{"pizza history", "pizza economics"}}
	s.Respond = func(call model.MockChatCall) (model.ChatOut, error) {
		system := call.System()
		switch {
		case len(call.Tools) == 1 && call.Tools[0].Name == "queries":
			s.queryCalls.Add(1)
			return model.ChatOut{ToolCalls: []model.ToolCall{{
				Name:  "queries",
				Input: map[string]interface{}{"queries": s.queries},
			}}}, nil
		case strings.HasPrefix(system, "You are an expert writer"):
			s.plans.Add(1)
			return model.ChatOut{Text: "I. Intro\nII. Body\nIII. Conclusion"}, nil
		case strings.HasPrefix(system, "You are an essay assistant"):
			n := s.drafts.Add(1)
			return model.ChatOut{Text: fmt.Sprintf("draft %d", n)}, nil
		case strings.HasPrefix(system, "You are a teacher"):
			n := s.critiques.Add(1)
			return model.ChatOut{Text: fmt.Sprintf("critique %d", n)}, nil
		}
		return model.ChatOut{}, fmt.Errorf("unexpected prompt %q", system)
	}
	return s
}

type fixture struct {
	writer   *Writer
	model    *scripted
	searcher *tool.MockSearcher
	events   *emit.BufferedEmitter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	fx := &fixture{
		model:    newScripted(),
		searcher: &tool.MockSearcher{},
		events:   emit.NewBufferedEmitter(),
	}
	if cfg.SearchRetry == nil {
		cfg.SearchRetry = &graph.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	}
	w, err := NewWriter(Deps{
		Model:   fx.model,
		Search:  fx.searcher,
		Store:   store.NewMemStore[AgentState](),
		Emitter: fx.events,
	}, cfg)
	require.NoError(t, err)
	fx.writer = w
	return fx
}

func (fx *fixture) nodeRuns(threadID, node string) int {
	return len(fx.events.HistoryWithFilter(threadID, emit.HistoryFilter{NodeID: node, Msg: emit.MsgNodeEnd}))
}

func TestRun_MaxRevisionsZero(t *testing.T) {
	fx := newFixture(t, Config{})
	res, err := fx.writer.Run(context.Background(), RunRequest{Topic: "Pizza Shop", ThreadID: "t1", MaxRevisions: 0})
	require.NoError(t, err)

	assert.Equal(t, OutcomeRevisionCapReached, res.Outcome)
	assert.True(t, res.Terminal)
	assert.Empty(t, res.PausedAt)
	assert.Equal(t, 1, res.RevisionNumber)
	assert.Equal(t, "draft 1", res.Draft)
	assert.NotEmpty(t, res.Plan)
	assert.Len(t, res.ResearchContent, 2, "one hit per query")
	assert.Equal(t, NodeGenerate, res.LastNode)

	assert.EqualValues(t, 1, fx.model.drafts.Load())
	assert.Zero(t, fx.nodeRuns("t1", NodeReflect))
	assert.Zero(t, fx.nodeRuns("t1", NodeResearchCritique))
	assert.Empty(t, res.Critique)
}

func TestRun_MaxRevisionsTwo(t *testing.T) {
	fx := newFixture(t, Config{})
	res, err := fx.writer.Run(context.Background(), RunRequest{Topic: "Pizza Shop", ThreadID: "t1", MaxRevisions: 2})
	require.NoError(t, err)

	assert.Equal(t, OutcomeRevisionCapReached, res.Outcome)
	assert.Equal(t, 3, res.RevisionNumber)
	assert.Equal(t, "draft 3", res.Draft)
	assert.Equal(t, "critique 2", res.Critique)

	assert.EqualValues(t, 3, fx.model.drafts.Load())
	assert.EqualValues(t, 3, fx.model.queryCalls.Load(), "one initial research pass and two critique-driven passes")
	assert.Equal(t, 1, fx.nodeRuns("t1", NodeResearchPlan))
	assert.Equal(t, 2, fx.nodeRuns("t1", NodeResearchCritique))
	assert.Len(t, fx.searcher.Queries(), 6)
	assert.Len(t, res.ResearchContent, 6, "research accumulates across passes")

	nodes := make([]string, len(res.Snapshots))
	for i, s := range res.Snapshots {
		nodes[i] = s.Node
		assert.Equal(t, i+1, s.Step, "snapshot %d records the step that wrote it", i)
	}
	assert.Equal(t, []string{
		NodePlanner, NodeResearchPlan, NodeGenerate,
		NodeReflect, NodeResearchCritique, NodeGenerate,
		NodeReflect, NodeResearchCritique, NodeGenerate,
	}, nodes)
}

func TestRun_RevisionNumberTracksLoops(t *testing.T) {
	for maxRev := 0; maxRev <= 3; maxRev++ {
		t.Run(fmt.Sprintf("max_revisions=%d", maxRev), func(t *testing.T) {
			fx := newFixture(t, Config{})
			res, err := fx.writer.Run(context.Background(), RunRequest{Topic: "x", ThreadID: "t", MaxRevisions: maxRev})
			require.NoError(t, err)
			assert.Equal(t, maxRev+1, res.RevisionNumber)
			assert.EqualValues(t, maxRev+1, fx.model.drafts.Load())
			assert.EqualValues(t, maxRev, fx.model.critiques.Load())
		})
	}
}

func TestRun_LargeRevisionCap(t *testing.T) {
	fx := newFixture(t, Config{})
	res, err := fx.writer.Run(context.Background(), RunRequest{Topic: "Pizza Shop", ThreadID: "t1", MaxRevisions: 40})
	require.NoError(t, err)

	assert.Equal(t, OutcomeRevisionCapReached, res.Outcome)
	assert.Equal(t, 41, res.RevisionNumber)
	assert.Equal(t, "draft 41", res.Draft)
	assert.EqualValues(t, 40, fx.model.critiques.Load())
}

func TestContinue_LargeRevisionCapUsesStoredCap(t *testing.T) {
	fx := newFixture(t, Config{MaxSteps: 5})
	ctx := context.Background()

	res, err := fx.writer.Run(ctx, RunRequest{Topic: "Pizza Shop", ThreadID: "t1", MaxRevisions: 10, InterruptAfter: []string{NodePlanner}})
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, res.Outcome)

	res, err = fx.writer.Continue(ctx, "t1", []string{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRevisionCapReached, res.Outcome)
	assert.Equal(t, 11, res.RevisionNumber)
}

func TestRun_InterruptAfterGenerate(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	res, err := fx.writer.Run(ctx, RunRequest{Topic: "Pizza Shop", ThreadID: "t1", MaxRevisions: 1, InterruptAfter: []string{NodeGenerate}})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, res.Outcome)
	assert.Equal(t, NodeGenerate, res.LastNode)
	assert.Equal(t, NodeReflect, res.PausedAt)
	assert.Zero(t, fx.nodeRuns("t1", NodeReflect), "reflect must not run before resume")

	res, err = fx.writer.Continue(ctx, "t1", []string{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRevisionCapReached, res.Outcome)
	assert.Equal(t, 2, res.RevisionNumber)
	assert.Equal(t, 1, fx.nodeRuns("t1", NodeReflect))
}

func TestRun_DefaultInterrupts(t *testing.T) {
	fx := newFixture(t, Config{InterruptAfter: []string{NodePlanner, NodeReflect}})
	ctx := context.Background()

	res, err := fx.writer.Run(ctx, RunRequest{Topic: "x", ThreadID: "t1", MaxRevisions: 1})
	require.NoError(t, err)
	assert.Equal(t, NodeResearchPlan, res.PausedAt)

	res, err = fx.writer.Continue(ctx, "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, NodeResearchCritique, res.PausedAt)

	res, err = fx.writer.Continue(ctx, "t1", nil)
	require.NoError(t, err)
	assert.True(t, res.Terminal)
}

func TestContinue_UnknownThread(t *testing.T) {
	fx := newFixture(t, Config{})
	_, err := fx.writer.Continue(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrNoCheckpoint)
	var nc *graph.NoCheckpointError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, "nope", nc.ThreadID)
}

func TestRun_CompletedThreadIsIdempotent(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	first, err := fx.writer.Run(ctx, RunRequest{Topic: "Pizza Shop", ThreadID: "t1", MaxRevisions: 1})
	require.NoError(t, err)
	calls := fx.model.CallCount()

	second, err := fx.writer.Run(ctx, RunRequest{Topic: "Something else", ThreadID: "t1", MaxRevisions: 5})
	require.NoError(t, err)
	assert.Equal(t, calls, fx.model.CallCount(), "no node re-executed")
	assert.Equal(t, first.Draft, second.Draft)
	assert.Equal(t, first.CheckpointID, second.CheckpointID)
	assert.Equal(t, "Pizza Shop", second.Task)

	third, err := fx.writer.Run(ctx, RunRequest{Topic: "Something else", ThreadID: "t1", MaxRevisions: 0, Restart: true})
	require.NoError(t, err)
	assert.Equal(t, "Something else", third.Task)
	assert.Equal(t, 1, third.RevisionNumber)
}

func TestRun_SearchRateLimitFailsResearch(t *testing.T) {
	fx := newFixture(t, Config{})
	var attempts atomic.Int32
	fx.searcher.Fn = func(ctx context.Context, query string, _ int) ([]tool.SearchResult, error) {
		if query == "pizza history" {
			attempts.Add(1)
			return nil, &graph.RateLimitError{ProviderError: graph.ProviderError{Provider: "tavily", Op: "search", StatusCode: 429}}
		}
		return []tool.SearchResult{{Content: "ok"}}, nil
	}

	res, err := fx.writer.Run(context.Background(), RunRequest{Topic: "Pizza Shop", ThreadID: "t1", MaxRevisions: 2})
	require.Error(t, err)

	var pe *graph.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "tavily", pe.Provider)
	var ne *graph.NodeError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, NodeResearchPlan, ne.NodeID)

	assert.EqualValues(t, 3, attempts.Load(), "search retried up to the policy limit")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.NotEmpty(t, res.Plan, "plan survives")
	assert.Empty(t, res.ResearchContent, "no partial research merged")
	assert.Empty(t, res.Queries)
	assert.Equal(t, NodePlanner, res.LastNode)
	assert.Equal(t, NodeResearchPlan, res.PausedAt)
	assert.Zero(t, fx.model.drafts.Load())

	retries := fx.events.HistoryWithFilter("t1", emit.HistoryFilter{Msg: emit.MsgNodeRetry})
	require.Len(t, retries, 2)
	assert.Equal(t, "call", retries[0].Meta["scope"])

	inspected, err := fx.writer.Inspect(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, res.CheckpointID, inspected.CheckpointID)
}

func TestRun_ModelErrorNotRetried(t *testing.T) {
	fx := newFixture(t, Config{})
	boom := &graph.ProviderError{Provider: "openai", Op: "chat", StatusCode: 503}
	fx.model.Respond = func(model.MockChatCall) (model.ChatOut, error) { return model.ChatOut{}, boom }

	res, err := fx.writer.Run(context.Background(), RunRequest{Topic: "x", ThreadID: "t1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, fx.model.CallCount())
	assert.Equal(t, NodePlanner, res.PausedAt)
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestRun_QueryValidation(t *testing.T) {
	tests := []struct {
		name    string
		queries []interface{}
	}{
		{"too many", []interface{}{"a", "b", "c", "d"}},
		{"none", []interface{}{}},
		{"blank", []interface{}{"  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, Config{})
			fx.model.queries = tt.queries
			res, err := fx.writer.Run(context.Background(), RunRequest{Topic: "x", ThreadID: "t1"})
			var ve *graph.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, FieldQueries, ve.Field)
			assert.Empty(t, fx.searcher.Queries())
			assert.NotEmpty(t, res.Plan)
		})
	}
}

func TestRun_MaxQueriesConfigurable(t *testing.T) {
	fx := newFixture(t, Config{MaxQueries: 5})
	fx.model.queries = []interface{}{"a", "b", "c", "d"}
	res, err := fx.writer.Run(context.Background(), RunRequest{Topic: "x", ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, res.Queries)
	assert.Equal(t, []string{"notes on a", "notes on b", "notes on c", "notes on d"}, res.ResearchContent, "results kept in query order")
}

func TestRun_Validation(t *testing.T) {
	fx := newFixture(t, Config{})
	_, err := fx.writer.Run(context.Background(), RunRequest{Topic: "  "})
	assert.ErrorIs(t, err, ErrEmptyTopic)

	_, err = fx.writer.Run(context.Background(), RunRequest{Topic: "x", MaxRevisions: -1})
	var ve *graph.ValidationError
	assert.ErrorAs(t, err, &ve)

	res, err := fx.writer.Run(context.Background(), RunRequest{Topic: "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ThreadID, "thread ID generated")
}

func TestGenerate_RevisionSeesDraftAndCritique(t *testing.T) {
	fx := newFixture(t, Config{})
	_, err := fx.writer.Run(context.Background(), RunRequest{Topic: "x", ThreadID: "t1", MaxRevisions: 1})
	require.NoError(t, err)

	var writerCalls []model.MockChatCall
	for _, c := range fx.model.Calls() {
		if strings.HasPrefix(c.System(), "You are an essay assistant") {
			writerCalls = append(writerCalls, c)
		}
	}
	require.Len(t, writerCalls, 2)
	assert.Len(t, writerCalls[0].Messages, 2)

	revision := writerCalls[1].Messages
	require.Len(t, revision, 4)
	assert.Equal(t, model.Message{Role: model.RoleAssistant, Content: "draft 1"}, revision[2])
	assert.Contains(t, revision[3].Content, "critique 1")
	assert.Contains(t, revision[0].Content, "notes on pizza history", "research content reaches the writer")
}

func TestEdit(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	_, err := fx.writer.Run(ctx, RunRequest{Topic: "x", ThreadID: "t1", MaxRevisions: 0, InterruptAfter: []string{NodePlanner}})
	require.NoError(t, err)

	plan := "My own outline"
	res, err := fx.writer.Edit(ctx, "t1", EditRequest{Plan: &plan})
	require.NoError(t, err)
	assert.Equal(t, plan, res.Plan)
	assert.Equal(t, NodePlanner, res.LastNode)
	assert.Equal(t, NodeResearchPlan, res.PausedAt)

	res, err = fx.writer.Continue(ctx, "t1", nil)
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.Equal(t, plan, res.Plan)

	calls := fx.model.Calls()
	last := calls[len(calls)-1]
	assert.Contains(t, last.Messages[1].Content, plan, "writer sees the edited plan")
}

func TestEdit_DraftRechecksRevisionCap(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	_, err := fx.writer.Run(ctx, RunRequest{Topic: "x", ThreadID: "t1", MaxRevisions: 1, InterruptAfter: []string{NodeGenerate}})
	require.NoError(t, err)

	draft := "hand-edited draft"
	res, err := fx.writer.Edit(ctx, "t1", EditRequest{Draft: &draft})
	require.NoError(t, err)
	assert.Equal(t, NodeReflect, res.PausedAt, "revision 1 of 1 still continues")
	assert.Equal(t, draft, res.Draft)

	res, err = fx.writer.Continue(ctx, "t1", []string{})
	require.NoError(t, err)
	assert.True(t, res.Terminal)

	var reflectInput string
	for _, c := range fx.model.Calls() {
		if strings.HasPrefix(c.System(), "You are a teacher") {
			reflectInput = c.Messages[1].Content
		}
	}
	assert.Equal(t, draft, reflectInput)
}

func TestEdit_Errors(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()
	s := "x"

	_, err := fx.writer.Edit(ctx, "t1", EditRequest{})
	var ve *graph.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = fx.writer.Edit(ctx, "t1", EditRequest{Plan: &s, Draft: &s})
	assert.ErrorAs(t, err, &ve)

	_, err = fx.writer.Edit(ctx, "missing", EditRequest{Plan: &s})
	assert.ErrorIs(t, err, graph.ErrNoCheckpoint)

	_, err = fx.writer.Run(ctx, RunRequest{Topic: "x", ThreadID: "t1", InterruptAfter: []string{NodePlanner}})
	require.NoError(t, err)
	_, err = fx.writer.Edit(ctx, "t1", EditRequest{AsNode: NodeReflect, Plan: &s})
	var ee *graph.EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "UNDECLARED_WRITE", ee.Code)
}

func TestHistoryThreadsReset(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	_, err := fx.writer.Run(ctx, RunRequest{Topic: "a", ThreadID: "t1"})
	require.NoError(t, err)
	_, err = fx.writer.Run(ctx, RunRequest{Topic: "b", ThreadID: "t2", InterruptAfter: []string{NodePlanner}})
	require.NoError(t, err)

	threads, err := fx.writer.Threads(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, threads)

	history, err := fx.writer.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 4, "input checkpoint plus one per node")
	assert.Equal(t, NodePlanner, history[0].PausedAt)
	assert.True(t, history[3].Terminal)

	require.NoError(t, fx.writer.Reset(ctx, "t1"))
	_, err = fx.writer.Inspect(ctx, "t1")
	assert.ErrorIs(t, err, graph.ErrNoCheckpoint)
}

func TestExport(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()
	_, err := fx.writer.Run(ctx, RunRequest{Topic: "x", ThreadID: "t1", MaxRevisions: 1})
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "out")
	paths, err := fx.writer.Export(ctx, "t1", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "draft_rev_1.md"),
		filepath.Join(dir, "plan_research_rev_1.json"),
		filepath.Join(dir, "draft_rev_2.md"),
		filepath.Join(dir, "plan_research_rev_2.json"),
	}, paths)

	draft, err := os.ReadFile(paths[2])
	require.NoError(t, err)
	assert.Equal(t, "draft 2\n", string(draft))

	raw, err := os.ReadFile(paths[3])
	require.NoError(t, err)
	var rev ExportedRevision
	require.NoError(t, json.Unmarshal(raw, &rev))
	assert.Equal(t, 2, rev.Revision)
	assert.NotEmpty(t, rev.Plan)
	assert.Len(t, rev.Research, 4)

	_, err = fx.writer.Export(ctx, "missing", dir)
	assert.ErrorIs(t, err, graph.ErrNoCheckpoint)
}

func TestConcurrentThreads(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := fx.writer.Run(ctx, RunRequest{Topic: "x", ThreadID: fmt.Sprintf("t%d", i), MaxRevisions: 1})
			if err == nil && res.RevisionNumber != 2 {
				err = errors.New("wrong revision")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestShouldContinue(t *testing.T) {
	assert.Equal(t, graph.Goto(NodeReflect), ShouldContinue(AgentState{RevisionNumber: 1, MaxRevisions: 1}))
	assert.Equal(t, graph.Stop(), ShouldContinue(AgentState{RevisionNumber: 2, MaxRevisions: 1}))
	assert.Equal(t, graph.Stop(), ShouldContinue(AgentState{RevisionNumber: 1, MaxRevisions: 0}))
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Deps{Search: &tool.MockSearcher{}, Store: store.NewMemStore[AgentState]()}, Config{})
	assert.Error(t, err)
	_, err = NewEngine(Deps{Model: newScripted(), Store: store.NewMemStore[AgentState]()}, Config{})
	assert.Error(t, err)
	_, err = NewEngine(Deps{Model: newScripted(), Search: &tool.MockSearcher{}, Store: store.NewMemStore[AgentState]()}, Config{InterruptAfter: []string{"bogus"}})
	assert.Error(t, err)
}
