package tui

import (
	"context"
	"errors"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/essaygraph/essay"
	"github.com/dshills/essaygraph/graph/emit"
)

type fakeService struct {
	mu        sync.Mutex
	runs      []essay.RunRequest
	continues [][]string
	reset     []string
	exported  []string
	threads   []string
	result    essay.Result
	err       error
}

func (f *fakeService) Run(_ context.Context, req essay.RunRequest) (essay.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req)
	res := f.result
	res.ThreadID = req.ThreadID
	return res, f.err
}

func (f *fakeService) Continue(_ context.Context, threadID string, interruptAfter []string) (essay.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continues = append(f.continues, interruptAfter)
	res := f.result
	res.ThreadID = threadID
	return res, f.err
}

func (f *fakeService) Inspect(_ context.Context, threadID string) (essay.Result, error) {
	res := f.result
	res.ThreadID = threadID
	return res, nil
}

func (f *fakeService) Threads(context.Context) ([]string, error) { return f.threads, nil }

func (f *fakeService) Reset(_ context.Context, threadID string) error {
	f.reset = append(f.reset, threadID)
	return nil
}

func (f *fakeService) Export(_ context.Context, threadID, dir string) ([]string, error) {
	f.exported = append(f.exported, threadID)
	return []string{dir + "/draft_rev_1.md", dir + "/plan_research_rev_1.json"}, nil
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// drain runs cmd and returns every message it produces, skipping timers.
func drain(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, drain(c)...)
		}
		return out
	}
	if _, ok := msg.(tickMsg); ok {
		return nil
	}
	return []tea.Msg{msg}
}

func feed(a *App, cmd tea.Cmd) {
	for _, msg := range drain(cmd) {
		switch msg.(type) {
		case resultMsg, threadsLoadedMsg, resetMsg, exportedMsg:
			_, next := a.Update(msg)
			if _, ok := msg.(resultMsg); ok {
				feed(a, next)
			}
		}
	}
}

func newTestApp(svc *fakeService, events EventSource) *App {
	a := NewApp(svc, events, Options{MaxRevisions: 1, InterruptAfter: []string{essay.NodeGenerate}, ExportDir: "out"})
	a.newID = func() string { return "thread-1" }
	return a
}

func TestApp_ListsThreads(t *testing.T) {
	svc := &fakeService{threads: []string{"a", "b"}}
	a := newTestApp(svc, nil)
	feed(a, a.Init())

	assert.Equal(t, []string{"a", "b"}, a.threads)
	a.Update(key("j"))
	assert.Equal(t, 1, a.selectedIdx)
	assert.Contains(t, a.View(), "▶ b")

	_, cmd := a.Update(key("enter"))
	feed(a, cmd)
	assert.Equal(t, ViewThread, a.view)
	assert.Equal(t, "b", a.threadID)
}

func TestApp_NewEssay(t *testing.T) {
	svc := &fakeService{result: essay.Result{
		Plan:           "the outline",
		Draft:          "first draft",
		RevisionNumber: 1,
		MaxRevisions:   1,
		LastNode:       essay.NodeGenerate,
		PausedAt:       essay.NodeReflect,
		Outcome:        essay.OutcomePaused,
	}}
	a := newTestApp(svc, nil)

	a.Update(key("n"))
	require.Equal(t, ViewNew, a.view)
	a.Update(key("Pizza shops"))
	assert.Contains(t, a.View(), "Interrupt after: generate")

	_, cmd := a.Update(key("enter"))
	assert.True(t, a.running)
	assert.Equal(t, ViewThread, a.view)
	feed(a, cmd)

	require.Len(t, svc.runs, 1)
	req := svc.runs[0]
	assert.Equal(t, "Pizza shops", req.Topic)
	assert.Equal(t, "thread-1", req.ThreadID)
	assert.Equal(t, 1, req.MaxRevisions)
	assert.Equal(t, []string{essay.NodeGenerate}, req.InterruptAfter)

	assert.False(t, a.running)
	assert.Equal(t, TabDraft, a.tab, "shows what the last node produced")
	assert.Equal(t, "first draft", a.tabContent())
	assert.Contains(t, a.View(), "next reflect")
}

func TestApp_NewEssayValidation(t *testing.T) {
	svc := &fakeService{}
	a := newTestApp(svc, nil)
	a.Update(key("n"))

	a.Update(key("enter"))
	assert.ErrorIs(t, a.err, essay.ErrEmptyTopic)
	assert.Empty(t, svc.runs)

	a.Update(key("topic"))
	a.Update(key("tab"))
	a.revisions.SetValue("x")
	a.Update(key("enter"))
	assert.Error(t, a.err)
	assert.Empty(t, svc.runs)
}

func TestApp_CycleInterrupts(t *testing.T) {
	a := newTestApp(&fakeService{}, nil)
	a.interrupt = map[string]bool{}
	seen := []string{}
	for range essay.NodeIDs {
		a.toggleNext()
		seen = append(seen, a.interruptList()...)
	}
	assert.Equal(t, essay.NodeIDs, seen)
	a.toggleNext()
	assert.NotNil(t, a.interruptList())
	assert.Empty(t, a.interruptList(), "cycles back to none")
}

func TestApp_ContinueUsesToggledInterrupts(t *testing.T) {
	svc := &fakeService{result: essay.Result{PausedAt: essay.NodeReflect, Outcome: essay.OutcomePaused}}
	a := newTestApp(svc, nil)
	a.view = ViewThread
	a.threadID = "t1"
	a.result = svc.result

	a.Update(key("3")) // generate off
	a.Update(key("4")) // reflect on
	_, cmd := a.Update(key("c"))
	feed(a, cmd)

	require.Len(t, svc.continues, 1)
	assert.Equal(t, []string{essay.NodeReflect}, svc.continues[0])
}

func TestApp_ContinueIgnoredWhenTerminal(t *testing.T) {
	svc := &fakeService{}
	a := newTestApp(svc, nil)
	a.view = ViewThread
	a.threadID = "t1"
	a.result = essay.Result{Terminal: true, Outcome: essay.OutcomeRevisionCapReached}

	_, cmd := a.Update(key("c"))
	assert.Nil(t, cmd)
	assert.Contains(t, a.View(), "complete")
}

func TestApp_FailedRunShowsError(t *testing.T) {
	svc := &fakeService{
		result: essay.Result{Plan: "kept", PausedAt: essay.NodeResearchPlan, Outcome: essay.OutcomeFailed},
		err:    errors.New("tavily: rate limited"),
	}
	a := newTestApp(svc, nil)
	a.Update(key("n"))
	a.Update(key("topic"))
	_, cmd := a.Update(key("enter"))
	feed(a, cmd)

	view := a.View()
	assert.Contains(t, view, "rate limited")
	assert.Contains(t, view, "failed at research_plan")
	assert.Equal(t, "kept", a.result.Plan)
}

func TestApp_Tabs(t *testing.T) {
	events := emit.NewBufferedEmitter()
	events.Emit(emit.Event{ThreadID: "t1", Step: 1, NodeID: "planner", Msg: emit.MsgNodeEnd})
	a := newTestApp(&fakeService{}, events)
	a.view = ViewThread
	a.threadID = "t1"
	a.result = essay.Result{
		Plan:            "plan",
		ResearchContent: []string{"fact one", "fact two"},
		Draft:           "draft",
		Snapshots:       []essay.Snapshot{{Node: "research_plan", Revision: 0, Queries: []string{"q"}, Results: 2}},
	}

	want := []string{"plan", "[2] fact two", "draft", "(none)", "queries=", `"plan": "plan"`, "node_end"}
	for i, w := range want {
		assert.Equal(t, Tab(i), a.tab)
		assert.Contains(t, a.tabContent(), w, tabNames[i])
		a.Update(key("tab"))
	}
	assert.Equal(t, TabPlan, a.tab, "wraps around")
}

func TestApp_ResetAndExport(t *testing.T) {
	svc := &fakeService{}
	a := newTestApp(svc, nil)
	a.view = ViewThread
	a.threadID = "t1"

	_, cmd := a.Update(key("x"))
	feed(a, cmd)
	assert.Equal(t, []string{"t1"}, svc.exported)
	assert.Contains(t, a.status, "exported 2 files")

	_, cmd = a.Update(key("d"))
	feed(a, cmd)
	assert.Equal(t, []string{"t1"}, svc.reset)
	assert.Equal(t, ViewThreads, a.view)
	assert.Empty(t, a.threadID)
}
