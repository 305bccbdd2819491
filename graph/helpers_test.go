package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/dshills/essaygraph/graph/emit"
	"github.com/dshills/essaygraph/graph/store"
)

// loopState models a draft/review loop with a revision cap.
type loopState struct {
	Topic        string   `json:"topic"`
	Plan         string   `json:"plan"`
	Draft        string   `json:"draft"`
	Notes        string   `json:"notes"`
	Revision     int      `json:"revision"`
	MaxRevisions int      `json:"max_revisions"`
	Log          []string `json:"log"`
}

var loopSchema = MustSchema(
	ScalarField("topic", func(s *loopState) *string { return &s.Topic }),
	ScalarField("plan", func(s *loopState) *string { return &s.Plan }),
	ScalarField("draft", func(s *loopState) *string { return &s.Draft }),
	ScalarField("notes", func(s *loopState) *string { return &s.Notes }),
	ScalarField("revision", func(s *loopState) *int { return &s.Revision }),
	ScalarField("max_revisions", func(s *loopState) *int { return &s.MaxRevisions }),
	ListField("log", func(s *loopState) *[]string { return &s.Log }, Append),
)

// counters records how often each node ran.
type counters struct {
	mu   sync.Mutex
	runs map[string]int
}

func (c *counters) inc(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[id]++
}

func (c *counters) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

type loopFixture struct {
	engine  *Engine[loopState]
	store   *store.MemStore[loopState]
	events  *emit.BufferedEmitter
	counts  *counters
	draftFn func(ctx context.Context, s loopState) NodeResult[loopState]
}

// newLoopEngine wires plan -> draft -> (revision > max ? stop : review) -> draft.
// The draft node delegates to fx.draftFn so tests can inject failures.
func newLoopEngine(t *testing.T, opts ...Option) *loopFixture {
	t.Helper()

	fx := &loopFixture{
		store:  store.NewMemStore[loopState](),
		events: emit.NewBufferedEmitter(),
		counts: &counters{runs: map[string]int{}},
	}
	fx.draftFn = func(_ context.Context, s loopState) NodeResult[loopState] {
		return NodeResult[loopState]{Delta: loopState{
			Draft:    "draft of " + s.Topic,
			Revision: s.Revision + 1,
			Log:      []string{"draft"},
		}}
	}

	engine, err := New(loopSchema, fx.store, fx.events, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fx.engine = engine

	mustAdd := func(id string, fn NodeFunc[loopState], writes ...string) {
		t.Helper()
		if err := engine.Add(id, fn, writes); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}
	mustAdd("plan", func(_ context.Context, s loopState) NodeResult[loopState] {
		fx.counts.inc("plan")
		return NodeResult[loopState]{Delta: loopState{Plan: "outline: " + s.Topic, Log: []string{"plan"}}}
	}, "plan", "log")
	mustAdd("draft", func(ctx context.Context, s loopState) NodeResult[loopState] {
		fx.counts.inc("draft")
		return fx.draftFn(ctx, s)
	}, "draft", "revision", "log")
	mustAdd("review", func(_ context.Context, s loopState) NodeResult[loopState] {
		fx.counts.inc("review")
		return NodeResult[loopState]{Delta: loopState{Notes: "tighten the intro", Log: []string{"review"}}}
	}, "notes", "log")

	must(t, engine.StartAt("plan"))
	must(t, engine.Connect("plan", "draft"))
	must(t, engine.Branch("draft", func(s loopState) Next {
		if s.Revision > s.MaxRevisions {
			return Stop()
		}
		return Goto("review")
	}, "review"))
	must(t, engine.Connect("review", "draft"))
	return fx
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
