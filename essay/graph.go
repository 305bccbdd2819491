package essay

import (
	"errors"
	"time"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/graph/emit"
	"github.com/dshills/essaygraph/graph/model"
	"github.com/dshills/essaygraph/graph/store"
	"github.com/dshills/essaygraph/graph/tool"
)

// Deps are the collaborators injected into the agent.
type Deps struct {
	Model   model.ChatModel
	Search  tool.Searcher
	Store   store.Store[AgentState]
	Emitter emit.Emitter

	// Metrics is optional.
	Metrics *graph.PrometheusMetrics
}

// NewEngine builds and compiles the essay workflow:
//
//	planner -> research_plan -> generate -?-> reflect -> research_critique -> generate
//
// where generate stops once revision_number exceeds max_revisions.
func NewEngine(deps Deps, cfg Config) (*graph.Engine[AgentState], error) {
	if deps.Model == nil {
		return nil, errors.New("essay: a model is required")
	}
	if deps.Search == nil {
		return nil, errors.New("essay: a searcher is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	engine, err := graph.New(Schema, deps.Store, deps.Emitter,
		graph.WithMaxSteps(cfg.MaxSteps),
		graph.WithDefaultNodeTimeout(cfg.NodeTimeout),
		graph.WithDefaultInterrupts(cfg.InterruptAfter...),
		graph.WithMetrics(deps.Metrics),
	)
	if err != nil {
		return nil, err
	}

	a := &agent{model: deps.Model, search: deps.Search, cfg: cfg, now: time.Now}
	node := func(fn graph.NodeFunc[AgentState]) graph.Node[AgentState] { return fn }
	modelOnly := graph.WithEffects(graph.EffectModel)
	modelAndSearch := graph.WithEffects(graph.EffectModel, graph.EffectSearch)

	steps := []struct {
		id     string
		node   graph.Node[AgentState]
		writes []string
		opt    graph.NodeOption
	}{
		{NodePlanner, node(a.plan), []string{FieldPlan, FieldSnapshots}, modelOnly},
		{NodeResearchPlan, node(a.researchPlan), []string{FieldQueries, FieldResearchContent, FieldSnapshots}, modelAndSearch},
		{NodeGenerate, node(a.generate), []string{FieldDraft, FieldRevisionNumber, FieldSnapshots}, modelOnly},
		{NodeReflect, node(a.reflect), []string{FieldCritique, FieldSnapshots}, modelOnly},
		{NodeResearchCritique, node(a.researchCritique), []string{FieldQueries, FieldResearchContent, FieldSnapshots}, modelAndSearch},
	}
	for _, s := range steps {
		if err := engine.Add(s.id, s.node, s.writes, s.opt); err != nil {
			return nil, err
		}
	}

	for _, err := range []error{
		engine.StartAt(NodePlanner),
		engine.Connect(NodePlanner, NodeResearchPlan),
		engine.Connect(NodeResearchPlan, NodeGenerate),
		engine.Branch(NodeGenerate, ShouldContinue, NodeReflect),
		engine.Connect(NodeReflect, NodeResearchCritique),
		engine.Connect(NodeResearchCritique, NodeGenerate),
	} {
		if err != nil {
			return nil, err
		}
	}
	if err := engine.Compile(); err != nil {
		return nil, err
	}
	return engine, nil
}
