package essay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/graph/model"
	"github.com/dshills/essaygraph/graph/tool"
)

// queriesSpec is the structured output requested by the research nodes.
var queriesSpec = model.ToolSpec{
	Name:        "queries",
	Description: "Web search queries that gather information for the essay.",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"queries": map[string]interface{}{
				"type":        "array",
				"description": "Search queries, most useful first.",
				"items":       map[string]interface{}{"type": "string"},
			},
		},
		"required": []string{"queries"},
	},
}

type queriesOut struct {
	Queries []string `json:"queries"`
}

// agent holds the collaborators every node uses.
type agent struct {
	model  model.ChatModel
	search tool.Searcher
	cfg    Config
	now    func() time.Time
}

func (a *agent) snapshot(ctx context.Context, node string, revision int) Snapshot {
	snap := Snapshot{Node: node, Revision: revision, At: a.now().UTC()}
	if info, ok := graph.ExecInfoFrom(ctx); ok {
		snap.Step = info.Step
	}
	return snap
}

func (a *agent) complete(ctx context.Context, node string, messages []model.Message) (string, error) {
	out, err := a.model.Chat(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", &graph.ProviderError{Provider: "model", Op: node, Err: errors.New("empty response")}
	}
	return text, nil
}

func (a *agent) plan(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
	text, err := a.complete(ctx, NodePlanner, []model.Message{
		{Role: model.RoleSystem, Content: planPrompt},
		{Role: model.RoleUser, Content: s.Task},
	})
	if err != nil {
		return graph.NodeResult[AgentState]{Err: err}
	}
	snap := a.snapshot(ctx, NodePlanner, s.RevisionNumber)
	snap.Chars = len(text)
	return graph.NodeResult[AgentState]{Delta: AgentState{Plan: text, Snapshots: []Snapshot{snap}}}
}

func (a *agent) researchPlan(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
	return a.research(ctx, NodeResearchPlan, s, fmt.Sprintf(researchPlanPrompt, a.cfg.MaxQueries), s.Task)
}

func (a *agent) researchCritique(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
	return a.research(ctx, NodeResearchCritique, s, fmt.Sprintf(researchCritiquePrompt, a.cfg.MaxQueries), s.Critique)
}

// research asks the model for queries, runs them, and appends the hits'
// content to research_content in query order.
func (a *agent) research(ctx context.Context, node string, s AgentState, system, input string) graph.NodeResult[AgentState] {
	queries, err := a.queries(ctx, system, input)
	if err != nil {
		return graph.NodeResult[AgentState]{Err: err}
	}
	content, err := a.searchAll(ctx, queries)
	if err != nil {
		return graph.NodeResult[AgentState]{Err: err}
	}

	snap := a.snapshot(ctx, node, s.RevisionNumber)
	snap.Queries = queries
	snap.Results = len(content)
	return graph.NodeResult[AgentState]{Delta: AgentState{
		Queries:         queries,
		ResearchContent: content,
		Snapshots:       []Snapshot{snap},
	}}
}

func (a *agent) queries(ctx context.Context, system, input string) ([]string, error) {
	var out queriesOut
	err := model.Structured(ctx, a.model, []model.Message{
		{Role: model.RoleSystem, Content: system},
		{Role: model.RoleUser, Content: input},
	}, queriesSpec, &out)
	if err != nil {
		return nil, err
	}

	queries := make([]string, 0, len(out.Queries))
	for _, q := range out.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	switch {
	case len(queries) == 0:
		return nil, &graph.ValidationError{Field: FieldQueries, Reason: "no queries returned"}
	case len(queries) > a.cfg.MaxQueries:
		return nil, &graph.ValidationError{
			Field:  FieldQueries,
			Reason: fmt.Sprintf("%d queries returned, at most %d allowed", len(queries), a.cfg.MaxQueries),
		}
	}
	return queries, nil
}

func (a *agent) generate(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
	messages := []model.Message{
		{Role: model.RoleSystem, Content: writerSystem(s.ResearchContent)},
		{Role: model.RoleUser, Content: writerUser(s)},
	}
	if s.Draft != "" && s.Critique != "" {
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: s.Draft},
			model.Message{Role: model.RoleUser, Content: "Critique of the previous draft:\n\n" + s.Critique},
		)
	}

	text, err := a.complete(ctx, NodeGenerate, messages)
	if err != nil {
		return graph.NodeResult[AgentState]{Err: err}
	}
	revision := s.RevisionNumber + 1
	snap := a.snapshot(ctx, NodeGenerate, revision)
	snap.Chars = len(text)
	return graph.NodeResult[AgentState]{Delta: AgentState{
		Draft:          text,
		RevisionNumber: revision,
		Snapshots:      []Snapshot{snap},
	}}
}

func (a *agent) reflect(ctx context.Context, s AgentState) graph.NodeResult[AgentState] {
	text, err := a.complete(ctx, NodeReflect, []model.Message{
		{Role: model.RoleSystem, Content: reflectionPrompt},
		{Role: model.RoleUser, Content: s.Draft},
	})
	if err != nil {
		return graph.NodeResult[AgentState]{Err: err}
	}
	snap := a.snapshot(ctx, NodeReflect, s.RevisionNumber)
	snap.Chars = len(text)
	return graph.NodeResult[AgentState]{Delta: AgentState{Critique: text, Snapshots: []Snapshot{snap}}}
}
