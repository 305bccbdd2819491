// Package essay is the essay-writing agent: a plan, research, draft,
// critique loop built on the graph engine, and the Writer service that
// drives it.
package essay

import (
	"time"

	"github.com/dshills/essaygraph/graph"
)

// Node IDs.
const (
	NodePlanner          = "planner"
	NodeResearchPlan     = "research_plan"
	NodeGenerate         = "generate"
	NodeReflect          = "reflect"
	NodeResearchCritique = "research_critique"
)

// NodeIDs lists the nodes in execution order of the first pass.
var NodeIDs = []string{NodePlanner, NodeResearchPlan, NodeGenerate, NodeReflect, NodeResearchCritique}

// State field names, as used in node write declarations and edits.
const (
	FieldTask            = "task"
	FieldPlan            = "plan"
	FieldResearchContent = "research_content"
	FieldDraft           = "draft"
	FieldCritique        = "critique"
	FieldQueries         = "queries"
	FieldRevisionNumber  = "revision_number"
	FieldMaxRevisions    = "max_revisions"
	FieldSnapshots       = "state_snapshots"
)

// AgentState is the accumulated state of one essay thread.
//
// revision_number starts at 0 and is incremented once per generate step,
// so the first draft is revision 1. research_content accumulates across
// research passes; queries holds the latest pass's queries only.
type AgentState struct {
	Task            string     `json:"task"`
	Plan            string     `json:"plan"`
	ResearchContent []string   `json:"research_content"`
	Draft           string     `json:"draft"`
	Critique        string     `json:"critique"`
	Queries         []string   `json:"queries"`
	RevisionNumber  int        `json:"revision_number"`
	MaxRevisions    int        `json:"max_revisions"`
	Snapshots       []Snapshot `json:"state_snapshots"`
}

// Snapshot is a debugging record appended by every node.
type Snapshot struct {
	Node     string    `json:"node"`
	Step     int       `json:"step"`
	Revision int       `json:"revision"`
	Queries  []string  `json:"queries,omitempty"`
	Results  int       `json:"results,omitempty"`
	Chars    int       `json:"chars,omitempty"`
	At       time.Time `json:"at"`
}

// Schema is the field registry for AgentState.
var Schema = graph.MustSchema(
	graph.ScalarField(FieldTask, func(s *AgentState) *string { return &s.Task }),
	graph.ScalarField(FieldPlan, func(s *AgentState) *string { return &s.Plan }),
	graph.ListField(FieldResearchContent, func(s *AgentState) *[]string { return &s.ResearchContent }, graph.Append),
	graph.ScalarField(FieldDraft, func(s *AgentState) *string { return &s.Draft }),
	graph.ScalarField(FieldCritique, func(s *AgentState) *string { return &s.Critique }),
	graph.ListField(FieldQueries, func(s *AgentState) *[]string { return &s.Queries }, graph.Replace),
	graph.ScalarField(FieldRevisionNumber, func(s *AgentState) *int { return &s.RevisionNumber }),
	graph.ScalarField(FieldMaxRevisions, func(s *AgentState) *int { return &s.MaxRevisions }),
	graph.ListField(FieldSnapshots, func(s *AgentState) *[]Snapshot { return &s.Snapshots }, graph.Append),
)

// ShouldContinue routes out of generate: stop once the draft count
// exceeds the revision cap, otherwise critique the draft.
func ShouldContinue(s AgentState) graph.Next {
	if s.RevisionNumber > s.MaxRevisions {
		return graph.Stop()
	}
	return graph.Goto(NodeReflect)
}

// RevisionCapReached reports whether s has produced its final draft.
func RevisionCapReached(s AgentState) bool {
	return s.RevisionNumber > s.MaxRevisions
}
