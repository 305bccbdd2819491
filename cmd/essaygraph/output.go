package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dshills/essaygraph/essay"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(w io.Writer, r essay.Result, jsonOut bool) error {
	if jsonOut {
		return writeJSON(w, r)
	}

	fmt.Fprintf(w, "thread:   %s\n", r.ThreadID)
	fmt.Fprintf(w, "outcome:  %s\n", r.Outcome)
	fmt.Fprintf(w, "revision: %d (cap %d)\n", r.RevisionNumber, r.MaxRevisions)
	if r.LastNode != "" {
		fmt.Fprintf(w, "last:     %s\n", r.LastNode)
	}
	if r.PausedAt != "" {
		fmt.Fprintf(w, "next:     %s\n", r.PausedAt)
	}
	if len(r.Queries) > 0 {
		fmt.Fprintf(w, "queries:  %s\n", strings.Join(r.Queries, "; "))
	}
	fmt.Fprintf(w, "research: %d items\n", len(r.ResearchContent))

	section(w, "Plan", r.Plan)
	section(w, "Draft", r.Draft)
	section(w, "Critique", r.Critique)
	return nil
}

func section(w io.Writer, title, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(w, "\n## %s\n\n%s\n", title, body)
}

func printField(w io.Writer, r essay.Result, field string) error {
	switch field {
	case "task":
		fmt.Fprintln(w, r.Task)
	case "plan":
		fmt.Fprintln(w, r.Plan)
	case "draft":
		fmt.Fprintln(w, r.Draft)
	case "critique":
		fmt.Fprintln(w, r.Critique)
	case "research", essay.FieldResearchContent:
		for _, c := range r.ResearchContent {
			fmt.Fprintf(w, "%s\n\n", c)
		}
	case "queries":
		for _, q := range r.Queries {
			fmt.Fprintln(w, q)
		}
	default:
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}

func printHistory(w io.Writer, history []essay.Result, jsonOut bool) error {
	if jsonOut {
		return writeJSON(w, history)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tLAST\tNEXT\tREVISION\tCHECKPOINT")
	for _, r := range history {
		next := r.PausedAt
		if r.Terminal {
			next = "(end)"
		}
		last := r.LastNode
		if last == "" {
			last = "(input)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", r.Step, last, next, r.RevisionNumber, r.CheckpointID)
	}
	return tw.Flush()
}
