// Package tool provides the search collaborator used by the research nodes.
package tool

import "context"

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Searcher runs a web search.
//
// Failures use the graph error taxonomy so callers can decide whether to
// retry: *graph.RateLimitError, *graph.TimeoutError, *graph.ProviderError.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}
