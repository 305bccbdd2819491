package tool

import (
	"context"
	"sync"
)

// MockSearcher is a scripted Searcher for tests.
//
// Results are looked up by query; unknown queries get a single synthetic
// hit whose content names the query. Errs, when non-empty, are returned in
// order before any results, one per call.
//
//	mock := &tool.MockSearcher{Errs: []error{&graph.RateLimitError{}}}
type MockSearcher struct {
	Results map[string][]SearchResult
	Errs    []error

	// Fn, when set, replaces the lookup entirely.
	Fn func(ctx context.Context, query string, maxResults int) ([]SearchResult, error)

	mu      sync.Mutex
	queries []string
}

// Search implements Searcher.
func (m *MockSearcher) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.queries = append(m.queries, query)
	var err error
	if len(m.Errs) > 0 {
		err, m.Errs = m.Errs[0], m.Errs[1:]
	}
	fn := m.Fn
	results, known := m.Results[query]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, query, maxResults)
	}
	if !known {
		results = []SearchResult{{Title: query, URL: "https://example.com/" + query, Content: "notes on " + query}}
	}
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return append([]SearchResult(nil), results...), nil
}

// Queries returns every query searched so far, in call order.
func (m *MockSearcher) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}
