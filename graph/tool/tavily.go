package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/graph/model"
)

const (
	// TavilyEndpoint is the public search endpoint.
	TavilyEndpoint = "https://api.tavily.com/search"

	DefaultSearchTimeout = 30 * time.Second
)

// TavilySearch is a Searcher backed by the Tavily search API.
//
// Requests are throttled client-side with a token bucket so a burst of
// research queries does not trip the provider's own limit. Responses map
// onto the graph error taxonomy:
//
//	429          -> *graph.RateLimitError (Retry-After honoured)
//	5xx, network -> *graph.ProviderError (retryable)
//	other 4xx    -> *graph.ProviderError (not retryable)
//	call timeout -> *graph.TimeoutError
//
// TavilySearch never retries by itself.
type TavilySearch struct {
	apiKey   string
	endpoint string
	depth    string
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
}

// TavilyOption configures a TavilySearch.
type TavilyOption func(*TavilySearch)

// WithEndpoint overrides TavilyEndpoint.
func WithEndpoint(url string) TavilyOption { return func(t *TavilySearch) { t.endpoint = url } }

// WithSearchTimeout bounds each request. Zero disables the bound.
func WithSearchTimeout(d time.Duration) TavilyOption {
	return func(t *TavilySearch) { t.timeout = d }
}

// WithRateLimit allows rps requests per second with the given burst.
// rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) TavilyOption {
	return func(t *TavilySearch) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithSearchDepth selects "basic" or "advanced" search.
func WithSearchDepth(depth string) TavilyOption { return func(t *TavilySearch) { t.depth = depth } }

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) TavilyOption { return func(t *TavilySearch) { t.client = c } }

// NewTavilySearch creates a TavilySearch with a 5 rps / burst 3 limiter.
func NewTavilySearch(apiKey string, opts ...TavilyOption) *TavilySearch {
	t := &TavilySearch{
		apiKey:   apiKey,
		endpoint: TavilyEndpoint,
		depth:    "basic",
		timeout:  DefaultSearchTimeout,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(5, 3),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type tavilyRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth,omitempty"`
}

type tavilyResponse struct {
	Results []SearchResult `json:"results"`
}

// Search implements Searcher.
func (t *TavilySearch) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if t.apiKey == "" {
		return nil, &graph.ProviderError{Provider: "tavily", Op: "search", StatusCode: http.StatusUnauthorized, Err: errors.New("API key is required")}
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &graph.ProviderError{Provider: "tavily", Op: "search", Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	body, err := json.Marshal(tavilyRequest{Query: query, MaxResults: maxResults, SearchDepth: t.depth})
	if err != nil {
		return nil, fmt.Errorf("tavily: encode request: %w", err)
	}

	callCtx, cancel := model.CallTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tavily: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, t.classify(ctx, 0, nil, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, t.classify(ctx, 0, nil, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, t.classify(ctx, resp.StatusCode, resp.Header, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw)))
	}

	var decoded tavilyResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &graph.ProviderError{Provider: "tavily", Op: "search", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if maxResults > 0 && len(decoded.Results) > maxResults {
		decoded.Results = decoded.Results[:maxResults]
	}
	return decoded.Results, nil
}

func (t *TavilySearch) classify(ctx context.Context, status int, header http.Header, err error) error {
	return model.ClassifyError(ctx, t.timeout, model.HTTPFailure{
		Provider:   "tavily",
		Op:         "search",
		StatusCode: status,
		Header:     header,
		Err:        err,
	})
}
