package model

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dshills/essaygraph/graph"
)

// CallTimeout bounds ctx with timeout when timeout is positive.
func CallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// HTTPFailure describes a failed provider call for ClassifyError.
type HTTPFailure struct {
	Provider   string
	Op         string
	StatusCode int
	Header     http.Header
	Err        error
}

// ClassifyError maps a provider failure onto the graph error taxonomy.
//
//   - parent cancelled: the context error, unchanged
//   - call deadline exceeded: *graph.TimeoutError
//   - 429: *graph.RateLimitError with Retry-After parsed
//   - anything else: *graph.ProviderError
//
// parent is the caller's context, before CallTimeout was applied, so a
// caller's own deadline is not reported as a provider timeout.
func ClassifyError(parent context.Context, timeout time.Duration, f HTTPFailure) error {
	if f.Err == nil && f.StatusCode == 0 {
		return nil
	}
	if err := parent.Err(); err != nil {
		return err
	}
	if errors.Is(f.Err, context.DeadlineExceeded) {
		return &graph.TimeoutError{Op: f.Provider + "." + f.Op, After: timeout}
	}

	pe := graph.ProviderError{Provider: f.Provider, Op: f.Op, StatusCode: f.StatusCode, Err: f.Err}
	if f.StatusCode == http.StatusTooManyRequests {
		return &graph.RateLimitError{ProviderError: pe, RetryAfter: ParseRetryAfter(f.Header)}
	}
	return &pe
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date. It returns zero when absent or unparseable.
func ParseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
