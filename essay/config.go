package essay

import (
	"errors"
	"time"

	"github.com/dshills/essaygraph/graph"
)

// Config tunes the agent. Zero fields take the defaults below.
type Config struct {
	// MaxQueries bounds the queries a research step may generate.
	MaxQueries int
	// MaxResults is the number of search hits kept per query.
	MaxResults int
	// SearchConcurrency bounds concurrent searches within one step.
	SearchConcurrency int
	// SearchRetry applies to each search call. Model calls are never
	// retried.
	SearchRetry *graph.RetryPolicy
	// NodeTimeout bounds each node. Zero leaves nodes unbounded beyond
	// their collaborators' own per-call timeouts.
	NodeTimeout time.Duration
	// MaxSteps caps nodes per call as a guard against a broken router.
	MaxSteps int
	// InterruptAfter is the default interrupt set.
	InterruptAfter []string
}

// Defaults.
const (
	DefaultMaxQueries        = 3
	DefaultMaxResults        = 2
	DefaultSearchConcurrency = 3
	DefaultMaxSteps          = 100
)

// DefaultSearchRetry retries rate limits and transient failures twice.
func DefaultSearchRetry() *graph.RetryPolicy {
	return &graph.RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.MaxQueries <= 0 {
		c.MaxQueries = DefaultMaxQueries
	}
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.SearchConcurrency <= 0 {
		c.SearchConcurrency = DefaultSearchConcurrency
	}
	if c.SearchRetry == nil {
		c.SearchRetry = DefaultSearchRetry()
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	return c
}

func (c Config) validate() error {
	if err := c.SearchRetry.Validate(); err != nil {
		return err
	}
	for _, n := range c.InterruptAfter {
		if !knownNode(n) {
			return errors.New("essay: unknown interrupt node " + n)
		}
	}
	return nil
}

func knownNode(id string) bool {
	for _, n := range NodeIDs {
		if n == id {
			return true
		}
	}
	return false
}
