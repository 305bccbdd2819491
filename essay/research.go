package essay

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/essaygraph/graph"
	"github.com/dshills/essaygraph/graph/tool"
)

// searchAll runs queries concurrently, bounded by SearchConcurrency, each
// under the search retry policy. Content is returned grouped by query in
// the order the queries were given. The first failure cancels the rest.
func (a *agent) searchAll(ctx context.Context, queries []string) ([]string, error) {
	hits := make([][]tool.SearchResult, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.SearchConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			return graph.Retry(gctx, a.cfg.SearchRetry, nil, func(ctx context.Context) error {
				res, err := a.search.Search(ctx, q, a.cfg.MaxResults)
				if err != nil {
					return err
				}
				hits[i] = res
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	content := make([]string, 0, len(queries)*a.cfg.MaxResults)
	for _, res := range hits {
		for _, r := range res {
			if r.Content != "" {
				content = append(content, r.Content)
			}
		}
	}
	return content, nil
}
