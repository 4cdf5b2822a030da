// Package rerank scores (query, passage) pairs with a cross-encoder
// model served over HTTP.
package rerank

import (
	"context"
)

// Reranker scores passages against a query. Scores are raw model
// outputs, unbounded; callers calibrate for display but order by the
// raw value.
type Reranker interface {
	// Rerank returns one score per passage, in input order.
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)

	// Available checks if the reranker service is reachable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// NoOpReranker preserves the incoming order by assigning strictly
// decreasing scores. Used when reranking is disabled or unavailable.
type NoOpReranker struct{}

// Rerank assigns decreasing scores to maintain the original order.
func (n *NoOpReranker) Rerank(_ context.Context, _ string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	for i := range passages {
		scores[i] = 1.0 - float64(i)*0.01
	}
	return scores, nil
}

// Available always returns true for NoOpReranker.
func (n *NoOpReranker) Available(_ context.Context) bool {
	return true
}

// Close is a no-op for NoOpReranker.
func (n *NoOpReranker) Close() error {
	return nil
}

var _ Reranker = (*NoOpReranker)(nil)
