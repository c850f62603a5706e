// Package semantic holds the nearest-neighbour side of retrieval: vector
// indexes, the corpus they point into, and the embedder contract.
package semantic

import "context"

// NoMatch is the ID of an empty result slot.
const NoMatch int64 = -1

// Hit is one search result. Distance is squared Euclidean; ID is the corpus
// position or NoMatch.
type Hit struct {
	Distance float32
	ID       int64
}

// Index answers k-nearest-neighbour queries in ascending distance order.
type Index interface {
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	Len() int
	Dimensions() int
}
