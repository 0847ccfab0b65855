// Package qdrant wraps the official Qdrant gRPC client with the point,
// filter and payload types used by the document store.
package qdrant

import (
	"context"
)

// Client is the subset of Qdrant used by the store.
type Client interface {
	// Collection operations
	EnsureCollection(ctx context.Context, name string, vectorSize uint64) error
	VectorSize(ctx context.Context, name string) (uint64, error)
	CreateKeywordIndex(ctx context.Context, collection, field string) error
	CreateIntegerIndex(ctx context.Context, collection, field string) error

	// Point operations
	Upsert(ctx context.Context, collection string, points []*Point) error
	Search(ctx context.Context, collection string, req SearchRequest) ([]*ScoredPoint, error)
	Get(ctx context.Context, collection string, ids []string, withVectors bool) ([]*Point, error)
	Scroll(ctx context.Context, collection string, req ScrollRequest) ([]*Point, error)
	Count(ctx context.Context, collection string, filter *Filter) (uint64, error)
	Delete(ctx context.Context, collection string, ids []string) error
	DeleteByFilter(ctx context.Context, collection string, filter *Filter) error

	// Health
	Health(ctx context.Context) error

	// Close closes the client connection
	Close() error
}

// Point represents a vector point in Qdrant.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// ScoredPoint represents a search result with score.
type ScoredPoint struct {
	Point
	Score float32
}

// SearchRequest is a nearest-neighbour query.
type SearchRequest struct {
	Vector []float32
	Limit  uint64
	Filter *Filter
	// ScoreThreshold is passed to Qdrant, which treats it as inclusive.
	ScoreThreshold *float32
}

// ScrollRequest pages through points without a query vector.
type ScrollRequest struct {
	Filter *Filter
	Limit  uint32
	// OrderBy names an indexed payload field; OrderDesc reverses it.
	OrderBy     string
	OrderDesc   bool
	WithVectors bool
}

// Filter represents a filter for search operations.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

// Condition represents a filter condition.
type Condition struct {
	Field string
	Match interface{}
	Range *RangeCondition
}

// RangeCondition represents a range filter.
type RangeCondition struct {
	Gte *float64
	Lte *float64
	Gt  *float64
	Lt  *float64
}

// MatchFilter builds a filter requiring field == value for every pair.
func MatchFilter(pairs ...string) *Filter {
	if len(pairs) == 0 {
		return nil
	}
	f := &Filter{}
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Must = append(f.Must, Condition{Field: pairs[i], Match: pairs[i+1]})
	}
	return f
}
