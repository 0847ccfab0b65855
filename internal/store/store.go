// Package store persists documents, their embeddings and the settings object,
// and answers vector similarity queries against them.
//
// Backends:
//   - Postgres: pgvector column with an ivfflat cosine index (default)
//   - Memory: in-process map with a chromem-go similarity index
//   - Qdrant: external Qdrant over gRPC
//   - SQLite: single-file database with an exact cosine scan
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrStorage wraps connection and query failures.
	ErrStorage = errors.New("storage failure")

	// ErrPoolExhausted is returned when no connection becomes available
	// within the acquire timeout.
	ErrPoolExhausted = errors.New("storage connection pool exhausted")

	// ErrDimensionMismatch is returned when a vector does not have the
	// dimension the schema was created with.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid store configuration")
)

// DefaultContainerTag is used when a document has no tag.
const DefaultContainerTag = "default"

// Status is the ingestion state of a document.
type Status string

const (
	// StatusProcessing marks a document accepted but not yet embedded.
	StatusProcessing Status = "processing"
	// StatusProcessed marks a document with a stored embedding.
	StatusProcessed Status = "processed"
)

// Document is a stored memory unit.
type Document struct {
	ID           string
	Content      string
	Metadata     map[string]any
	Embedding    []float32
	ContainerTag string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Hit is a search result.
type Hit struct {
	Document
	Score float64
}

// Patch describes a partial document update. Nil fields are left unchanged.
// Metadata is merged key by key into the stored metadata.
type Patch struct {
	Content   *string
	Embedding []float32
	Metadata  map[string]any
}

// SearchQuery selects documents by cosine similarity to Vector.
type SearchQuery struct {
	Vector       []float32
	ContainerTag string
	Limit        int
	// MinScore is exclusive: only hits with score > MinScore are returned.
	MinScore float64
}

// Repository is the persistence contract shared by every backend.
//
// Implementations must be safe for concurrent use. Each call is a single
// storage round trip from the caller's point of view and does not retry.
type Repository interface {
	// Insert stores a new document. CreatedAt and UpdatedAt are set by the
	// repository when zero.
	Insert(ctx context.Context, doc *Document) error

	// Get returns a document with its embedding, or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// List returns documents ordered by CreatedAt descending and the total
	// count for the same tag filter. An empty tag matches every document.
	List(ctx context.Context, containerTag string, limit, offset int) ([]Document, int, error)

	// Update applies p and refreshes UpdatedAt, or returns ErrNotFound.
	Update(ctx context.Context, id string, p Patch) (*Document, error)

	// Delete removes a document, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// DeleteMany removes the given ids and returns those that existed.
	DeleteMany(ctx context.Context, ids []string) ([]string, error)

	// DeleteByTag removes every document with the tag and returns the count.
	DeleteByTag(ctx context.Context, containerTag string) (int, error)

	// ListByStatus returns documents in the given status, newest first.
	ListByStatus(ctx context.Context, status Status) ([]Document, error)

	// Search returns embedded documents ordered by descending score.
	Search(ctx context.Context, q SearchQuery) ([]Hit, error)

	// Settings returns the settings object, empty when unset.
	Settings(ctx context.Context) (map[string]any, error)

	// MergeSettings shallow-merges patch into the settings object and
	// returns the result.
	MergeSettings(ctx context.Context, patch map[string]any) (map[string]any, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// checkDimension rejects vectors of the wrong size. A nil vector is allowed
// and means "not yet embedded".
func checkDimension(want int, vec []float32) error {
	if vec == nil {
		return nil
	}
	if len(vec) != want {
		return fmt.Errorf("%w: got %d, schema expects %d", ErrDimensionMismatch, len(vec), want)
	}
	return nil
}

// mergeMetadata returns base with patch keys overwriting it. base is not
// modified.
func mergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// normalizeTag maps an empty tag to DefaultContainerTag.
func normalizeTag(tag string) string {
	if tag == "" {
		return DefaultContainerTag
	}
	return tag
}

// prepareInsert fills defaults on a document about to be inserted.
func prepareInsert(doc *Document, dimension int, now time.Time) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id required", ErrStorage)
	}
	if err := checkDimension(dimension, doc.Embedding); err != nil {
		return err
	}
	doc.ContainerTag = normalizeTag(doc.ContainerTag)
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	if doc.Status == "" {
		doc.Status = StatusProcessed
		if doc.Embedding == nil {
			doc.Status = StatusProcessing
		}
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.Before(doc.CreatedAt) {
		doc.UpdatedAt = doc.CreatedAt
	}
	return nil
}

// cosineSimilarity returns dot(a,b)/(|a||b|). Zero-magnitude vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rankHits sorts by descending score, drops hits at or below minScore and
// truncates to limit.
func rankHits(hits []Hit, minScore float64, limit int) []Hit {
	kept := hits[:0]
	for _, h := range hits {
		if h.Score > minScore {
			kept = append(kept, h)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}

// sortNewestFirst orders documents by CreatedAt descending, ids breaking ties.
func sortNewestFirst(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].ID > docs[j].ID
		}
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
}

// paginate returns docs[offset:offset+limit] clamped to bounds.
func paginate(docs []Document, limit, offset int) []Document {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(docs) {
		return []Document{}
	}
	end := len(docs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return docs[offset:end]
}
