package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
)

const (
	backendMemory = "memory"

	// chromemCollection is the single index collection of a Memory store.
	chromemCollection = "documents"

	// tagKey is the chromem metadata key holding the container tag.
	tagKey = "container_tag"
)

// timeNow is a variable for testing purposes. Microsecond precision matches
// what Postgres stores.
var timeNow = func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// Memory is an in-process Repository. Documents live in a map guarded by an
// RWMutex and embedded documents are mirrored into a chromem-go collection
// that serves similarity queries. Nothing is persisted across restarts.
type Memory struct {
	dimension int

	mu       sync.RWMutex
	docs     map[string]*Document
	index    *chromem.Collection
	settings map[string]any
}

// NewMemory creates an empty in-memory store for vectors of the given
// dimension.
func NewMemory(dimension int) (*Memory, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}

	db := chromem.NewDB()
	// The embedding func is never called: vectors are always supplied.
	collection, err := db.CreateCollection(chromemCollection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("%w: creating index: %v", ErrStorage, err)
	}

	return &Memory{
		dimension: dimension,
		docs:      make(map[string]*Document),
		index:     collection,
		settings:  map[string]any{},
	}, nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: memory index requires precomputed embeddings", ErrStorage)
}

// Insert implements Repository.
func (m *Memory) Insert(ctx context.Context, doc *Document) (err error) {
	ctx, done := observe(ctx, backendMemory, "insert")
	defer done(&err)

	if err := prepareInsert(doc, m.dimension, timeNow()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.docs[doc.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrStorage, doc.ID)
	}
	if err := m.indexDocument(ctx, doc); err != nil {
		return err
	}
	m.docs[doc.ID] = cloneDocument(doc)
	return nil
}

// indexDocument mirrors doc into the similarity index. Callers hold mu.
func (m *Memory) indexDocument(ctx context.Context, doc *Document) error {
	if doc.Embedding == nil {
		return nil
	}
	err := m.index.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Metadata:  map[string]string{tagKey: doc.ContainerTag},
		Embedding: append([]float32(nil), doc.Embedding...),
		Content:   doc.Content,
	})
	if err != nil {
		return fmt.Errorf("%w: indexing document: %v", ErrStorage, err)
	}
	return nil
}

// Get implements Repository.
func (m *Memory) Get(ctx context.Context, id string) (doc *Document, err error) {
	_, done := observe(ctx, backendMemory, "get")
	defer done(&err)

	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneDocument(d), nil
}

// List implements Repository.
func (m *Memory) List(ctx context.Context, containerTag string, limit, offset int) (docs []Document, total int, err error) {
	_, done := observe(ctx, backendMemory, "list")
	defer done(&err)

	m.mu.RLock()
	matched := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		if containerTag == "" || d.ContainerTag == containerTag {
			matched = append(matched, *withoutEmbedding(d))
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(matched)
	return paginate(matched, limit, offset), len(matched), nil
}

// Update implements Repository.
func (m *Memory) Update(ctx context.Context, id string, p Patch) (doc *Document, err error) {
	ctx, done := observe(ctx, backendMemory, "update")
	defer done(&err)

	if err := checkDimension(m.dimension, p.Embedding); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := cloneDocument(current)
	if p.Content != nil {
		next.Content = *p.Content
	}
	if p.Embedding != nil {
		next.Embedding = append([]float32(nil), p.Embedding...)
		next.Status = StatusProcessed
	}
	if p.Metadata != nil {
		next.Metadata = mergeMetadata(next.Metadata, p.Metadata)
	}
	next.UpdatedAt = timeNow()
	if next.UpdatedAt.Before(next.CreatedAt) {
		next.UpdatedAt = next.CreatedAt
	}

	if p.Content != nil || p.Embedding != nil {
		if err := m.indexDocument(ctx, next); err != nil {
			return nil, err
		}
	}
	m.docs[id] = next
	return cloneDocument(next), nil
}

// Delete implements Repository.
func (m *Memory) Delete(ctx context.Context, id string) (err error) {
	ctx, done := observe(ctx, backendMemory, "delete")
	defer done(&err)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.remove(ctx, id)
}

// remove drops id from the map and the index. Callers hold mu.
func (m *Memory) remove(ctx context.Context, id string) error {
	if m.docs[id].Embedding != nil {
		if err := m.index.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("%w: removing %s from index: %v", ErrStorage, id, err)
		}
	}
	delete(m.docs, id)
	return nil
}

// DeleteMany implements Repository.
func (m *Memory) DeleteMany(ctx context.Context, ids []string) (deleted []string, err error) {
	ctx, done := observe(ctx, backendMemory, "delete_many", attribute.Int("ids", len(ids)))
	defer done(&err)

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted = []string{}
	for _, id := range ids {
		if _, ok := m.docs[id]; !ok {
			continue
		}
		if err := m.remove(ctx, id); err != nil {
			return deleted, err
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

// DeleteByTag implements Repository.
func (m *Memory) DeleteByTag(ctx context.Context, containerTag string) (n int, err error) {
	ctx, done := observe(ctx, backendMemory, "delete_by_tag")
	defer done(&err)

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, d := range m.docs {
		if d.ContainerTag != containerTag {
			continue
		}
		if err := m.remove(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ListByStatus implements Repository.
func (m *Memory) ListByStatus(ctx context.Context, status Status) (docs []Document, err error) {
	_, done := observe(ctx, backendMemory, "list_by_status")
	defer done(&err)

	m.mu.RLock()
	docs = []Document{}
	for _, d := range m.docs {
		if d.Status == status {
			docs = append(docs, *withoutEmbedding(d))
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(docs)
	return docs, nil
}

// Search implements Repository. chromem normalizes stored and query vectors,
// so its similarity is the cosine similarity.
func (m *Memory) Search(ctx context.Context, q SearchQuery) (hits []Hit, err error) {
	ctx, done := observe(ctx, backendMemory, "search", attribute.Int("limit", q.Limit))
	defer done(&err)

	if err := checkDimension(m.dimension, q.Vector); err != nil {
		return nil, err
	}
	if q.Vector == nil {
		return nil, fmt.Errorf("%w: query vector required", ErrDimensionMismatch)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// chromem requires nResults <= collection size.
	n := m.index.Count()
	if q.Limit > 0 && q.Limit < n {
		n = q.Limit
	}
	if n == 0 {
		return []Hit{}, nil
	}

	var where map[string]string
	if q.ContainerTag != "" {
		where = map[string]string{tagKey: q.ContainerTag}
	}

	results, err := m.index.QueryEmbedding(ctx, append([]float32(nil), q.Vector...), n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying index: %v", ErrStorage, err)
	}

	hits = make([]Hit, 0, len(results))
	for _, r := range results {
		d, ok := m.docs[r.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{Document: *withoutEmbedding(d), Score: float64(r.Similarity)})
	}
	return rankHits(hits, q.MinScore, q.Limit), nil
}

// Settings implements Repository.
func (m *Memory) Settings(ctx context.Context) (settings map[string]any, err error) {
	_, done := observe(ctx, backendMemory, "settings")
	defer done(&err)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return mergeMetadata(m.settings, nil), nil
}

// MergeSettings implements Repository.
func (m *Memory) MergeSettings(ctx context.Context, patch map[string]any) (settings map[string]any, err error) {
	_, done := observe(ctx, backendMemory, "merge_settings")
	defer done(&err)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = mergeMetadata(m.settings, patch)
	return mergeMetadata(m.settings, nil), nil
}

// Ping implements Repository.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Repository.
func (m *Memory) Close() error { return nil }

func cloneDocument(d *Document) *Document {
	c := *d
	c.Metadata = mergeMetadata(d.Metadata, nil)
	if d.Embedding != nil {
		c.Embedding = append([]float32(nil), d.Embedding...)
	}
	return &c
}

func withoutEmbedding(d *Document) *Document {
	c := *d
	c.Metadata = mergeMetadata(d.Metadata, nil)
	c.Embedding = nil
	return &c
}

var _ Repository = (*Memory)(nil)
