package store

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/s11ngh/supermemory-selfhosted/internal/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQdrant is an in-process qdrant.Client supporting keyword match filters,
// ordered scrolls and cosine search.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]map[string]*qdrant.Point
	sizes       map[string]uint64
	healthErr   error
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{
		collections: make(map[string]map[string]*qdrant.Point),
		sizes:       make(map[string]uint64),
	}
}

func (f *fakeQdrant) EnsureCollection(_ context.Context, name string, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = make(map[string]*qdrant.Point)
		f.sizes[name] = size
	}
	return nil
}

func (f *fakeQdrant) VectorSize(_ context.Context, name string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sizes[name], nil
}

func (f *fakeQdrant) CreateKeywordIndex(context.Context, string, string) error { return nil }
func (f *fakeQdrant) CreateIntegerIndex(context.Context, string, string) error { return nil }

func (f *fakeQdrant) Upsert(_ context.Context, collection string, points []*qdrant.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[collection]
	if !ok {
		return errors.New("collection not found")
	}
	for _, p := range points {
		cp := *p
		cp.Vector = append([]float32(nil), p.Vector...)
		c[p.ID] = &cp
	}
	return nil
}

func (f *fakeQdrant) Search(_ context.Context, collection string, req qdrant.SearchRequest) ([]*qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*qdrant.ScoredPoint
	for _, p := range f.collections[collection] {
		if !matches(p, req.Filter) {
			continue
		}
		score := float32(cosineSimilarity(p.Vector, req.Vector))
		if req.ScoreThreshold != nil && score < *req.ScoreThreshold {
			continue
		}
		out = append(out, &qdrant.ScoredPoint{Point: qdrant.Point{ID: p.ID, Payload: p.Payload}, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if uint64(len(out)) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func (f *fakeQdrant) Get(_ context.Context, collection string, ids []string, withVectors bool) ([]*qdrant.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*qdrant.Point
	for _, id := range ids {
		if p, ok := f.collections[collection][id]; ok {
			out = append(out, project(p, withVectors))
		}
	}
	return out, nil
}

func (f *fakeQdrant) Scroll(_ context.Context, collection string, req qdrant.ScrollRequest) ([]*qdrant.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*qdrant.Point
	for _, p := range f.collections[collection] {
		if matches(p, req.Filter) {
			out = append(out, project(p, req.WithVectors))
		}
	}
	if req.OrderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			a, _ := out[i].Payload[req.OrderBy].(int64)
			b, _ := out[j].Payload[req.OrderBy].(int64)
			if req.OrderDesc {
				return a > b
			}
			return a < b
		})
	}
	if uint32(len(out)) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

func (f *fakeQdrant) Count(_ context.Context, collection string, filter *qdrant.Filter) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n uint64
	for _, p := range f.collections[collection] {
		if matches(p, filter) {
			n++
		}
	}
	return n, nil
}

func (f *fakeQdrant) Delete(_ context.Context, collection string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.collections[collection], id)
	}
	return nil
}

func (f *fakeQdrant) DeleteByFilter(_ context.Context, collection string, filter *qdrant.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.collections[collection] {
		if matches(p, filter) {
			delete(f.collections[collection], id)
		}
	}
	return nil
}

func (f *fakeQdrant) Health(context.Context) error { return f.healthErr }
func (f *fakeQdrant) Close() error                 { return nil }

func matches(p *qdrant.Point, filter *qdrant.Filter) bool {
	if filter == nil {
		return true
	}
	for _, c := range filter.Must {
		if p.Payload[c.Field] != c.Match {
			return false
		}
	}
	return true
}

func project(p *qdrant.Point, withVectors bool) *qdrant.Point {
	cp := &qdrant.Point{ID: p.ID, Payload: p.Payload}
	if withVectors {
		cp.Vector = append([]float32(nil), p.Vector...)
	}
	return cp
}

func newTestQdrant(t *testing.T) Repository {
	t.Helper()
	q, err := NewQdrant(context.Background(), newFakeQdrant(), QdrantConfig{Collection: "documents", Dimension: testDim}, nil)
	require.NoError(t, err)
	return q
}

func TestQdrant_Repository(t *testing.T) {
	runRepositoryTests(t, newTestQdrant)
}

func TestQdrant_RejectsUnembeddedDocuments(t *testing.T) {
	repo := newTestQdrant(t)
	err := repo.Insert(context.Background(), newDoc("pending", "", nil))
	assert.ErrorIs(t, err, ErrStorage)
}

func TestQdrant_NonUUIDIsNotFound(t *testing.T) {
	repo := newTestQdrant(t)
	_, err := repo.Get(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(context.Background(), "not-a-uuid"), ErrNotFound)
}

func TestQdrant_DimensionMismatchOnExistingCollection(t *testing.T) {
	client := newFakeQdrant()
	require.NoError(t, client.EnsureCollection(context.Background(), "documents", 384))

	_, err := NewQdrant(context.Background(), client, QdrantConfig{Collection: "documents", Dimension: testDim}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestQdrant_PingReportsHealth(t *testing.T) {
	client := newFakeQdrant()
	q, err := NewQdrant(context.Background(), client, QdrantConfig{Collection: "documents", Dimension: 4}, nil)
	require.NoError(t, err)

	assert.NoError(t, q.Ping(context.Background()))
	client.healthErr = errors.New("unavailable")
	assert.ErrorIs(t, q.Ping(context.Background()), ErrStorage)
}

func TestNewQdrant_InvalidConfig(t *testing.T) {
	_, err := NewQdrant(context.Background(), newFakeQdrant(), QdrantConfig{Dimension: 4}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewQdrant(context.Background(), newFakeQdrant(), QdrantConfig{Collection: "c"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewQdrant(context.Background(), newFakeQdrant(), QdrantConfig{Collection: "Memory-Docs", Dimension: 4}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, `"memory_docs"`)
}

func TestDocumentPointRoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)
	doc := &Document{
		ID:           uuid.NewString(),
		Content:      "qdrant keeps payloads",
		Metadata:     map[string]any{"source": "cli"},
		Embedding:    []float32{0.5, 0.5},
		ContainerTag: "work",
		Status:       StatusProcessed,
		CreatedAt:    created,
		UpdatedAt:    created.Add(time.Minute),
	}

	got := pointToDocument(documentToPoint(doc))
	assert.Equal(t, doc, got)
}

func TestUnixNanoPayload(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, ts, unixNanoPayload(ts.UnixNano()))
	assert.Equal(t, ts, unixNanoPayload(float64(ts.UnixNano())))
	assert.True(t, unixNanoPayload("nope").IsZero())
}

func TestTagFilter(t *testing.T) {
	assert.Nil(t, tagFilter(""))

	f := tagFilter("work")
	require.NotNil(t, f)
	require.Len(t, f.Must, 1)
	assert.Equal(t, payloadTag, f.Must[0].Field)
	assert.Equal(t, "work", f.Must[0].Match)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.False(t, math.IsNaN(cosineSimilarity(nil, nil)))
}

func TestRankHits(t *testing.T) {
	hits := []Hit{
		{Document: Document{ID: "a"}, Score: 0.3},
		{Document: Document{ID: "b"}, Score: 0.9},
		{Document: Document{ID: "c"}, Score: 0.5},
		{Document: Document{ID: "d"}, Score: 0.6},
	}
	got := rankHits(hits, 0.5, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "d", got[1].ID)
}

func TestPaginate(t *testing.T) {
	docs := []Document{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	assert.Equal(t, []string{"2", "3"}, docIDs(paginate(docs, 5, 1)))
	assert.Equal(t, []string{"1"}, docIDs(paginate(docs, 1, 0)))
	assert.Equal(t, []string{"1", "2", "3"}, docIDs(paginate(docs, 0, -1)))
	assert.Empty(t, paginate(docs, 2, 3))
}
