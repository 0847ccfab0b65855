package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/s11ngh/supermemory-selfhosted/internal/embeddings"
	"github.com/s11ngh/supermemory-selfhosted/internal/embeddings/embeddingstest"
	"github.com/s11ngh/supermemory-selfhosted/internal/store"
	"github.com/s11ngh/supermemory-selfhosted/internal/telemetry"
)

const dim = 1536

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) kinds() []EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventKind, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind
	}
	return out
}

// failingRepo fails the Nth Insert (1-based).
type failingRepo struct {
	store.Repository
	failOn  int
	inserts int
}

func (r *failingRepo) Insert(ctx context.Context, doc *store.Document) error {
	r.inserts++
	if r.inserts == r.failOn {
		return errors.New("disk full")
	}
	return r.Repository.Insert(ctx, doc)
}

type fixture struct {
	svc      *Service
	provider *embeddingstest.Provider
	repo     store.Repository
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo, err := store.NewMemory(dim)
	require.NoError(t, err)
	return newFixtureWithRepo(t, repo, opts...)
}

func newFixtureWithRepo(t *testing.T, repo store.Repository, opts ...Option) *fixture {
	t.Helper()
	provider := embeddingstest.New(dim)
	svc, err := NewService(repo, embeddings.NewClient(provider), opts...)
	require.NoError(t, err)
	return &fixture{svc: svc, provider: provider, repo: repo}
}

func TestNewService_RequiresDependencies(t *testing.T) {
	repo, err := store.NewMemory(dim)
	require.NoError(t, err)

	_, err = NewService(nil, embeddings.NewClient(embeddingstest.New(dim)))
	assert.Error(t, err)

	_, err = NewService(repo, nil)
	assert.Error(t, err)
}

func TestInsert_ThenGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.svc.Insert(ctx, "we deploy with docker compose", map[string]any{"source": "chat"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, store.StatusProcessed, doc.Status)
	assert.Equal(t, store.DefaultContainerTag, doc.ContainerTag)

	got, err := f.svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "we deploy with docker compose", got.Content)
	assert.Len(t, got.Embedding, dim)
	assert.Equal(t, "chat", got.Metadata["source"])
}

func TestInsert_EmptyContent(t *testing.T) {
	f := newFixture(t)

	for _, content := range []string{"", "   \n\t"} {
		_, err := f.svc.Insert(context.Background(), content, nil, "")
		assert.ErrorIs(t, err, ErrValidation)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "content", verr.Field)
	}
	assert.Zero(t, f.provider.Calls())
}

func TestInsert_EmbeddingFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.provider.FailWith(errors.New("upstream 503"))

	_, err := f.svc.Insert(context.Background(), "lost", nil, "")
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)
	assert.Equal(t, 1, f.provider.Calls())

	_, total, err := f.svc.List(context.Background(), "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestInsertBatch_PerItemReporting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	results, err := f.svc.InsertBatch(ctx, []BatchItem{
		{Content: "first memory"},
		{Content: ""},
		{Content: "second memory", ContainerTag: "work"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, BatchStatusProcessed, results[0].Status)
	assert.NotEmpty(t, results[0].ID)
	assert.Equal(t, BatchStatusError, results[1].Status)
	assert.Empty(t, results[1].ID)
	assert.NotEmpty(t, results[1].Error)
	assert.Equal(t, BatchStatusProcessed, results[2].Status)

	assert.Equal(t, 1, f.provider.Calls())
	assert.Equal(t, [][]string{{"first memory", "second memory"}}, f.provider.Inputs())

	doc, err := f.svc.Get(ctx, results[2].ID)
	require.NoError(t, err)
	assert.Equal(t, "work", doc.ContainerTag)
}

func TestInsertBatch_Empty(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.InsertBatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestInsertBatch_AllInvalidSkipsEmbedding(t *testing.T) {
	f := newFixture(t)
	results, err := f.svc.InsertBatch(context.Background(), []BatchItem{{Content: " "}, {}})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Zero(t, f.provider.Calls())
}

func TestInsertBatch_EmbeddingFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.provider.FailWith(errors.New("timeout"))

	_, err := f.svc.InsertBatch(context.Background(), []BatchItem{{Content: "a"}, {Content: "b"}})
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)

	_, total, err := f.svc.List(context.Background(), "", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestInsertBatch_FailedWriteKeepsPriorRows(t *testing.T) {
	mem, err := store.NewMemory(dim)
	require.NoError(t, err)
	f := newFixtureWithRepo(t, &failingRepo{Repository: mem, failOn: 2})

	results, err := f.svc.InsertBatch(context.Background(), []BatchItem{
		{Content: "one"}, {Content: "two"}, {Content: "three"},
	})
	require.NoError(t, err)

	assert.Equal(t, BatchStatusProcessed, results[0].Status)
	assert.Equal(t, BatchStatusError, results[1].Status)
	assert.Contains(t, results[1].Error, "disk full")
	assert.Equal(t, BatchStatusProcessed, results[2].Status)

	_, total, err := f.svc.List(context.Background(), "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestUpdate_MetadataMergesShallowly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.svc.Insert(ctx, "metadata target", nil, "")
	require.NoError(t, err)
	calls := f.provider.Calls()

	_, err = f.svc.Update(ctx, doc.ID, UpdateRequest{Metadata: map[string]any{"a": 1}})
	require.NoError(t, err)
	got, err := f.svc.Update(ctx, doc.ID, UpdateRequest{Metadata: map[string]any{"b": 2}})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"a": 1, "b": 2}, got.Metadata)
	assert.Equal(t, "metadata target", got.Content)
	assert.Equal(t, calls, f.provider.Calls(), "metadata-only updates do not embed")
}

func TestUpdate_ContentReembeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.svc.Insert(ctx, "the cache is redis", nil, "")
	require.NoError(t, err)

	content := "the cache is memcached"
	got, err := f.svc.Update(ctx, doc.ID, UpdateRequest{Content: &content, Metadata: map[string]any{"edited": true}})
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, true, got.Metadata["edited"])
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	hits, err := f.svc.Search(ctx, SearchParams{Query: content, MinScore: 0.9})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, doc.ID, hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
}

func TestUpdate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty := " "
	_, err := f.svc.Update(ctx, "some-id", UpdateRequest{Content: &empty})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Update(ctx, "", UpdateRequest{Metadata: map[string]any{"a": 1}})
	assert.ErrorIs(t, err, ErrValidation)

	content := "new"
	_, err = f.svc.Update(ctx, "missing", UpdateRequest{Content: &content})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.provider.Calls())

	_, err = f.svc.Update(ctx, "missing", UpdateRequest{Metadata: map[string]any{"a": 1}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, err := f.svc.Insert(ctx, "short lived", nil, "")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, doc.ID))
	_, err = f.svc.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, doc.ID), store.ErrNotFound)
}

func TestDeleteBulk_ReturnsRemovedIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Insert(ctx, "alpha", nil, "")
	require.NoError(t, err)
	b, err := f.svc.Insert(ctx, "beta", nil, "")
	require.NoError(t, err)

	deleted, err := f.svc.DeleteBulk(ctx, []string{a.ID, "unknown", b.ID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, deleted)

	deleted, err = f.svc.DeleteBulk(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestDeleteByTag_RemovesExactlyTagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, c := range []string{"x one", "x two"} {
		_, err := f.svc.Insert(ctx, c, nil, "x")
		require.NoError(t, err)
	}
	_, err := f.svc.Insert(ctx, "x prefixed but other tag", nil, "xy")
	require.NoError(t, err)
	_, err = f.svc.Insert(ctx, "default doc", nil, "")
	require.NoError(t, err)

	n, err := f.svc.DeleteByTag(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, total, err := f.svc.List(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, err = f.svc.DeleteByTag(ctx, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestList_PaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for _, c := range []string{"one", "two", "three"} {
		doc, err := f.svc.Insert(ctx, c, nil, "")
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}

	docs, total, err := f.svc.List(ctx, "", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, docs, 2)

	_, _, err = f.svc.List(ctx, "", -1, 0)
	assert.ErrorIs(t, err, ErrValidation)
	_, _, err = f.svc.List(ctx, "", 1, -1)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestListProcessing_EmptyForSynchronousIngest(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Insert(context.Background(), "processed right away", nil, "")
	require.NoError(t, err)

	docs, err := f.svc.ListProcessing(context.Background())
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSearch_PgvectorScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.Set("Postgres with pgvector for embeddings", embeddingstest.Vector(dim, 0.9, 0.4, 0.1))
	f.provider.Set("what database do we use?", embeddingstest.Vector(dim, 0.8, 0.5))
	f.provider.Set("the office plant needs water", embeddingstest.Vector(dim, 0, 0, 0, 1))

	doc, err := f.svc.Insert(ctx, "Postgres with pgvector for embeddings", nil, "")
	require.NoError(t, err)
	_, err = f.svc.Insert(ctx, "the office plant needs water", nil, "")
	require.NoError(t, err)

	hits, err := f.svc.Search(ctx, SearchParams{Query: "what database do we use?", MinScore: 0.3})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, doc.ID, hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.3)
	assert.LessOrEqual(t, hits[0].Score, 1.0+1e-6)
	assert.Equal(t, "Postgres with pgvector for embeddings", hits[0].Content)
	assert.False(t, hits[0].UpdatedAt.IsZero())
}

func TestSearch_SelfSimilarityRanksFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	contents := []string{
		"we use postgres for storage",
		"the team prefers tabs over spaces",
		"deployments happen on fridays",
		"postgres backups run nightly",
	}
	for _, c := range contents {
		_, err := f.svc.Insert(ctx, c, nil, "")
		require.NoError(t, err)
	}

	for _, c := range contents {
		hits, err := f.svc.Search(ctx, SearchParams{Query: c, MinScore: -1, Limit: 10})
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, c, hits[0].Content)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
		for i := 1; i < len(hits); i++ {
			assert.LessOrEqual(t, hits[i].Score, hits[i-1].Score)
		}
	}
}

func TestSearch_FiltersByTagAndLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, tag := range []string{"a", "a", "a", "b"} {
		_, err := f.svc.Insert(ctx, "shared words here "+string(rune('a'+i)), nil, tag)
		require.NoError(t, err)
	}

	hits, err := f.svc.Search(ctx, SearchParams{Query: "shared words here", ContainerTag: "a", Limit: 2, MinScore: 0})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, "a", h.ContainerTag)
	}
}

func TestSearch_EmptyQueryMakesNoEmbeddingCall(t *testing.T) {
	f := newFixture(t)

	for _, q := range []string{"", "  "} {
		_, err := f.svc.Search(context.Background(), SearchParams{Query: q})
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.Zero(t, f.provider.Calls())
}

func TestSearch_EmbeddingFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.FailWith(errors.New("boom"))

	_, err := f.svc.Search(context.Background(), SearchParams{Query: "anything"})
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)
}

func TestSearch_DefaultLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	items := make([]BatchItem, DefaultSearchLimit+5)
	for i := range items {
		items[i] = BatchItem{Content: "same text"}
	}
	_, err := f.svc.InsertBatch(ctx, items)
	require.NoError(t, err)

	hits, err := f.svc.Search(ctx, SearchParams{Query: "same text", MinScore: 0.5})
	require.NoError(t, err)
	assert.Len(t, hits, DefaultSearchLimit)
}

func TestSettings_MergesAccumulate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.svc.Settings(ctx)
	require.NoError(t, err)
	assert.Empty(t, s)

	_, err = f.svc.MergeSettings(ctx, map[string]any{"autoRecall": true})
	require.NoError(t, err)
	_, err = f.svc.MergeSettings(ctx, map[string]any{"minScore": 0.5})
	require.NoError(t, err)

	s, err = f.svc.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"autoRecall": true, "minScore": 0.5}, s)

	s, err = f.svc.MergeSettings(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, s, 2)
}

func TestEvents_Published(t *testing.T) {
	pub := &recordingPublisher{}
	f := newFixture(t, WithPublisher(pub))
	ctx := context.Background()

	doc, err := f.svc.Insert(ctx, "event source", nil, "ev")
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, doc.ID, UpdateRequest{Metadata: map[string]any{"k": "v"}})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, doc.ID))
	_, err = f.svc.Insert(ctx, "another", nil, "ev")
	require.NoError(t, err)
	_, err = f.svc.DeleteByTag(ctx, "ev")
	require.NoError(t, err)

	assert.Equal(t, []EventKind{EventCreated, EventUpdated, EventDeleted, EventCreated, EventDeleted}, pub.kinds())

	last := pub.events[len(pub.events)-1]
	assert.Equal(t, "ev", last.ContainerTag)
	assert.Equal(t, 1, last.Count)
	assert.Empty(t, last.DocumentID)
	assert.False(t, last.At.IsZero())
}

func TestTelemetry_SpansAndMetrics(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	f := newFixture(t, WithTelemetry(tel))
	ctx := context.Background()

	_, err := f.svc.Insert(ctx, "traced", nil, "")
	require.NoError(t, err)
	_, err = f.svc.Search(ctx, SearchParams{Query: "traced", MinScore: 0.5})
	require.NoError(t, err)
	_, err = f.svc.Search(ctx, SearchParams{})
	require.Error(t, err)

	tel.AssertSpanExists(t, "memory.insert")
	tel.AssertSpanAttribute(t, "memory.search", "hits", int64(1))

	rm, err := tel.Collect(ctx)
	require.NoError(t, err)

	ingested := telemetry.FindMetric(rm, "memoryd.memory.documents_ingested_total")
	require.NotNil(t, ingested)
	sum, ok := ingested.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)

	assert.NotNil(t, telemetry.FindMetric(rm, "memoryd.memory.search_hits"))
}
