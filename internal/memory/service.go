package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/internal/store"
)

const instrumentationName = "github.com/s11ngh/supermemory-selfhosted/internal/memory"

// DefaultSearchLimit applies when SearchParams.Limit is not positive.
const DefaultSearchLimit = 10

// Embedder turns text into vectors. *embeddings.Client implements it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Publisher receives committed document changes. Publish must not block
// on delivery; failures are the publisher's to report.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sends lifecycle events to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Instrumentation supplies tracers and meters. *telemetry.Telemetry implements it.
type Instrumentation interface {
	Tracer(name string, opts ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
}

// WithTelemetry replaces the global OTEL providers.
func WithTelemetry(i Instrumentation) Option {
	return func(s *Service) {
		s.tracer = i.Tracer(instrumentationName)
		s.meter = i.Meter(instrumentationName)
	}
}

// Service is the document store and similarity search engine.
type Service struct {
	repo      store.Repository
	embedder  Embedder
	publisher Publisher
	logger    *logging.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	ingestCounter  metric.Int64Counter
	searchCounter  metric.Int64Counter
	searchHitsHist metric.Int64Histogram
}

// NewService wires a repository and an embedder.
func NewService(repo store.Repository, embedder Embedder, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}

	s := &Service{
		repo:     repo,
		embedder: embedder,
		logger:   logging.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.ingestCounter, err = s.meter.Int64Counter(
		"memoryd.memory.documents_ingested_total",
		metric.WithDescription("Documents embedded and stored"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create ingest counter", zap.Error(err))
	}

	s.searchCounter, err = s.meter.Int64Counter(
		"memoryd.memory.searches_total",
		metric.WithDescription("Similarity searches served"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create search counter", zap.Error(err))
	}

	s.searchHitsHist, err = s.meter.Int64Histogram(
		"memoryd.memory.search_hits",
		metric.WithDescription("Hits returned per search"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create search hits histogram", zap.Error(err))
	}
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "memory."+name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Service) publish(ctx context.Context, e Event) {
	if s.publisher == nil {
		return
	}
	e.At = time.Now().UTC()
	s.publisher.Publish(ctx, e)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Insert embeds content and stores it as a processed document. Nothing is
// stored when embedding fails.
func (s *Service) Insert(ctx context.Context, content string, metadata map[string]any, containerTag string) (*Document, error) {
	ctx, span := s.start(ctx, "insert", attribute.String("container_tag", containerTag))
	defer span.End()

	if blank(content) {
		return nil, fail(span, invalid("content", "content is required"))
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fail(span, fmt.Errorf("embedding document: %w", err))
	}

	doc := &Document{
		ID:           uuid.New().String(),
		Content:      content,
		Metadata:     metadata,
		Embedding:    vec,
		ContainerTag: containerTag,
		Status:       store.StatusProcessed,
	}
	if err := s.repo.Insert(ctx, doc); err != nil {
		return nil, fail(span, fmt.Errorf("storing document: %w", err))
	}

	s.ingestCounter.Add(ctx, 1)
	span.SetAttributes(attribute.String("document_id", doc.ID))
	s.logger.Debug(logging.WithDocumentID(ctx, doc.ID), "document stored",
		zap.String("container_tag", doc.ContainerTag),
		zap.Int("content_len", len(content)))
	s.publish(ctx, Event{Kind: EventCreated, DocumentID: doc.ID, ContainerTag: doc.ContainerTag})
	return doc, nil
}

// InsertBatch embeds every valid item in one call, then writes rows one by
// one. Invalid items and failed writes are reported per item; rows already
// written stay committed. A failed embedding call stores nothing and fails
// the whole batch.
func (s *Service) InsertBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	ctx, span := s.start(ctx, "insert_batch", attribute.Int("items", len(items)))
	defer span.End()

	if len(items) == 0 {
		return nil, fail(span, invalid("documents", "documents must be a non-empty array"))
	}

	results := make([]BatchResult, len(items))
	valid := make([]int, 0, len(items))
	texts := make([]string, 0, len(items))
	for i, item := range items {
		if blank(item.Content) {
			results[i] = BatchResult{Status: BatchStatusError, Error: "content is required"}
			continue
		}
		valid = append(valid, i)
		texts = append(texts, item.Content)
	}
	if len(valid) == 0 {
		return results, nil
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fail(span, fmt.Errorf("embedding batch: %w", err))
	}

	stored := 0
	for j, i := range valid {
		item := items[i]
		doc := &Document{
			ID:           uuid.New().String(),
			Content:      item.Content,
			Metadata:     item.Metadata,
			Embedding:    vectors[j],
			ContainerTag: item.ContainerTag,
			Status:       store.StatusProcessed,
		}
		if err := s.repo.Insert(ctx, doc); err != nil {
			s.logger.Warn(ctx, "batch item not stored", zap.Int("index", i), zap.Error(err))
			results[i] = BatchResult{Status: BatchStatusError, Error: err.Error()}
			continue
		}
		results[i] = BatchResult{ID: doc.ID, Status: BatchStatusProcessed}
		stored++
		s.publish(ctx, Event{Kind: EventCreated, DocumentID: doc.ID, ContainerTag: doc.ContainerTag})
	}

	s.ingestCounter.Add(ctx, int64(stored))
	span.SetAttributes(attribute.Int("stored", stored))
	return results, nil
}

// Get returns a document by id, or store.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	ctx, span := s.start(ctx, "get", attribute.String("document_id", id))
	defer span.End()

	doc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	return doc, nil
}

// List pages documents newest first. total ignores limit and offset.
func (s *Service) List(ctx context.Context, containerTag string, limit, offset int) ([]Document, int, error) {
	ctx, span := s.start(ctx, "list",
		attribute.String("container_tag", containerTag),
		attribute.Int("limit", limit),
		attribute.Int("offset", offset))
	defer span.End()

	if limit < 0 {
		return nil, 0, fail(span, invalid("limit", "limit must not be negative"))
	}
	if offset < 0 {
		return nil, 0, fail(span, invalid("offset", "offset must not be negative"))
	}

	docs, total, err := s.repo.List(ctx, containerTag, limit, offset)
	if err != nil {
		return nil, 0, fail(span, err)
	}
	return docs, total, nil
}

// Update re-embeds new content and shallow-merges metadata.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Document, error) {
	ctx, span := s.start(ctx, "update",
		attribute.String("document_id", id),
		attribute.Bool("content", req.Content != nil))
	defer span.End()

	if id == "" {
		return nil, fail(span, invalid("id", "id is required"))
	}

	var patch store.Patch
	patch.Metadata = req.Metadata
	if req.Content != nil {
		if blank(*req.Content) {
			return nil, fail(span, invalid("content", "content must not be empty"))
		}
		// Missing ids fail before the embedding call.
		if _, err := s.repo.Get(ctx, id); err != nil {
			return nil, fail(span, err)
		}
		vec, err := s.embedder.Embed(ctx, *req.Content)
		if err != nil {
			return nil, fail(span, fmt.Errorf("embedding document: %w", err))
		}
		patch.Content = req.Content
		patch.Embedding = vec
	}

	doc, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return nil, fail(span, err)
	}
	s.publish(ctx, Event{Kind: EventUpdated, DocumentID: doc.ID, ContainerTag: doc.ContainerTag})
	return doc, nil
}

// Delete removes one document, or returns store.ErrNotFound.
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := s.start(ctx, "delete", attribute.String("document_id", id))
	defer span.End()

	if err := s.repo.Delete(ctx, id); err != nil {
		return fail(span, err)
	}
	s.publish(ctx, Event{Kind: EventDeleted, DocumentID: id})
	return nil
}

// DeleteBulk removes the given ids and returns those that existed.
func (s *Service) DeleteBulk(ctx context.Context, ids []string) ([]string, error) {
	ctx, span := s.start(ctx, "delete_bulk", attribute.Int("ids", len(ids)))
	defer span.End()

	if len(ids) == 0 {
		return []string{}, nil
	}
	deleted, err := s.repo.DeleteMany(ctx, ids)
	if err != nil {
		return deleted, fail(span, err)
	}
	for _, id := range deleted {
		s.publish(ctx, Event{Kind: EventDeleted, DocumentID: id})
	}
	span.SetAttributes(attribute.Int("deleted", len(deleted)))
	return deleted, nil
}

// DeleteByTag removes every document with exactly containerTag.
func (s *Service) DeleteByTag(ctx context.Context, containerTag string) (int, error) {
	ctx, span := s.start(ctx, "delete_by_tag", attribute.String("container_tag", containerTag))
	defer span.End()

	if containerTag == "" {
		return 0, fail(span, invalid("containerTag", "containerTag is required"))
	}
	n, err := s.repo.DeleteByTag(ctx, containerTag)
	if err != nil {
		return 0, fail(span, err)
	}
	if n > 0 {
		s.logger.Info(logging.WithContainerTag(ctx, containerTag), "documents deleted by tag", zap.Int("count", n))
		s.publish(ctx, Event{Kind: EventDeleted, ContainerTag: containerTag, Count: n})
	}
	return n, nil
}

// ListProcessing returns documents accepted but not yet embedded.
func (s *Service) ListProcessing(ctx context.Context) ([]Document, error) {
	ctx, span := s.start(ctx, "list_processing")
	defer span.End()

	docs, err := s.repo.ListByStatus(ctx, store.StatusProcessing)
	if err != nil {
		return nil, fail(span, err)
	}
	return docs, nil
}

// Search embeds the query and returns documents scoring strictly above
// MinScore, best first. Scores are 1 - cosine distance and are not clamped.
func (s *Service) Search(ctx context.Context, p SearchParams) ([]Hit, error) {
	ctx, span := s.start(ctx, "search",
		attribute.String("container_tag", p.ContainerTag),
		attribute.Int("limit", p.Limit),
		attribute.Float64("min_score", p.MinScore))
	defer span.End()

	if blank(p.Query) {
		return nil, fail(span, invalid("q", "query is required"))
	}
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	vec, err := s.embedder.Embed(ctx, p.Query)
	if err != nil {
		return nil, fail(span, fmt.Errorf("embedding query: %w", err))
	}

	ranked, err := s.repo.Search(ctx, store.SearchQuery{
		Vector:       vec,
		ContainerTag: p.ContainerTag,
		Limit:        limit,
		MinScore:     p.MinScore,
	})
	if err != nil {
		return nil, fail(span, err)
	}

	hits := make([]Hit, len(ranked))
	for i, r := range ranked {
		hits[i] = Hit{
			ID:           r.ID,
			Content:      r.Content,
			Metadata:     r.Metadata,
			ContainerTag: r.ContainerTag,
			Score:        r.Score,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		}
	}

	s.searchCounter.Add(ctx, 1)
	s.searchHitsHist.Record(ctx, int64(len(hits)))
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

// Settings returns the settings object, empty when never set.
func (s *Service) Settings(ctx context.Context) (map[string]any, error) {
	ctx, span := s.start(ctx, "settings")
	defer span.End()

	settings, err := s.repo.Settings(ctx)
	if err != nil {
		return nil, fail(span, err)
	}
	return settings, nil
}

// MergeSettings overwrites the top-level keys in patch and returns the result.
func (s *Service) MergeSettings(ctx context.Context, patch map[string]any) (map[string]any, error) {
	ctx, span := s.start(ctx, "merge_settings", attribute.Int("keys", len(patch)))
	defer span.End()

	if patch == nil {
		patch = map[string]any{}
	}
	settings, err := s.repo.MergeSettings(ctx, patch)
	if err != nil {
		return nil, fail(span, err)
	}
	return settings, nil
}

// Ping checks the storage backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
