package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/internal/qdrant"
	"github.com/s11ngh/supermemory-selfhosted/internal/sanitize"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const backendQdrant = "qdrant"

// Payload keys of a document point.
const (
	payloadContent   = "content"
	payloadMetadata  = "metadata"
	payloadTag       = "container_tag"
	payloadStatus    = "status"
	payloadCreatedAt = "created_at"
	payloadUpdatedAt = "updated_at"
	payloadSettings  = "data"
)

// settingsPointID is the fixed id of the single settings point.
var settingsPointID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("memoryd.settings")).String()

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Collection string
	Dimension  int
}

// Qdrant is a Repository on an external Qdrant collection. Documents are
// points keyed by their UUID; the settings object lives in a one-point
// side collection named <collection>_settings.
//
// Qdrant points always carry a vector, so documents without an embedding
// are rejected.
type Qdrant struct {
	client qdrant.Client
	config QdrantConfig
	logger *logging.Logger
}

// NewQdrant prepares the document and settings collections on client.
func NewQdrant(ctx context.Context, client qdrant.Client, cfg QdrantConfig, logger *logging.Logger) (*Qdrant, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("%w: qdrant collection required", ErrInvalidConfig)
	}
	if !sanitize.IsIdentifier(cfg.Collection) {
		return nil, fmt.Errorf("%w: qdrant collection %q must match [a-z0-9_]{1,64} (try %q)",
			ErrInvalidConfig, cfg.Collection, sanitize.Identifier(cfg.Collection))
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	q := &Qdrant{client: client, config: cfg, logger: logger}
	if err := q.migrate(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Qdrant) settingsCollection() string {
	return q.config.Collection + "_settings"
}

func (q *Qdrant) migrate(ctx context.Context) error {
	if err := q.client.EnsureCollection(ctx, q.config.Collection, uint64(q.config.Dimension)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	size, err := q.client.VectorSize(ctx, q.config.Collection)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if size != uint64(q.config.Dimension) {
		return fmt.Errorf("%w: collection %s has vector size %d, configuration expects %d",
			ErrDimensionMismatch, q.config.Collection, size, q.config.Dimension)
	}

	if err := q.client.CreateKeywordIndex(ctx, q.config.Collection, payloadTag); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := q.client.CreateKeywordIndex(ctx, q.config.Collection, payloadStatus); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := q.client.CreateIntegerIndex(ctx, q.config.Collection, payloadCreatedAt); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := q.client.EnsureCollection(ctx, q.settingsCollection(), 1); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	q.logger.Info(ctx, "qdrant store ready",
		zap.String("collection", q.config.Collection),
		zap.Int("dimension", q.config.Dimension),
	)
	return nil
}

// Insert implements Repository.
func (q *Qdrant) Insert(ctx context.Context, doc *Document) (err error) {
	ctx, done := observe(ctx, backendQdrant, "insert")
	defer done(&err)

	if err := prepareInsert(doc, q.config.Dimension, timeNow()); err != nil {
		return err
	}
	if doc.Embedding == nil {
		return fmt.Errorf("%w: qdrant requires an embedding", ErrStorage)
	}
	if _, err := uuid.Parse(doc.ID); err != nil {
		return fmt.Errorf("%w: qdrant ids must be UUIDs: %v", ErrStorage, err)
	}
	if err := q.client.Upsert(ctx, q.config.Collection, []*qdrant.Point{documentToPoint(doc)}); err != nil {
		return fmt.Errorf("%w: upserting point: %v", ErrStorage, err)
	}
	return nil
}

// Get implements Repository.
func (q *Qdrant) Get(ctx context.Context, id string) (doc *Document, err error) {
	ctx, done := observe(ctx, backendQdrant, "get")
	defer done(&err)

	return q.get(ctx, id, true)
}

func (q *Qdrant) get(ctx context.Context, id string, withVector bool) (*Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	points, err := q.client.Get(ctx, q.config.Collection, []string{id}, withVector)
	if err != nil {
		return nil, fmt.Errorf("%w: getting point: %v", ErrStorage, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return pointToDocument(points[0]), nil
}

// List implements Repository. Qdrant has no offset for ordered scrolls, so
// offset+limit points are fetched and the page is cut locally.
func (q *Qdrant) List(ctx context.Context, containerTag string, limit, offset int) (docs []Document, total int, err error) {
	ctx, done := observe(ctx, backendQdrant, "list")
	defer done(&err)

	filter := tagFilter(containerTag)
	count, err := q.client.Count(ctx, q.config.Collection, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: counting points: %v", ErrStorage, err)
	}
	total = int(count)

	fetch := total
	if limit > 0 && offset+limit < fetch {
		fetch = offset + limit
	}
	if fetch == 0 {
		return []Document{}, total, nil
	}

	points, err := q.client.Scroll(ctx, q.config.Collection, qdrant.ScrollRequest{
		Filter:    filter,
		Limit:     uint32(fetch),
		OrderBy:   payloadCreatedAt,
		OrderDesc: true,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: scrolling points: %v", ErrStorage, err)
	}

	all := make([]Document, len(points))
	for i, p := range points {
		all[i] = *pointToDocument(p)
	}
	return paginate(all, limit, offset), total, nil
}

// Update implements Repository. The point is read, patched and rewritten.
func (q *Qdrant) Update(ctx context.Context, id string, p Patch) (doc *Document, err error) {
	ctx, done := observe(ctx, backendQdrant, "update")
	defer done(&err)

	if err := checkDimension(q.config.Dimension, p.Embedding); err != nil {
		return nil, err
	}

	doc, err = q.get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if p.Content != nil {
		doc.Content = *p.Content
	}
	if p.Embedding != nil {
		doc.Embedding = append([]float32(nil), p.Embedding...)
		doc.Status = StatusProcessed
	}
	if p.Metadata != nil {
		doc.Metadata = mergeMetadata(doc.Metadata, p.Metadata)
	}
	doc.UpdatedAt = timeNow()
	if doc.UpdatedAt.Before(doc.CreatedAt) {
		doc.UpdatedAt = doc.CreatedAt
	}

	if err := q.client.Upsert(ctx, q.config.Collection, []*qdrant.Point{documentToPoint(doc)}); err != nil {
		return nil, fmt.Errorf("%w: upserting point: %v", ErrStorage, err)
	}
	return doc, nil
}

// Delete implements Repository.
func (q *Qdrant) Delete(ctx context.Context, id string) (err error) {
	ctx, done := observe(ctx, backendQdrant, "delete")
	defer done(&err)

	if _, err := q.get(ctx, id, false); err != nil {
		return err
	}
	if err := q.client.Delete(ctx, q.config.Collection, []string{id}); err != nil {
		return fmt.Errorf("%w: deleting point: %v", ErrStorage, err)
	}
	return nil
}

// DeleteMany implements Repository.
func (q *Qdrant) DeleteMany(ctx context.Context, ids []string) (deleted []string, err error) {
	ctx, done := observe(ctx, backendQdrant, "delete_many", attribute.Int("ids", len(ids)))
	defer done(&err)

	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	deleted = []string{}
	if len(valid) == 0 {
		return deleted, nil
	}

	points, err := q.client.Get(ctx, q.config.Collection, valid, false)
	if err != nil {
		return deleted, fmt.Errorf("%w: getting points: %v", ErrStorage, err)
	}
	existing := make(map[string]bool, len(points))
	for _, p := range points {
		existing[p.ID] = true
	}
	for _, id := range valid {
		if existing[id] {
			deleted = append(deleted, id)
			delete(existing, id)
		}
	}
	if len(deleted) == 0 {
		return deleted, nil
	}

	if err := q.client.Delete(ctx, q.config.Collection, deleted); err != nil {
		return []string{}, fmt.Errorf("%w: deleting points: %v", ErrStorage, err)
	}
	return deleted, nil
}

// DeleteByTag implements Repository.
func (q *Qdrant) DeleteByTag(ctx context.Context, containerTag string) (n int, err error) {
	ctx, done := observe(ctx, backendQdrant, "delete_by_tag")
	defer done(&err)

	filter := qdrant.MatchFilter(payloadTag, containerTag)
	count, err := q.client.Count(ctx, q.config.Collection, filter)
	if err != nil {
		return 0, fmt.Errorf("%w: counting points: %v", ErrStorage, err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := q.client.DeleteByFilter(ctx, q.config.Collection, filter); err != nil {
		return 0, fmt.Errorf("%w: deleting points: %v", ErrStorage, err)
	}
	return int(count), nil
}

// ListByStatus implements Repository.
func (q *Qdrant) ListByStatus(ctx context.Context, status Status) (docs []Document, err error) {
	ctx, done := observe(ctx, backendQdrant, "list_by_status")
	defer done(&err)

	filter := qdrant.MatchFilter(payloadStatus, string(status))
	count, err := q.client.Count(ctx, q.config.Collection, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: counting points: %v", ErrStorage, err)
	}
	docs = []Document{}
	if count == 0 {
		return docs, nil
	}

	points, err := q.client.Scroll(ctx, q.config.Collection, qdrant.ScrollRequest{
		Filter:    filter,
		Limit:     uint32(count),
		OrderBy:   payloadCreatedAt,
		OrderDesc: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scrolling points: %v", ErrStorage, err)
	}
	for _, p := range points {
		docs = append(docs, *pointToDocument(p))
	}
	return docs, nil
}

// Search implements Repository. Qdrant's cosine score is the cosine
// similarity; its threshold is inclusive so the strict bound is reapplied.
func (q *Qdrant) Search(ctx context.Context, sq SearchQuery) (hits []Hit, err error) {
	ctx, done := observe(ctx, backendQdrant, "search", attribute.Int("limit", sq.Limit))
	defer done(&err)

	if sq.Vector == nil {
		return nil, fmt.Errorf("%w: query vector required", ErrDimensionMismatch)
	}
	if err := checkDimension(q.config.Dimension, sq.Vector); err != nil {
		return nil, err
	}

	limit := uint64(sq.Limit)
	if sq.Limit <= 0 {
		count, err := q.client.Count(ctx, q.config.Collection, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: counting points: %v", ErrStorage, err)
		}
		limit = count
	}
	if limit == 0 {
		return []Hit{}, nil
	}

	threshold := float32(sq.MinScore)
	points, err := q.client.Search(ctx, q.config.Collection, qdrant.SearchRequest{
		Vector:         sq.Vector,
		Limit:          limit,
		Filter:         tagFilter(sq.ContainerTag),
		ScoreThreshold: &threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying points: %v", ErrStorage, err)
	}

	hits = make([]Hit, 0, len(points))
	for _, p := range points {
		hits = append(hits, Hit{Document: *pointToDocument(&p.Point), Score: float64(p.Score)})
	}
	return rankHits(hits, sq.MinScore, sq.Limit), nil
}

// Settings implements Repository.
func (q *Qdrant) Settings(ctx context.Context) (settings map[string]any, err error) {
	ctx, done := observe(ctx, backendQdrant, "settings")
	defer done(&err)

	return q.readSettings(ctx)
}

func (q *Qdrant) readSettings(ctx context.Context) (map[string]any, error) {
	points, err := q.client.Get(ctx, q.settingsCollection(), []string{settingsPointID}, false)
	if err != nil {
		return nil, fmt.Errorf("%w: reading settings: %v", ErrStorage, err)
	}
	if len(points) == 0 {
		return map[string]any{}, nil
	}
	data, _ := points[0].Payload[payloadSettings].(map[string]interface{})
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// MergeSettings implements Repository. The read-modify-write is not atomic
// across concurrent callers.
func (q *Qdrant) MergeSettings(ctx context.Context, patch map[string]any) (settings map[string]any, err error) {
	ctx, done := observe(ctx, backendQdrant, "merge_settings")
	defer done(&err)

	current, err := q.readSettings(ctx)
	if err != nil {
		return nil, err
	}
	merged := mergeMetadata(current, patch)

	point := &qdrant.Point{
		ID:      settingsPointID,
		Vector:  []float32{1},
		Payload: map[string]interface{}{payloadSettings: map[string]interface{}(merged)},
	}
	if err := q.client.Upsert(ctx, q.settingsCollection(), []*qdrant.Point{point}); err != nil {
		return nil, fmt.Errorf("%w: writing settings: %v", ErrStorage, err)
	}
	return merged, nil
}

// Ping implements Repository.
func (q *Qdrant) Ping(ctx context.Context) error {
	if err := q.client.Health(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Close implements Repository.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

func tagFilter(containerTag string) *qdrant.Filter {
	if containerTag == "" {
		return nil
	}
	return qdrant.MatchFilter(payloadTag, containerTag)
}

func documentToPoint(d *Document) *qdrant.Point {
	return &qdrant.Point{
		ID:     d.ID,
		Vector: d.Embedding,
		Payload: map[string]interface{}{
			payloadContent:   d.Content,
			payloadMetadata:  map[string]interface{}(d.Metadata),
			payloadTag:       d.ContainerTag,
			payloadStatus:    string(d.Status),
			payloadCreatedAt: d.CreatedAt.UnixNano(),
			payloadUpdatedAt: d.UpdatedAt.UnixNano(),
		},
	}
}

func pointToDocument(p *qdrant.Point) *Document {
	d := &Document{
		ID:        p.ID,
		Embedding: p.Vector,
		Metadata:  map[string]any{},
	}
	d.Content, _ = p.Payload[payloadContent].(string)
	d.ContainerTag, _ = p.Payload[payloadTag].(string)
	if s, ok := p.Payload[payloadStatus].(string); ok {
		d.Status = Status(s)
	}
	if m, ok := p.Payload[payloadMetadata].(map[string]interface{}); ok {
		d.Metadata = m
	}
	d.CreatedAt = unixNanoPayload(p.Payload[payloadCreatedAt])
	d.UpdatedAt = unixNanoPayload(p.Payload[payloadUpdatedAt])
	return d
}

func unixNanoPayload(v interface{}) time.Time {
	switch n := v.(type) {
	case int64:
		return time.Unix(0, n).UTC()
	case float64:
		return time.Unix(0, int64(n)).UTC()
	default:
		return time.Time{}
	}
}

var _ Repository = (*Qdrant)(nil)
