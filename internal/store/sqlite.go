package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"go.opentelemetry.io/otel/attribute"
)

const backendSQLite = "sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	embedding     BLOB,
	container_tag TEXT NOT NULL DEFAULT 'default',
	status        TEXT NOT NULL DEFAULT 'processing',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_container_tag_idx ON documents (container_tag);
CREATE INDEX IF NOT EXISTS documents_created_at_idx ON documents (created_at DESC);
CREATE TABLE IF NOT EXISTS settings (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL DEFAULT '{}'
);
INSERT OR IGNORE INTO settings (id, data) VALUES (1, '{}');
CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// SQLite is a single-file Repository. Embeddings are stored as
// little-endian float32 blobs and search is an exact cosine scan over the
// rows matching the tag filter, so it suits small installations.
type SQLite struct {
	db        *sql.DB
	path      string
	dimension int
}

// NewSQLite opens (or creates) the database at path. ":memory:" opens a
// private in-memory database.
func NewSQLite(ctx context.Context, path string, dimension int) (*SQLite, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path required", ErrInvalidConfig)
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("%w: creating data directory: %v", ErrStorage, err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStorage, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, path: path, dimension: dimension}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("%w: migrating schema: %v", ErrStorage, err)
	}

	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM schema_info WHERE key = 'dimension'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, `INSERT INTO schema_info (key, value) VALUES ('dimension', ?)`, fmt.Sprint(s.dimension))
		if err != nil {
			return fmt.Errorf("%w: recording dimension: %v", ErrStorage, err)
		}
	case err != nil:
		return fmt.Errorf("%w: reading dimension: %v", ErrStorage, err)
	case stored != fmt.Sprint(s.dimension):
		return fmt.Errorf("%w: database was created with dimension %s, configuration expects %d",
			ErrDimensionMismatch, stored, s.dimension)
	}
	return nil
}

// Insert implements Repository.
func (s *SQLite) Insert(ctx context.Context, doc *Document) (err error) {
	ctx, done := observe(ctx, backendSQLite, "insert")
	defer done(&err)

	if err := prepareInsert(doc, s.dimension, timeNow()); err != nil {
		return err
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encoding metadata: %v", ErrStorage, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, metadata, embedding, container_tag, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Content, string(meta), encodeEmbedding(doc.Embedding), doc.ContainerTag,
		string(doc.Status), doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: inserting document: %v", ErrStorage, err)
	}
	return nil
}

const sqliteColumns = `id, content, metadata, container_tag, status, created_at, updated_at, embedding`

// Get implements Repository.
func (s *SQLite) Get(ctx context.Context, id string) (doc *Document, err error) {
	ctx, done := observe(ctx, backendSQLite, "get")
	defer done(&err)

	return s.get(ctx, s.db, id)
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) get(ctx context.Context, q sqlQuerier, id string) (*Document, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanSQLiteDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading document: %v", ErrStorage, err)
	}
	return doc, nil
}

// List implements Repository.
func (s *SQLite) List(ctx context.Context, containerTag string, limit, offset int) (docs []Document, total int, err error) {
	ctx, done := observe(ctx, backendSQLite, "list")
	defer done(&err)

	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM documents WHERE (? = '' OR container_tag = ?)`, containerTag, containerTag,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: counting documents: %v", ErrStorage, err)
	}

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM documents
		WHERE (? = '' OR container_tag = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		containerTag, containerTag, limit, max(offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing documents: %v", ErrStorage, err)
	}
	docs, err = collectSQLiteDocuments(rows, false)
	return docs, total, err
}

// Update implements Repository.
func (s *SQLite) Update(ctx context.Context, id string, p Patch) (doc *Document, err error) {
	ctx, done := observe(ctx, backendSQLite, "update")
	defer done(&err)

	if err := checkDimension(s.dimension, p.Embedding); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	doc, err = s.get(ctx, tx, id)
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

	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding metadata: %v", ErrStorage, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE documents SET content = ?, metadata = ?, embedding = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		doc.Content, string(meta), encodeEmbedding(doc.Embedding), string(doc.Status), doc.UpdatedAt.UnixNano(), id)
	if err != nil {
		return nil, fmt.Errorf("%w: updating document: %v", ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing update: %v", ErrStorage, err)
	}
	return doc, nil
}

// Delete implements Repository.
func (s *SQLite) Delete(ctx context.Context, id string) (err error) {
	ctx, done := observe(ctx, backendSQLite, "delete")
	defer done(&err)

	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: deleting document: %v", ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteMany implements Repository.
func (s *SQLite) DeleteMany(ctx context.Context, ids []string) (deleted []string, err error) {
	ctx, done := observe(ctx, backendSQLite, "delete_many", attribute.Int("ids", len(ids)))
	defer done(&err)

	deleted = []string{}
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return deleted, fmt.Errorf("%w: deleting document: %v", ErrStorage, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

// DeleteByTag implements Repository.
func (s *SQLite) DeleteByTag(ctx context.Context, containerTag string) (n int, err error) {
	ctx, done := observe(ctx, backendSQLite, "delete_by_tag")
	defer done(&err)

	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE container_tag = ?`, containerTag)
	if err != nil {
		return 0, fmt.Errorf("%w: deleting by tag: %v", ErrStorage, err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ListByStatus implements Repository.
func (s *SQLite) ListByStatus(ctx context.Context, status Status) (docs []Document, err error) {
	ctx, done := observe(ctx, backendSQLite, "list_by_status")
	defer done(&err)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+` FROM documents WHERE status = ? ORDER BY created_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("%w: listing by status: %v", ErrStorage, err)
	}
	return collectSQLiteDocuments(rows, false)
}

// Search implements Repository.
func (s *SQLite) Search(ctx context.Context, q SearchQuery) (hits []Hit, err error) {
	ctx, done := observe(ctx, backendSQLite, "search", attribute.Int("limit", q.Limit))
	defer done(&err)

	if q.Vector == nil {
		return nil, fmt.Errorf("%w: query vector required", ErrDimensionMismatch)
	}
	if err := checkDimension(s.dimension, q.Vector); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM documents
		WHERE embedding IS NOT NULL AND (? = '' OR container_tag = ?)`,
		q.ContainerTag, q.ContainerTag)
	if err != nil {
		return nil, fmt.Errorf("%w: scanning documents: %v", ErrStorage, err)
	}
	docs, err := collectSQLiteDocuments(rows, true)
	if err != nil {
		return nil, err
	}

	hits = make([]Hit, 0, len(docs))
	for _, d := range docs {
		score := cosineSimilarity(q.Vector, d.Embedding)
		d.Embedding = nil
		hits = append(hits, Hit{Document: d, Score: score})
	}
	return rankHits(hits, q.MinScore, q.Limit), nil
}

// Settings implements Repository.
func (s *SQLite) Settings(ctx context.Context) (settings map[string]any, err error) {
	ctx, done := observe(ctx, backendSQLite, "settings")
	defer done(&err)

	return s.readSettings(ctx, s.db)
}

func (s *SQLite) readSettings(ctx context.Context, q sqlQuerier) (map[string]any, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading settings: %v", ErrStorage, err)
	}
	settings := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("%w: decoding settings: %v", ErrStorage, err)
	}
	return settings, nil
}

// MergeSettings implements Repository.
func (s *SQLite) MergeSettings(ctx context.Context, patch map[string]any) (settings map[string]any, err error) {
	ctx, done := observe(ctx, backendSQLite, "merge_settings")
	defer done(&err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.readSettings(ctx, tx)
	if err != nil {
		return nil, err
	}
	settings = mergeMetadata(current, patch)
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding settings: %v", ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settings (id, data) VALUES (1, ?) ON CONFLICT (id) DO UPDATE SET data = excluded.data`, string(raw),
	); err != nil {
		return nil, fmt.Errorf("%w: writing settings: %v", ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing settings: %v", ErrStorage, err)
	}
	return settings, nil
}

// Ping implements Repository.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Close implements Repository.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDocument(row sqlScanner) (*Document, error) {
	var (
		d                Document
		meta, status     string
		created, updated int64
		blob             []byte
	)
	if err := row.Scan(&d.ID, &d.Content, &meta, &d.ContainerTag, &status, &created, &updated, &blob); err != nil {
		return nil, err
	}
	d.Status = Status(strings.TrimSpace(status))
	d.CreatedAt = time.Unix(0, created).UTC()
	d.UpdatedAt = time.Unix(0, updated).UTC()
	d.Metadata = map[string]any{}
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	emb, err := decodeEmbedding(blob)
	if err != nil {
		return nil, err
	}
	d.Embedding = emb
	return &d, nil
}

func collectSQLiteDocuments(rows *sql.Rows, withEmbedding bool) ([]Document, error) {
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		d, err := scanSQLiteDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning document: %v", ErrStorage, err)
		}
		if !withEmbedding {
			d.Embedding = nil
		}
		docs = append(docs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading rows: %v", ErrStorage, err)
	}
	return docs, nil
}

// encodeEmbedding stores a vector as little-endian IEEE 754 float32 values
// with no length prefix. nil stays NULL.
func encodeEmbedding(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

var _ Repository = (*SQLite)(nil)
