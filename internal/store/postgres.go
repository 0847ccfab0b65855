package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const backendPostgres = "postgres"

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN            string
	Dimension      int
	MaxConns       int32
	MinConns       int32
	AcquireTimeout time.Duration
	// IVFLists is the ivfflat lists parameter used when the index is created.
	IVFLists int
}

// ApplyDefaults sets default values for unset fields.
func (c *PostgresConfig) ApplyDefaults() {
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.IVFLists == 0 {
		c.IVFLists = 100
	}
}

// Validate validates the configuration.
func (c *PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("%w: postgres dsn required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("%w: min_conns must be between 0 and max_conns", ErrInvalidConfig)
	}
	if c.IVFLists <= 0 {
		return fmt.Errorf("%w: ivf lists must be positive", ErrInvalidConfig)
	}
	return nil
}

// Postgres is a Repository on PostgreSQL with the pgvector extension.
// Similarity is computed by the database as 1 - (embedding <=> query),
// served by an ivfflat index on vector_cosine_ops.
type Postgres struct {
	pool   *pgxpool.Pool
	config PostgresConfig
	logger *logging.Logger
}

// NewPostgres opens a bounded connection pool. Call Migrate before use on a
// fresh database.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *logging.Logger) (*Postgres, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing dsn: %v", ErrInvalidConfig, err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: creating pool: %v", ErrStorage, err)
	}

	p := &Postgres{pool: pool, config: cfg, logger: logger}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info(ctx, "postgres store connected",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int("dimension", cfg.Dimension),
	)
	return p, nil
}

// acquire borrows a connection, giving up after the acquire timeout.
func (p *Postgres) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	conn, err := p.pool.Acquire(actx)
	recordPoolStat(p.pool.Stat())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			PoolAcquireTimeouts.Inc()
			return nil, fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, p.config.AcquireTimeout)
		}
		return nil, fmt.Errorf("%w: acquiring connection: %v", ErrStorage, err)
	}
	return conn, nil
}

// withConn runs fn on a pooled connection and releases it on every path.
func (p *Postgres) withConn(ctx context.Context, fn func(*pgxpool.Conn) error) error {
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// Migrate creates the extension, tables and indexes if absent and checks
// that an existing embedding column matches the configured dimension.
func (p *Postgres) Migrate(ctx context.Context) (err error) {
	ctx, done := observe(ctx, backendPostgres, "migrate")
	defer done(&err)

	return p.withConn(ctx, func(conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
			return storageErr("creating vector extension", err)
		}
		if _, err := conn.Exec(ctx, fmt.Sprintf(createDocumentsTable, p.config.Dimension)); err != nil {
			return storageErr("creating documents table", err)
		}

		existing, err := embeddingColumnDimension(ctx, conn)
		if err != nil {
			return err
		}
		if existing != p.config.Dimension {
			return fmt.Errorf("%w: documents.embedding is vector(%d), configuration expects %d; stored vectors must be recreated",
				ErrDimensionMismatch, existing, p.config.Dimension)
		}

		stmts := []string{
			createTagIndex,
			createCreatedAtIndex,
			fmt.Sprintf(createEmbeddingIndex, p.config.IVFLists),
			createSettingsTable,
			seedSettings,
		}
		for _, stmt := range stmts {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return storageErr("migrating schema", err)
			}
		}

		p.logger.Info(ctx, "postgres schema ready", zap.Int("dimension", p.config.Dimension))
		return nil
	})
}

// embeddingColumnDimension reads the declared vector(N) of documents.embedding.
// For the vector type atttypmod holds N.
func embeddingColumnDimension(ctx context.Context, conn *pgxpool.Conn) (int, error) {
	var typmod int
	err := conn.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		WHERE a.attrelid = 'documents'::regclass AND a.attname = 'embedding' AND NOT a.attisdropped`,
	).Scan(&typmod)
	if err != nil {
		return 0, storageErr("reading embedding column", err)
	}
	return typmod, nil
}

const documentColumns = `id, content, metadata, container_tag, status, created_at, updated_at`

// Insert implements Repository.
func (p *Postgres) Insert(ctx context.Context, doc *Document) (err error) {
	ctx, done := observe(ctx, backendPostgres, "insert")
	defer done(&err)

	if err := prepareInsert(doc, p.config.Dimension, timeNow()); err != nil {
		return err
	}

	return p.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO documents (id, content, metadata, embedding, container_tag, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			doc.ID, doc.Content, doc.Metadata, vectorParam(doc.Embedding), doc.ContainerTag, string(doc.Status),
			doc.CreatedAt, doc.UpdatedAt)
		if err != nil {
			return storageErr("inserting document", err)
		}
		return nil
	})
}

// Get implements Repository.
func (p *Postgres) Get(ctx context.Context, id string) (doc *Document, err error) {
	ctx, done := observe(ctx, backendPostgres, "get")
	defer done(&err)

	err = p.withConn(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+documentColumns+`, embedding FROM documents WHERE id = $1`, id)
		d, err := scanDocument(row, true)
		if err != nil {
			return rowErr(id, err)
		}
		doc = d
		return nil
	})
	return doc, err
}

// List implements Repository.
func (p *Postgres) List(ctx context.Context, containerTag string, limit, offset int) (docs []Document, total int, err error) {
	ctx, done := observe(ctx, backendPostgres, "list")
	defer done(&err)

	err = p.withConn(ctx, func(conn *pgxpool.Conn) error {
		if err := conn.QueryRow(ctx,
			`SELECT count(*) FROM documents WHERE ($1 = '' OR container_tag = $1)`, containerTag,
		).Scan(&total); err != nil {
			return storageErr("counting documents", err)
		}

		rows, err := conn.Query(ctx, `
			SELECT `+documentColumns+`
			FROM documents
			WHERE ($1 = '' OR container_tag = $1)
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3`,
			containerTag, limitParam(limit), max(offset, 0))
		if err != nil {
			return storageErr("listing documents", err)
		}
		docs, err = collectDocuments(rows)
		return err
	})
	return docs, total, err
}

// Update implements Repository. Content, embedding and metadata are written
// in one statement; metadata is merged with jsonb concatenation so a
// concurrent metadata-only update never loses keys.
func (p *Postgres) Update(ctx context.Context, id string, patch Patch) (doc *Document, err error) {
	ctx, done := observe(ctx, backendPostgres, "update")
	defer done(&err)

	if err := checkDimension(p.config.Dimension, patch.Embedding); err != nil {
		return nil, err
	}
	meta := patch.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	err = p.withConn(ctx, func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `
			UPDATE documents SET
				content    = COALESCE($2, content),
				embedding  = COALESCE($3, embedding),
				status     = CASE WHEN $3::vector IS NULL THEN status ELSE 'processed' END,
				metadata   = metadata || $4::jsonb,
				updated_at = GREATEST(now(), created_at)
			WHERE id = $1
			RETURNING `+documentColumns+`, embedding`,
			id, patch.Content, vectorParam(patch.Embedding), meta)
		d, err := scanDocument(row, true)
		if err != nil {
			return rowErr(id, err)
		}
		doc = d
		return nil
	})
	return doc, err
}

// Delete implements Repository.
func (p *Postgres) Delete(ctx context.Context, id string) (err error) {
	ctx, done := observe(ctx, backendPostgres, "delete")
	defer done(&err)

	return p.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
		if err != nil {
			return storageErr("deleting document", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// DeleteMany implements Repository.
func (p *Postgres) DeleteMany(ctx context.Context, ids []string) (deleted []string, err error) {
	ctx, done := observe(ctx, backendPostgres, "delete_many", attribute.Int("ids", len(ids)))
	defer done(&err)

	deleted = []string{}
	if len(ids) == 0 {
		return deleted, nil
	}

	err = p.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `DELETE FROM documents WHERE id = ANY($1) RETURNING id`, ids)
		if err != nil {
			return storageErr("deleting documents", err)
		}
		removed, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return storageErr("deleting documents", err)
		}
		// Report in request order.
		gone := make(map[string]bool, len(removed))
		for _, id := range removed {
			gone[id] = true
		}
		for _, id := range ids {
			if gone[id] {
				deleted = append(deleted, id)
				delete(gone, id)
			}
		}
		return nil
	})
	return deleted, err
}

// DeleteByTag implements Repository.
func (p *Postgres) DeleteByTag(ctx context.Context, containerTag string) (n int, err error) {
	ctx, done := observe(ctx, backendPostgres, "delete_by_tag")
	defer done(&err)

	err = p.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM documents WHERE container_tag = $1`, containerTag)
		if err != nil {
			return storageErr("deleting by tag", err)
		}
		n = int(tag.RowsAffected())
		return nil
	})
	return n, err
}

// ListByStatus implements Repository.
func (p *Postgres) ListByStatus(ctx context.Context, status Status) (docs []Document, err error) {
	ctx, done := observe(ctx, backendPostgres, "list_by_status")
	defer done(&err)

	err = p.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+documentColumns+`
			FROM documents
			WHERE status = $1
			ORDER BY created_at DESC`, string(status))
		if err != nil {
			return storageErr("listing by status", err)
		}
		docs, err = collectDocuments(rows)
		return err
	})
	return docs, err
}

// Search implements Repository. Rows without an embedding never match.
func (p *Postgres) Search(ctx context.Context, q SearchQuery) (hits []Hit, err error) {
	ctx, done := observe(ctx, backendPostgres, "search", attribute.Int("limit", q.Limit))
	defer done(&err)

	if q.Vector == nil {
		return nil, fmt.Errorf("%w: query vector required", ErrDimensionMismatch)
	}
	if err := checkDimension(p.config.Dimension, q.Vector); err != nil {
		return nil, err
	}

	err = p.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+documentColumns+`, 1 - (embedding <=> $1) AS score
			FROM documents
			WHERE embedding IS NOT NULL
			  AND ($2 = '' OR container_tag = $2)
			  AND 1 - (embedding <=> $1) > $3
			ORDER BY embedding <=> $1
			LIMIT $4`,
			pgvector.NewVector(q.Vector), q.ContainerTag, q.MinScore, limitParam(q.Limit))
		if err != nil {
			return storageErr("searching documents", err)
		}
		defer rows.Close()

		hits = []Hit{}
		for rows.Next() {
			var h Hit
			var status string
			if err := rows.Scan(&h.ID, &h.Content, &h.Metadata, &h.ContainerTag, &status,
				&h.CreatedAt, &h.UpdatedAt, &h.Score); err != nil {
				return storageErr("scanning hit", err)
			}
			h.Status = Status(status)
			hits = append(hits, h)
		}
		if err := rows.Err(); err != nil {
			return storageErr("searching documents", err)
		}
		return nil
	})
	return hits, err
}

// Settings implements Repository.
func (p *Postgres) Settings(ctx context.Context) (settings map[string]any, err error) {
	ctx, done := observe(ctx, backendPostgres, "settings")
	defer done(&err)

	err = p.withConn(ctx, func(conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&settings)
		if errors.Is(err, pgx.ErrNoRows) {
			settings = map[string]any{}
			return nil
		}
		if err != nil {
			return storageErr("reading settings", err)
		}
		return nil
	})
	if settings == nil && err == nil {
		settings = map[string]any{}
	}
	return settings, err
}

// MergeSettings implements Repository. The merge is a single upsert so
// concurrent patches never drop each other's keys.
func (p *Postgres) MergeSettings(ctx context.Context, patch map[string]any) (settings map[string]any, err error) {
	ctx, done := observe(ctx, backendPostgres, "merge_settings")
	defer done(&err)

	if patch == nil {
		patch = map[string]any{}
	}
	err = p.withConn(ctx, func(conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, `
			INSERT INTO settings (id, data) VALUES (1, $1::jsonb)
			ON CONFLICT (id) DO UPDATE SET data = settings.data || EXCLUDED.data, updated_at = now()
			RETURNING data`, patch,
		).Scan(&settings)
		if err != nil {
			return storageErr("merging settings", err)
		}
		return nil
	})
	return settings, err
}

// Ping implements Repository.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.withConn(ctx, func(conn *pgxpool.Conn) error {
		if err := conn.Ping(ctx); err != nil {
			return storageErr("ping", err)
		}
		return nil
	})
}

// Stat exposes pool statistics.
func (p *Postgres) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// Close implements Repository.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, withEmbedding bool) (*Document, error) {
	var (
		d      Document
		status string
		emb    *pgvector.Vector
	)
	dest := []any{&d.ID, &d.Content, &d.Metadata, &d.ContainerTag, &status, &d.CreatedAt, &d.UpdatedAt}
	if withEmbedding {
		dest = append(dest, &emb)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	if emb != nil {
		d.Embedding = emb.Slice()
	}
	return &d, nil
}

func collectDocuments(rows pgx.Rows) ([]Document, error) {
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		d, err := scanDocument(rows, false)
		if err != nil {
			return nil, storageErr("scanning document", err)
		}
		docs = append(docs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("reading rows", err)
	}
	return docs, nil
}

// vectorParam encodes an optional vector; nil becomes SQL NULL.
func vectorParam(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}

// limitParam maps non-positive limits to no limit.
func limitParam(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func rowErr(id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return storageErr("reading document", err)
}

// storageErr wraps err in ErrStorage, or ErrDimensionMismatch when pgvector
// rejected a vector.
func storageErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.Contains(pgErr.Message, "dimensions") {
		return fmt.Errorf("%w: %s: %s", ErrDimensionMismatch, op, pgErr.Message)
	}
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

var _ Repository = (*Postgres)(nil)
