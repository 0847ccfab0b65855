package store

// Postgres schema. The embedding dimension and ivfflat lists are
// substituted at migration time.
const (
	createDocumentsTable = `
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	content       TEXT NOT NULL,
	metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
	embedding     vector(%d),
	container_tag TEXT NOT NULL DEFAULT 'default',
	status        TEXT NOT NULL DEFAULT 'processing' CHECK (status IN ('processing', 'processed')),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (updated_at >= created_at)
)`

	createTagIndex = `CREATE INDEX IF NOT EXISTS documents_container_tag_idx ON documents (container_tag)`

	createCreatedAtIndex = `CREATE INDEX IF NOT EXISTS documents_created_at_idx ON documents (created_at DESC)`

	createEmbeddingIndex = `
CREATE INDEX IF NOT EXISTS documents_embedding_idx
	ON documents USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`

	createSettingsTable = `
CREATE TABLE IF NOT EXISTS settings (
	id         INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	data       JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	seedSettings = `INSERT INTO settings (id, data) VALUES (1, '{}'::jsonb) ON CONFLICT (id) DO NOTHING`
)
