package store

import (
	"context"
	"fmt"

	"github.com/s11ngh/supermemory-selfhosted/internal/config"
	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/internal/qdrant"
	"go.uber.org/zap"
)

// New creates the Repository selected by cfg.Backend and prepares its
// schema:
//   - "postgres" (default): pgvector, migrated on startup
//   - "memory": in-process, for tests and throwaway runs
//   - "qdrant": external Qdrant server
//   - "sqlite": single file, exact search
func New(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (Repository, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	switch cfg.Backend {
	case config.BackendPostgres, "":
		pg, err := NewPostgres(ctx, PostgresConfig{
			DSN:            cfg.Postgres.DSN.Value(),
			Dimension:      cfg.Dimension,
			MaxConns:       cfg.Postgres.MaxConns,
			MinConns:       cfg.Postgres.MinConns,
			AcquireTimeout: cfg.Postgres.AcquireTimeout.Duration(),
			IVFLists:       cfg.Postgres.IVFLists,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrating postgres: %w", err)
		}
		return pg, nil

	case config.BackendMemory:
		logger.Warn(ctx, "memory store selected; documents are lost on restart")
		return NewMemory(cfg.Dimension)

	case config.BackendQdrant:
		client, err := qdrant.NewGRPCClient(&qdrant.ClientConfig{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			UseTLS: cfg.Qdrant.UseTLS,
			APIKey: cfg.Qdrant.APIKey.Value(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		q, err := NewQdrant(ctx, client, QdrantConfig{
			Collection: cfg.Qdrant.Collection,
			Dimension:  cfg.Dimension,
		}, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return q, nil

	case config.BackendSQLite:
		path := config.ExpandHome(cfg.SQLite.Path)
		s, err := NewSQLite(ctx, path, cfg.Dimension)
		if err != nil {
			return nil, err
		}
		logger.Info(ctx, "sqlite store opened", zap.String("path", path))
		return s, nil

	default:
		return nil, fmt.Errorf("%w: unsupported store backend %q (supported: postgres, memory, qdrant, sqlite)",
			ErrInvalidConfig, cfg.Backend)
	}
}
