// Package mcp exposes the memory API as MCP tools over stdio.
//
// The server is a thin adapter around pkg/client: it talks to a running
// memoryd over HTTP and never touches storage directly.
package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/pkg/client"
)

// Memories is the subset of *client.Client the tools call.
type Memories interface {
	SearchMemories(ctx context.Context, req client.SearchRequest) ([]client.Memory, error)
	AddDocument(ctx context.Context, doc client.NewDocument) (*client.Added, error)
	Forget(ctx context.Context, req client.ForgetRequest) (int, error)
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name reported to clients.
	Name    string
	Version string
	// ContainerTag is used when a tool call omits container_tag.
	ContainerTag string
	// MinScore is the recall threshold when a search omits min_score.
	MinScore float64
	Logger   *logging.Logger
	Metrics  *Metrics
}

// DefaultConfig returns defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:     "memoryd",
		Version:  "dev",
		MinScore: 0.55,
		Logger:   logging.NewNop(),
	}
}

// Server is the MCP server.
type Server struct {
	mcp      *mcp.Server
	memories Memories
	config   *Config
	logger   *logging.Logger
	metrics  *Metrics
}

// NewServer creates the server and registers the memory tools.
func NewServer(cfg *Config, memories Memories) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if memories == nil {
		return nil, errors.New("memories client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Logger)
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		memories: memories,
		config:   cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
