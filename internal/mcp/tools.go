package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/s11ngh/supermemory-selfhosted/pkg/client"
)

var errInvalidArgs = errors.New("invalid arguments")

type searchInput struct {
	Query        string   `json:"query" jsonschema:"free-text query to match against stored memories"`
	ContainerTag string   `json:"container_tag,omitempty" jsonschema:"restrict results to this container tag"`
	Limit        int      `json:"limit,omitempty" jsonschema:"maximum number of memories to return (default 10)"`
	MinScore     *float64 `json:"min_score,omitempty" jsonschema:"only return memories scoring above this (default 0.55)"`
}

type memoryOutput struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Score     float64        `json:"score"`
	CreatedAt time.Time      `json:"created_at"`
}

type searchOutput struct {
	Memories []memoryOutput `json:"memories"`
	Count    int            `json:"count"`
}

type addInput struct {
	Content      string         `json:"content" jsonschema:"text to remember"`
	ContainerTag string         `json:"container_tag,omitempty" jsonschema:"container tag to file the memory under"`
	Metadata     map[string]any `json:"metadata,omitempty" jsonschema:"arbitrary JSON metadata"`
}

type addOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type forgetInput struct {
	IDs          []string `json:"ids,omitempty" jsonschema:"memory ids to delete; takes precedence over container_tag"`
	ContainerTag string   `json:"container_tag,omitempty" jsonschema:"delete every memory with this container tag"`
}

type forgetOutput struct {
	Deleted int `json:"deleted"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_search",
		Description: "Search stored memories by meaning. Returns the best matches above a similarity threshold.",
	}, s.handleSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_add",
		Description: "Store a fact, preference or decision so it can be recalled later.",
	}, s.handleAdd)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "memory_forget",
		Description: "Delete memories by id, or every memory in a container tag.",
	}, s.handleForget)
}

func (s *Server) tag(tag string) string {
	if tag != "" {
		return tag
	}
	return s.config.ContainerTag
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, args searchInput) (_ *mcp.CallToolResult, _ searchOutput, err error) {
	done := s.metrics.track(ctx, "memory_search")
	defer func() { done(err) }()

	if strings.TrimSpace(args.Query) == "" {
		return nil, searchOutput{}, fmt.Errorf("%w: query is required", errInvalidArgs)
	}

	minScore := s.config.MinScore
	if args.MinScore != nil {
		minScore = *args.MinScore
	}
	req := client.SearchRequest{
		Q:            args.Query,
		ContainerTag: s.tag(args.ContainerTag),
		Threshold:    &minScore,
	}
	if args.Limit > 0 {
		req.Limit = &args.Limit
	}

	mems, err := s.memories.SearchMemories(ctx, req)
	if err != nil {
		s.logger.Warn(ctx, "memory_search failed", zap.Error(err))
		return nil, searchOutput{}, fmt.Errorf("memory search failed: %w", err)
	}

	out := searchOutput{Memories: make([]memoryOutput, len(mems)), Count: len(mems)}
	for i, m := range mems {
		out.Memories[i] = memoryOutput{
			ID:        m.ID,
			Content:   m.Content,
			Metadata:  m.Metadata,
			Score:     m.Score,
			CreatedAt: m.CreatedAt,
		}
	}
	return nil, out, nil
}

func (s *Server) handleAdd(ctx context.Context, _ *mcp.CallToolRequest, args addInput) (_ *mcp.CallToolResult, _ addOutput, err error) {
	done := s.metrics.track(ctx, "memory_add")
	defer func() { done(err) }()

	if strings.TrimSpace(args.Content) == "" {
		return nil, addOutput{}, fmt.Errorf("%w: content is required", errInvalidArgs)
	}

	added, err := s.memories.AddDocument(ctx, client.NewDocument{
		Content:      args.Content,
		ContainerTag: s.tag(args.ContainerTag),
		Metadata:     args.Metadata,
	})
	if err != nil {
		s.logger.Warn(ctx, "memory_add failed", zap.Error(err))
		return nil, addOutput{}, fmt.Errorf("memory add failed: %w", err)
	}
	return nil, addOutput{ID: added.ID, Status: added.Status}, nil
}

func (s *Server) handleForget(ctx context.Context, _ *mcp.CallToolRequest, args forgetInput) (_ *mcp.CallToolResult, _ forgetOutput, err error) {
	done := s.metrics.track(ctx, "memory_forget")
	defer func() { done(err) }()

	// The configured default tag is never used for deletes.
	if args.IDs == nil && args.ContainerTag == "" {
		return nil, forgetOutput{}, fmt.Errorf("%w: ids or container_tag is required", errInvalidArgs)
	}

	n, err := s.memories.Forget(ctx, client.ForgetRequest{IDs: args.IDs, ContainerTag: args.ContainerTag})
	if err != nil {
		s.logger.Warn(ctx, "memory_forget failed", zap.Error(err))
		return nil, forgetOutput{}, fmt.Errorf("memory forget failed: %w", err)
	}
	return nil, forgetOutput{Deleted: n}, nil
}
