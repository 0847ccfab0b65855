package mcp

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/pkg/client"
)

type mockMemories struct {
	memories  []client.Memory
	err       error
	searches  []client.SearchRequest
	added     []client.NewDocument
	forgotten []client.ForgetRequest
}

func (m *mockMemories) SearchMemories(_ context.Context, req client.SearchRequest) ([]client.Memory, error) {
	m.searches = append(m.searches, req)
	return m.memories, m.err
}

func (m *mockMemories) AddDocument(_ context.Context, doc client.NewDocument) (*client.Added, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.added = append(m.added, doc)
	return &client.Added{ID: "doc-1", Status: "processed"}, nil
}

func (m *mockMemories) Forget(_ context.Context, req client.ForgetRequest) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.forgotten = append(m.forgotten, req)
	return 2, nil
}

func newTestServer(t *testing.T, mem *mockMemories) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ContainerTag = "proj"
	cfg.Logger = logging.NewNop()
	cfg.Metrics = newMetrics(sdkmetric.NewMeterProvider().Meter(instrumentationName), cfg.Logger)
	s, err := NewServer(cfg, mem)
	require.NoError(t, err)
	return s
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)

	s, err := NewServer(nil, &mockMemories{})
	require.NoError(t, err)
	assert.Equal(t, "memoryd", s.config.Name)
	assert.NotNil(t, s.metrics)
}

func TestHandleSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		mem := &mockMemories{memories: []client.Memory{{ID: "1", Content: "we use Postgres", Score: 0.8}}}
		s := newTestServer(t, mem)

		_, out, err := s.handleSearch(ctx, nil, searchInput{Query: "database"})
		require.NoError(t, err)
		assert.Equal(t, 1, out.Count)
		assert.Equal(t, "we use Postgres", out.Memories[0].Content)

		require.Len(t, mem.searches, 1)
		req := mem.searches[0]
		assert.Equal(t, "proj", req.ContainerTag)
		assert.Nil(t, req.Limit)
		require.NotNil(t, req.Threshold)
		assert.Equal(t, 0.55, *req.Threshold)
	})

	t.Run("overrides", func(t *testing.T) {
		mem := &mockMemories{}
		s := newTestServer(t, mem)

		minScore := 0.1
		_, out, err := s.handleSearch(ctx, nil, searchInput{Query: "q", ContainerTag: "other", Limit: 3, MinScore: &minScore})
		require.NoError(t, err)
		assert.Empty(t, out.Memories)

		req := mem.searches[0]
		assert.Equal(t, "other", req.ContainerTag)
		assert.Equal(t, 3, *req.Limit)
		assert.Equal(t, 0.1, *req.Threshold)
	})

	t.Run("empty query", func(t *testing.T) {
		mem := &mockMemories{}
		s := newTestServer(t, mem)
		_, _, err := s.handleSearch(ctx, nil, searchInput{Query: " "})
		assert.ErrorIs(t, err, errInvalidArgs)
		assert.Empty(t, mem.searches)
	})

	t.Run("upstream error", func(t *testing.T) {
		s := newTestServer(t, &mockMemories{err: &client.Error{StatusCode: http.StatusBadGateway, Message: "embedding generation failed"}})
		_, _, err := s.handleSearch(ctx, nil, searchInput{Query: "q"})
		assert.ErrorContains(t, err, "embedding generation failed")
	})
}

func TestHandleAdd(t *testing.T) {
	ctx := context.Background()
	mem := &mockMemories{}
	s := newTestServer(t, mem)

	_, out, err := s.handleAdd(ctx, nil, addInput{Content: "I prefer tabs", Metadata: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, addOutput{ID: "doc-1", Status: "processed"}, out)
	require.Len(t, mem.added, 1)
	assert.Equal(t, "proj", mem.added[0].ContainerTag)

	_, _, err = s.handleAdd(ctx, nil, addInput{})
	assert.ErrorIs(t, err, errInvalidArgs)
}

func TestHandleForget(t *testing.T) {
	ctx := context.Background()
	mem := &mockMemories{}
	s := newTestServer(t, mem)

	_, out, err := s.handleForget(ctx, nil, forgetInput{ContainerTag: "old"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Deleted)
	assert.Equal(t, "old", mem.forgotten[0].ContainerTag)

	_, _, err = s.handleForget(ctx, nil, forgetInput{IDs: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, mem.forgotten[1].IDs)

	_, _, err = s.handleForget(ctx, nil, forgetInput{})
	assert.ErrorIs(t, err, errInvalidArgs)
	assert.Len(t, mem.forgotten, 2)
}

func TestHandleForget_Error(t *testing.T) {
	s := newTestServer(t, &mockMemories{err: errors.New("connection refused")})
	_, _, err := s.handleForget(context.Background(), nil, forgetInput{ContainerTag: "x"})
	assert.ErrorContains(t, err, "connection refused")
}
