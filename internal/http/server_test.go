package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s11ngh/supermemory-selfhosted/internal/embeddings"
	"github.com/s11ngh/supermemory-selfhosted/internal/embeddings/embeddingstest"
	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/internal/memory"
	"github.com/s11ngh/supermemory-selfhosted/internal/store"
)

const testDim = 1536

type testServer struct {
	*Server
	provider *embeddingstest.Provider
}

func setupTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	repo, err := store.NewMemory(testDim)
	require.NoError(t, err)

	provider := embeddingstest.New(testDim)
	svc, err := memory.NewService(repo, embeddings.NewClient(provider))
	require.NoError(t, err)

	if cfg.DefaultThreshold == 0 {
		cfg.DefaultThreshold = 0.3
	}
	srv, err := NewServer(svc, logging.NewNop(), cfg)
	require.NoError(t, err)
	return &testServer{Server: srv, provider: provider}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) add(t *testing.T, body map[string]any) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v3/documents", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[AddDocumentResponse](t, rec).ID
}

func TestNewServer(t *testing.T) {
	t.Run("requires service", func(t *testing.T) {
		_, err := NewServer(nil, logging.NewNop(), Config{})
		assert.Error(t, err)
	})

	t.Run("requires logger", func(t *testing.T) {
		s := setupTestServer(t, Config{})
		_, err := NewServer(s.memories, nil, Config{})
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("applies defaults", func(t *testing.T) {
		s := setupTestServer(t, Config{})
		assert.Equal(t, 50, s.config.ListLimit)
		assert.Equal(t, 10, s.config.DefaultLimit)
		assert.Equal(t, "10M", s.config.BodyLimit)
	})
}

func TestHandleHealth(t *testing.T) {
	s := setupTestServer(t, Config{APIKey: "secret", Version: "1.2.3"})

	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestServer(t, Config{APIKey: "secret"})
	rec := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# TYPE")
}

func TestBearerAuth(t *testing.T) {
	s := setupTestServer(t, Config{APIKey: "secret"})

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"missing header", nil, http.StatusUnauthorized},
		{"wrong scheme", []string{"Authorization", "Basic secret"}, http.StatusUnauthorized},
		{"wrong key", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid key", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"scheme is case-insensitive", []string{"Authorization", "bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/v3/settings", nil, tt.header...)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
			}
		})
	}

	rec := s.do(t, http.MethodPost, "/v4/search", map[string]any{"q": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAddAndGetDocument(t *testing.T) {
	s := setupTestServer(t, Config{})

	rec := s.do(t, http.MethodPost, "/v3/documents", map[string]any{
		"content":      "we use postgres",
		"metadata":     map[string]any{"source": "test"},
		"containerTag": "work",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	added := decode[AddDocumentResponse](t, rec)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, "processed", added.Status)
	assert.NotEmpty(t, added.Message)

	rec = s.do(t, http.MethodGet, "/v3/documents/"+added.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	raw := decode[map[string]any](t, rec)
	assert.NotContains(t, raw, "embedding")
	for _, key := range []string{"id", "content", "metadata", "containerTag", "status", "createdAt", "updatedAt"} {
		assert.Contains(t, raw, key)
	}
	assert.Equal(t, "work", raw["containerTag"])
	assert.Equal(t, "we use postgres", raw["content"])
}

func TestAddDocument_Validation(t *testing.T) {
	s := setupTestServer(t, Config{})

	rec := s.do(t, http.MethodPost, "/v3/documents", map[string]any{"content": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "content")

	rec = s.do(t, http.MethodPost, "/v3/documents", `{"content": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)

	assert.Zero(t, s.provider.Calls())
}

func TestAddDocument_EmbeddingFailure(t *testing.T) {
	s := setupTestServer(t, Config{})
	s.provider.FailWith(errors.New("upstream down"))

	rec := s.do(t, http.MethodPost, "/v3/documents", map[string]any{"content": "x"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
}

func TestGetDocument_NotFound(t *testing.T) {
	s := setupTestServer(t, Config{})

	rec := s.do(t, http.MethodGet, "/v3/documents/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "document not found", decode[ErrorResponse](t, rec).Error)
}

func TestBatchAdd(t *testing.T) {
	s := setupTestServer(t, Config{})

	rec := s.do(t, http.MethodPost, "/v3/documents/batch", map[string]any{
		"documents": []map[string]any{
			{"content": "first"},
			{"content": ""},
			{"content": "third", "containerTag": "t"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[BatchAddResponse](t, rec)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "processed", resp.Results[0].Status)
	assert.NotEmpty(t, resp.Results[0].ID)
	assert.Equal(t, "error", resp.Results[1].Status)
	assert.NotEmpty(t, resp.Results[1].Error)
	assert.Equal(t, "processed", resp.Results[2].Status)
	assert.Equal(t, 1, s.provider.Calls())

	for _, body := range []any{
		map[string]any{"documents": []any{}},
		map[string]any{"documents": "nope"},
		map[string]any{},
	} {
		rec := s.do(t, http.MethodPost, "/v3/documents/batch", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestListDocuments(t *testing.T) {
	s := setupTestServer(t, Config{ListLimit: 2})

	for i := 0; i < 3; i++ {
		s.add(t, map[string]any{"content": fmt.Sprintf("doc %d", i), "containerTag": "a"})
	}
	s.add(t, map[string]any{"content": "other", "containerTag": "b"})

	rec := s.do(t, http.MethodPost, "/v3/documents/list", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListResponse](t, rec)
	assert.Len(t, resp.Documents, 2, "default limit")
	assert.Equal(t, 4, resp.Total)

	rec = s.do(t, http.MethodPost, "/v3/documents/list", map[string]any{"containerTag": "a", "limit": 10, "offset": 1})
	resp = decode[ListResponse](t, rec)
	assert.Len(t, resp.Documents, 2)
	assert.Equal(t, 3, resp.Total)

	rec = s.do(t, http.MethodPost, "/v3/documents/list", map[string]any{"offset": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStaticRoutesTakePrecedence(t *testing.T) {
	s := setupTestServer(t, Config{})

	rec := s.do(t, http.MethodGet, "/v3/documents/processing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []DocumentResponse{}, decode[DocumentsResponse](t, rec).Documents)

	rec = s.do(t, http.MethodDelete, "/v3/documents/bulk", map[string]any{"ids": []string{}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[BulkDeleteResponse](t, rec).Count)
}

func TestUpdateDocument(t *testing.T) {
	s := setupTestServer(t, Config{})
	id := s.add(t, map[string]any{"content": "original", "metadata": map[string]any{"a": 1}})

	rec := s.do(t, http.MethodPatch, "/v3/documents/"+id, map[string]any{"metadata": map[string]any{"b": 2}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusResponse{ID: id, Status: "updated"}, decode[StatusResponse](t, rec))

	rec = s.do(t, http.MethodPatch, "/v3/documents/"+id, map[string]any{"content": "rewritten"})
	require.Equal(t, http.StatusOK, rec.Code)

	doc := decode[DocumentResponse](t, s.do(t, http.MethodGet, "/v3/documents/"+id, nil))
	assert.Equal(t, "rewritten", doc.Content)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, doc.Metadata)

	rec = s.do(t, http.MethodPatch, "/v3/documents/missing", map[string]any{"metadata": map[string]any{"x": 1}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPatch, "/v3/documents/"+id, map[string]any{"content": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteDocument(t *testing.T) {
	s := setupTestServer(t, Config{})
	id := s.add(t, map[string]any{"content": "temporary"})

	rec := s.do(t, http.MethodDelete, "/v3/documents/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusResponse{ID: id, Status: "deleted"}, decode[StatusResponse](t, rec))

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v3/documents/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/v3/documents/"+id, nil).Code)
}

func TestBulkDelete(t *testing.T) {
	s := setupTestServer(t, Config{})
	a := s.add(t, map[string]any{"content": "a"})
	b := s.add(t, map[string]any{"content": "b"})

	rec := s.do(t, http.MethodDelete, "/v3/documents/bulk", map[string]any{"ids": []string{a, "ghost", b}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[BulkDeleteResponse](t, rec)
	assert.ElementsMatch(t, []string{a, b}, resp.Deleted)
	assert.Equal(t, 2, resp.Count)

	for _, body := range []any{map[string]any{"ids": "a"}, map[string]any{}} {
		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodDelete, "/v3/documents/bulk", body).Code)
	}
}

func TestFileUpload(t *testing.T) {
	s := setupTestServer(t, Config{})

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "notes.md")
	require.NoError(t, err)
	_, err = part.Write([]byte("# Notes\nwe deploy on fridays"))
	require.NoError(t, err)
	require.NoError(t, w.WriteField("containerTag", "docs"))
	require.NoError(t, w.WriteField("metadata", `{"kind":"notes"}`))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v3/documents/file", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[FileUploadResponse](t, rec)
	assert.Equal(t, "processed", resp.Status)

	doc := decode[DocumentResponse](t, s.do(t, http.MethodGet, "/v3/documents/"+resp.ID, nil))
	assert.Equal(t, "docs", doc.ContainerTag)
	assert.Equal(t, "notes.md", doc.Metadata["filename"])
	assert.Equal(t, "notes", doc.Metadata["kind"])
	assert.Contains(t, doc.Content, "fridays")

	var empty bytes.Buffer
	ew := multipart.NewWriter(&empty)
	require.NoError(t, ew.WriteField("containerTag", "docs"))
	require.NoError(t, ew.Close())
	req = httptest.NewRequest(http.MethodPost, "/v3/documents/file", &empty)
	req.Header.Set(echo.HeaderContentType, ew.FormDataContentType())
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchV3_PgvectorScenario(t *testing.T) {
	s := setupTestServer(t, Config{})
	s.provider.Set("Postgres with pgvector for embeddings", embeddingstest.Vector(testDim, 0.9, 0.4, 0.1))
	s.provider.Set("what database do we use?", embeddingstest.Vector(testDim, 0.8, 0.5))
	s.provider.Set("lunch is at noon", embeddingstest.Vector(testDim, 0, 0, 1))

	rec := s.do(t, http.MethodPost, "/v3/documents", map[string]any{"content": "Postgres with pgvector for embeddings"})
	require.Equal(t, http.StatusOK, rec.Code)
	added := decode[AddDocumentResponse](t, rec)
	assert.Equal(t, "processed", added.Status)
	s.add(t, map[string]any{"content": "lunch is at noon"})

	rec = s.do(t, http.MethodPost, "/v3/search", map[string]any{"q": "what database do we use?"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[SearchResponseV3](t, rec)
	require.Equal(t, 1, resp.Count)
	require.Len(t, resp.Results, 1)
	top := resp.Results[0]
	assert.Equal(t, added.ID, top.ID)
	assert.Greater(t, top.Score, 0.3)
	assert.LessOrEqual(t, top.Score, 1.0+1e-6)
	assert.Equal(t, "default", top.ContainerTag)
	assert.False(t, top.UpdatedAt.IsZero())

	rec = s.do(t, http.MethodPost, "/v3/search", map[string]any{"q": "what database do we use?", "threshold": -1})
	assert.Equal(t, 2, decode[SearchResponseV3](t, rec).Count, "explicit threshold overrides the default")
}

func TestSearchV4_Shape(t *testing.T) {
	s := setupTestServer(t, Config{})
	s.add(t, map[string]any{"content": "tabs over spaces", "containerTag": "style"})

	rec := s.do(t, http.MethodPost, "/v4/search", map[string]any{"q": "tabs over spaces", "limit": 5})
	require.Equal(t, http.StatusOK, rec.Code)

	raw := decode[map[string][]map[string]any](t, rec)
	require.Len(t, raw["memories"], 1)
	mem := raw["memories"][0]
	assert.NotContains(t, mem, "updatedAt")
	assert.NotContains(t, raw, "count")
	for _, key := range []string{"id", "content", "metadata", "score", "createdAt"} {
		assert.Contains(t, mem, key)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	s := setupTestServer(t, Config{})

	for _, path := range []string{"/v3/search", "/v4/search"} {
		rec := s.do(t, http.MethodPost, path, map[string]any{"q": ""})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
	}
	assert.Zero(t, s.provider.Calls())
}

func TestForget(t *testing.T) {
	s := setupTestServer(t, Config{})
	a := s.add(t, map[string]any{"content": "a", "containerTag": "x"})
	s.add(t, map[string]any{"content": "b", "containerTag": "x"})
	s.add(t, map[string]any{"content": "c", "containerTag": "y"})

	rec := s.do(t, http.MethodDelete, "/v4/memories", map[string]any{"ids": []string{a, "ghost"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ForgetResponse](t, rec).Deleted)

	rec = s.do(t, http.MethodDelete, "/v4/memories", map[string]any{"containerTag": "x"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ForgetResponse](t, rec).Deleted)

	rec = s.do(t, http.MethodDelete, "/v4/memories", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	list := decode[ListResponse](t, s.do(t, http.MethodPost, "/v3/documents/list", map[string]any{}))
	assert.Equal(t, 1, list.Total)
}

func TestUpdateMemoryV4(t *testing.T) {
	s := setupTestServer(t, Config{})
	id := s.add(t, map[string]any{"content": "v4 target"})

	rec := s.do(t, http.MethodPatch, "/v4/memories", map[string]any{"id": id, "metadata": map[string]any{"pinned": true}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "updated", decode[StatusResponse](t, rec).Status)

	rec = s.do(t, http.MethodPatch, "/v4/memories", map[string]any{"content": "no id"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettings(t *testing.T) {
	s := setupTestServer(t, Config{})

	rec := s.do(t, http.MethodGet, "/v3/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())

	s.do(t, http.MethodPatch, "/v3/settings", map[string]any{"autoRecall": true})
	rec = s.do(t, http.MethodPatch, "/v3/settings", map[string]any{"minScore": 0.5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"autoRecall":true,"minScore":0.5}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v3/settings", nil)
	assert.JSONEq(t, `{"autoRecall":true,"minScore":0.5}`, rec.Body.String())

	rec = s.do(t, http.MethodPatch, "/v3/settings", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s := setupTestServer(t, Config{RateLimit: 1})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/v3/settings", nil).Code)
	rec := s.do(t, http.MethodGet, "/v3/settings", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limit exceeded", decode[ErrorResponse](t, rec).Error)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code, "health is not limited")
}

func TestUnknownRoute(t *testing.T) {
	s := setupTestServer(t, Config{})
	rec := s.do(t, http.MethodGet, "/v5/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &memory.ValidationError{Field: "q", Message: "query is required"}, http.StatusBadRequest},
		{"not found", fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound},
		{"embedding", fmt.Errorf("embed: %w", embeddings.ErrEmbeddingFailed), http.StatusBadGateway},
		{"storage", fmt.Errorf("%w: boom", store.ErrStorage), http.StatusInternalServerError},
		{"dimension", fmt.Errorf("%w: 3 != 1536", store.ErrDimensionMismatch), http.StatusInternalServerError},
		{"pool exhausted", fmt.Errorf("%w: acquire", store.ErrPoolExhausted), http.StatusServiceUnavailable},
		{"echo error", echo.NewHTTPError(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge},
		{"unknown", errors.New("surprise"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := statusFor(tt.err)
			assert.Equal(t, tt.want, status)
			assert.NotEmpty(t, msg)
		})
	}
}
