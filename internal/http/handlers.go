package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/internal/memory"
	"github.com/s11ngh/supermemory-selfhosted/internal/sanitize"
)

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusUnsupportedMediaType {
			return err
		}
		return badRequest("invalid JSON body")
	}
	return nil
}

// handleAddDocument handles POST /v3/documents.
func (s *Server) handleAddDocument(c echo.Context) error {
	var req AddDocumentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := logging.WithContainerTag(c.Request().Context(), req.ContainerTag)

	doc, err := s.memories.Insert(ctx, req.Content, req.Metadata, req.ContainerTag)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, AddDocumentResponse{
		ID:      doc.ID,
		Status:  string(doc.Status),
		Message: "Document added successfully",
	})
}

// handleBatchAdd handles POST /v3/documents/batch. Items fail individually.
func (s *Server) handleBatchAdd(c echo.Context) error {
	var req BatchAddRequest
	if err := bind(c, &req); err != nil {
		return badRequest("documents must be a non-empty array")
	}
	if len(req.Documents) == 0 {
		return badRequest("documents must be a non-empty array")
	}

	items := make([]memory.BatchItem, len(req.Documents))
	for i, d := range req.Documents {
		items[i] = memory.BatchItem{Content: d.Content, Metadata: d.Metadata, ContainerTag: d.ContainerTag}
	}
	results, err := s.memories.InsertBatch(c.Request().Context(), items)
	if err != nil {
		return err
	}

	resp := BatchAddResponse{Results: make([]BatchItemResult, len(results))}
	for i, r := range results {
		resp.Results[i] = BatchItemResult{ID: r.ID, Status: r.Status, Error: r.Error}
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListDocuments handles POST /v3/documents/list.
func (s *Server) handleListDocuments(c echo.Context) error {
	var req ListRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	limit := s.config.ListLimit
	if req.Limit != nil && *req.Limit > 0 {
		limit = *req.Limit
	}
	offset := 0
	if req.Offset != nil {
		offset = *req.Offset
	}

	docs, total, err := s.memories.List(c.Request().Context(), req.ContainerTag, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ListResponse{Documents: toDocumentResponses(docs), Total: total})
}

// handleGetDocument handles GET /v3/documents/:id.
func (s *Server) handleGetDocument(c echo.Context) error {
	id := c.Param("id")
	doc, err := s.memories.Get(logging.WithDocumentID(c.Request().Context(), id), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toDocumentResponse(doc))
}

// handleUpdateDocument handles PATCH /v3/documents/:id.
func (s *Server) handleUpdateDocument(c echo.Context) error {
	id := c.Param("id")
	var req UpdateDocumentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.update(c, id, req.Content, req.Metadata)
}

// handleUpdateMemory handles PATCH /v4/memories.
func (s *Server) handleUpdateMemory(c echo.Context) error {
	var req UpdateMemoryRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.ID == "" {
		return badRequest("id is required")
	}
	return s.update(c, req.ID, req.Content, req.Metadata)
}

func (s *Server) update(c echo.Context, id string, content *string, metadata map[string]any) error {
	ctx := logging.WithDocumentID(c.Request().Context(), id)
	doc, err := s.memories.Update(ctx, id, memory.UpdateRequest{Content: content, Metadata: metadata})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatusResponse{ID: doc.ID, Status: "updated"})
}

// handleDeleteDocument handles DELETE /v3/documents/:id.
func (s *Server) handleDeleteDocument(c echo.Context) error {
	id := c.Param("id")
	if err := s.memories.Delete(logging.WithDocumentID(c.Request().Context(), id), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatusResponse{ID: id, Status: "deleted"})
}

// handleBulkDelete handles DELETE /v3/documents/bulk.
func (s *Server) handleBulkDelete(c echo.Context) error {
	var req BulkDeleteRequest
	if err := bind(c, &req); err != nil || req.IDs == nil {
		return badRequest("ids must be an array")
	}

	deleted, err := s.memories.DeleteBulk(c.Request().Context(), req.IDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, BulkDeleteResponse{Deleted: deleted, Count: len(deleted)})
}

// handleForget handles DELETE /v4/memories: ids win over containerTag.
func (s *Server) handleForget(c echo.Context) error {
	var req ForgetRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	switch {
	case req.IDs != nil:
		deleted, err := s.memories.DeleteBulk(ctx, req.IDs)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, ForgetResponse{Deleted: len(deleted)})
	case req.ContainerTag != "":
		n, err := s.memories.DeleteByTag(logging.WithContainerTag(ctx, req.ContainerTag), req.ContainerTag)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, ForgetResponse{Deleted: n})
	default:
		return badRequest("ids or containerTag is required")
	}
}

// handleFileUpload handles POST /v3/documents/file. The file body becomes
// the document content.
func (s *Server) handleFileUpload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest("file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return badRequest("file is unreadable")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return badRequest("file is unreadable")
	}

	metadata := map[string]any{}
	if raw := c.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return badRequest("metadata must be a JSON object")
		}
	}
	if _, ok := metadata["filename"]; !ok {
		if name := sanitize.Filename(fh.Filename); name != "" {
			metadata["filename"] = name
		}
	}

	tag := c.FormValue("containerTag")
	doc, err := s.memories.Insert(logging.WithContainerTag(c.Request().Context(), tag), string(data), metadata, tag)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, FileUploadResponse{ID: doc.ID, Status: string(doc.Status)})
}

// handleProcessing handles GET /v3/documents/processing.
func (s *Server) handleProcessing(c echo.Context) error {
	docs, err := s.memories.ListProcessing(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DocumentsResponse{Documents: toDocumentResponses(docs)})
}

func (s *Server) search(c echo.Context) ([]memory.Hit, error) {
	var req SearchRequest
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	params := memory.SearchParams{
		Query:        req.Q,
		ContainerTag: req.ContainerTag,
		Limit:        s.config.DefaultLimit,
		MinScore:     s.config.DefaultThreshold,
	}
	if req.Limit != nil && *req.Limit > 0 {
		params.Limit = *req.Limit
	}
	if req.Threshold != nil {
		params.MinScore = *req.Threshold
	}
	return s.memories.Search(logging.WithContainerTag(c.Request().Context(), req.ContainerTag), params)
}

// handleSearchV3 handles POST /v3/search.
func (s *Server) handleSearchV3(c echo.Context) error {
	hits, err := s.search(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, projectV3(hits))
}

// handleSearchV4 handles POST /v4/search.
func (s *Server) handleSearchV4(c echo.Context) error {
	hits, err := s.search(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, projectV4(hits))
}

// handleGetSettings handles GET /v3/settings.
func (s *Server) handleGetSettings(c echo.Context) error {
	settings, err := s.memories.Settings(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, settings)
}

// handlePatchSettings handles PATCH /v3/settings.
func (s *Server) handlePatchSettings(c echo.Context) error {
	var patch map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&patch); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("settings patch must be a JSON object")
	}

	merged, err := s.memories.MergeSettings(c.Request().Context(), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, merged)
}
