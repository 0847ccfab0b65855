package http

import (
	"time"

	"github.com/s11ngh/supermemory-selfhosted/internal/memory"
)

// DocumentResponse is the API form of a document. The embedding is never
// returned.
type DocumentResponse struct {
	ID           string         `json:"id"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata"`
	ContainerTag string         `json:"containerTag"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func toDocumentResponse(d *memory.Document) DocumentResponse {
	md := d.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return DocumentResponse{
		ID:           d.ID,
		Content:      d.Content,
		Metadata:     md,
		ContainerTag: d.ContainerTag,
		Status:       string(d.Status),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func toDocumentResponses(docs []memory.Document) []DocumentResponse {
	out := make([]DocumentResponse, len(docs))
	for i := range docs {
		out[i] = toDocumentResponse(&docs[i])
	}
	return out
}

// AddDocumentRequest is the body of POST /v3/documents.
type AddDocumentRequest struct {
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata"`
	ContainerTag string         `json:"containerTag"`
}

// AddDocumentResponse is returned by POST /v3/documents.
type AddDocumentResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// BatchAddRequest is the body of POST /v3/documents/batch.
type BatchAddRequest struct {
	Documents []AddDocumentRequest `json:"documents"`
}

// BatchItemResult reports one batch item. Failed items carry Error and no ID.
type BatchItemResult struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BatchAddResponse is returned by POST /v3/documents/batch.
type BatchAddResponse struct {
	Results []BatchItemResult `json:"results"`
}

// ListRequest is the body of POST /v3/documents/list.
type ListRequest struct {
	ContainerTag string `json:"containerTag"`
	Limit        *int   `json:"limit"`
	Offset       *int   `json:"offset"`
}

// ListResponse is returned by POST /v3/documents/list.
type ListResponse struct {
	Documents []DocumentResponse `json:"documents"`
	Total     int                `json:"total"`
}

// DocumentsResponse is returned by GET /v3/documents/processing.
type DocumentsResponse struct {
	Documents []DocumentResponse `json:"documents"`
}

// UpdateDocumentRequest is the body of PATCH /v3/documents/:id.
type UpdateDocumentRequest struct {
	Content  *string        `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// UpdateMemoryRequest is the body of PATCH /v4/memories.
type UpdateMemoryRequest struct {
	ID       string         `json:"id"`
	Content  *string        `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// StatusResponse acknowledges an update or delete.
type StatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BulkDeleteRequest is the body of DELETE /v3/documents/bulk.
type BulkDeleteRequest struct {
	IDs []string `json:"ids"`
}

// BulkDeleteResponse is returned by DELETE /v3/documents/bulk.
type BulkDeleteResponse struct {
	Deleted []string `json:"deleted"`
	Count   int      `json:"count"`
}

// ForgetRequest is the body of DELETE /v4/memories.
type ForgetRequest struct {
	IDs          []string `json:"ids"`
	ContainerTag string   `json:"containerTag"`
}

// ForgetResponse is returned by DELETE /v4/memories.
type ForgetResponse struct {
	Deleted int `json:"deleted"`
}

// FileUploadResponse is returned by POST /v3/documents/file.
type FileUploadResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SearchRequest is the body of POST /v3/search and POST /v4/search.
type SearchRequest struct {
	Q            string   `json:"q"`
	ContainerTag string   `json:"containerTag"`
	Limit        *int     `json:"limit"`
	Threshold    *float64 `json:"threshold"`
}

// SearchResultV3 is one hit in the v3 shape.
type SearchResultV3 struct {
	ID           string         `json:"id"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata"`
	ContainerTag string         `json:"containerTag"`
	Score        float64        `json:"score"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// SearchResponseV3 is returned by POST /v3/search.
type SearchResponseV3 struct {
	Results []SearchResultV3 `json:"results"`
	Count   int              `json:"count"`
}

// MemoryV4 is one hit in the v4 shape.
type MemoryV4 struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Score     float64        `json:"score"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SearchResponseV4 is returned by POST /v4/search.
type SearchResponseV4 struct {
	Memories []MemoryV4 `json:"memories"`
}

func projectV3(hits []memory.Hit) SearchResponseV3 {
	out := SearchResponseV3{Results: make([]SearchResultV3, len(hits)), Count: len(hits)}
	for i, h := range hits {
		out.Results[i] = SearchResultV3{
			ID:           h.ID,
			Content:      h.Content,
			Metadata:     h.Metadata,
			ContainerTag: h.ContainerTag,
			Score:        h.Score,
			CreatedAt:    h.CreatedAt,
			UpdatedAt:    h.UpdatedAt,
		}
	}
	return out
}

func projectV4(hits []memory.Hit) SearchResponseV4 {
	out := SearchResponseV4{Memories: make([]MemoryV4, len(hits))}
	for i, h := range hits {
		out.Memories[i] = MemoryV4{
			ID:        h.ID,
			Content:   h.Content,
			Metadata:  h.Metadata,
			Score:     h.Score,
			CreatedAt: h.CreatedAt,
		}
	}
	return out
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error string `json:"error"`
}
