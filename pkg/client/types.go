package client

import "time"

// Health is the body of GET /health.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Document is a stored memory as returned by the server.
type Document struct {
	ID           string         `json:"id"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata"`
	ContainerTag string         `json:"containerTag"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// NewDocument is the input of AddDocument and one item of AddDocuments.
type NewDocument struct {
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ContainerTag string         `json:"containerTag,omitempty"`
}

// Added acknowledges a single insert.
type Added struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// BatchResult reports one item of AddDocuments.
type BatchResult struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ListOptions filters and pages ListDocuments. Zero values use server
// defaults.
type ListOptions struct {
	ContainerTag string `json:"containerTag,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// DocumentList is one page of documents plus the filtered total.
type DocumentList struct {
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
}

// Update changes content, metadata, or both. Metadata is merged shallowly.
type Update struct {
	Content  *string        `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchRequest is the body of both search routes. Nil Limit and Threshold
// use server defaults.
type SearchRequest struct {
	Q            string   `json:"q"`
	ContainerTag string   `json:"containerTag,omitempty"`
	Limit        *int     `json:"limit,omitempty"`
	Threshold    *float64 `json:"threshold,omitempty"`
}

// Result is one v3 search hit.
type Result struct {
	ID           string         `json:"id"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata"`
	ContainerTag string         `json:"containerTag"`
	Score        float64        `json:"score"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// SearchResults is the v3 search response.
type SearchResults struct {
	Results []Result `json:"results"`
	Count   int      `json:"count"`
}

// Memory is one v4 search hit.
type Memory struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Score     float64        `json:"score"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ForgetRequest selects memories to delete. IDs win over ContainerTag.
type ForgetRequest struct {
	IDs          []string `json:"ids"`
	ContainerTag string   `json:"containerTag,omitempty"`
}
