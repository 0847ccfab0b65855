// Package client is a typed Go client for the memoryd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds each request unless WithHTTPClient overrides it.
const DefaultTimeout = 30 * time.Second

// Error is a non-2xx response. Message is the server's "error" field.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("memoryd: %d %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one memoryd server. It is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends Authorization: Bearer <key> on every /v3 and /v4 call.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New creates a client for baseURL, e.g. http://localhost:8787.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must use http or https", baseURL)
	}

	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddDocument calls POST /v3/documents.
func (c *Client) AddDocument(ctx context.Context, doc NewDocument) (*Added, error) {
	var out Added
	if err := c.do(ctx, http.MethodPost, "/v3/documents", doc, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddDocuments calls POST /v3/documents/batch. Items succeed or fail
// individually; inspect each result's Status.
func (c *Client) AddDocuments(ctx context.Context, docs []NewDocument) ([]BatchResult, error) {
	var out struct {
		Results []BatchResult `json:"results"`
	}
	body := struct {
		Documents []NewDocument `json:"documents"`
	}{Documents: docs}
	if err := c.do(ctx, http.MethodPost, "/v3/documents/batch", body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// ListDocuments calls POST /v3/documents/list.
func (c *Client) ListDocuments(ctx context.Context, opts ListOptions) (*DocumentList, error) {
	var out DocumentList
	if err := c.do(ctx, http.MethodPost, "/v3/documents/list", opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Processing calls GET /v3/documents/processing.
func (c *Client) Processing(ctx context.Context) ([]Document, error) {
	var out struct {
		Documents []Document `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, "/v3/documents/processing", nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// GetDocument calls GET /v3/documents/:id.
func (c *Client) GetDocument(ctx context.Context, id string) (*Document, error) {
	var out Document
	if err := c.do(ctx, http.MethodGet, "/v3/documents/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDocument calls PATCH /v3/documents/:id.
func (c *Client) UpdateDocument(ctx context.Context, id string, u Update) error {
	return c.do(ctx, http.MethodPatch, "/v3/documents/"+url.PathEscape(id), u, nil)
}

// DeleteDocument calls DELETE /v3/documents/:id.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v3/documents/"+url.PathEscape(id), nil, nil)
}

// DeleteDocuments calls DELETE /v3/documents/bulk and returns the ids that
// existed.
func (c *Client) DeleteDocuments(ctx context.Context, ids []string) ([]string, error) {
	if ids == nil {
		ids = []string{}
	}
	var out struct {
		Deleted []string `json:"deleted"`
	}
	body := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	if err := c.do(ctx, http.MethodDelete, "/v3/documents/bulk", body, &out); err != nil {
		return nil, err
	}
	return out.Deleted, nil
}

// UploadFile calls POST /v3/documents/file with r as the file body.
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader, containerTag string, metadata map[string]any) (*Added, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}
	if containerTag != "" {
		if err := w.WriteField("containerTag", containerTag); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		if err := w.WriteField("metadata", string(raw)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v3/documents/file", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out Added
	if err := c.send(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search calls POST /v3/search.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResults, error) {
	var out SearchResults
	if err := c.do(ctx, http.MethodPost, "/v3/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchMemories calls POST /v4/search.
func (c *Client) SearchMemories(ctx context.Context, req SearchRequest) ([]Memory, error) {
	var out struct {
		Memories []Memory `json:"memories"`
	}
	if err := c.do(ctx, http.MethodPost, "/v4/search", req, &out); err != nil {
		return nil, err
	}
	return out.Memories, nil
}

// Forget calls DELETE /v4/memories and returns how many were removed.
func (c *Client) Forget(ctx context.Context, req ForgetRequest) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/v4/memories", req, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// UpdateMemory calls PATCH /v4/memories.
func (c *Client) UpdateMemory(ctx context.Context, id string, u Update) error {
	body := struct {
		ID string `json:"id"`
		Update
	}{ID: id, Update: u}
	return c.do(ctx, http.MethodPatch, "/v4/memories", body, nil)
}

// Settings calls GET /v3/settings.
func (c *Client) Settings(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	if err := c.do(ctx, http.MethodGet, "/v3/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSettings calls PATCH /v3/settings and returns the merged settings.
func (c *Client) UpdateSettings(ctx context.Context, patch map[string]any) (map[string]any, error) {
	if patch == nil {
		patch = map[string]any{}
	}
	out := map[string]any{}
	if err := c.do(ctx, http.MethodPatch, "/v3/settings", patch, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{StatusCode: resp.StatusCode, Message: msg}
}
