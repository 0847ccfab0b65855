package memory

import (
	"errors"
	"fmt"
	"time"

	"github.com/s11ngh/supermemory-selfhosted/internal/store"
)

// ErrValidation marks a request rejected before any embedding or storage call.
var ErrValidation = errors.New("validation failed")

// ValidationError carries the message shown to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// Document is a stored memory.
type Document = store.Document

// BatchItem is one document of an InsertBatch call.
type BatchItem struct {
	Content      string
	Metadata     map[string]any
	ContainerTag string
}

// Batch result statuses.
const (
	BatchStatusProcessed = "processed"
	BatchStatusError     = "error"
)

// BatchResult reports the outcome of one BatchItem, in input order.
type BatchResult struct {
	ID     string
	Status string
	Error  string
}

// SearchParams is a similarity query. Hits must score strictly above MinScore.
type SearchParams struct {
	Query        string
	ContainerTag string
	Limit        int
	MinScore     float64
}

// Hit is one ranked search result.
type Hit struct {
	ID           string
	Content      string
	Metadata     map[string]any
	ContainerTag string
	Score        float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpdateRequest changes content, metadata or both. A nil Content leaves the
// content and embedding untouched.
type UpdateRequest struct {
	Content  *string
	Metadata map[string]any
}

// EventKind names a document lifecycle event.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event describes a committed document change.
type Event struct {
	Kind         EventKind `json:"kind"`
	DocumentID   string    `json:"id,omitempty"`
	ContainerTag string    `json:"containerTag"`
	// Count is set on tag-wide deletions, which carry no DocumentID.
	Count int       `json:"count,omitempty"`
	At    time.Time `json:"at"`
}
