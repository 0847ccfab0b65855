// Package plugin implements the agent-side hooks that recall memories before
// a turn and capture new facts after it.
//
// Hooks never fail the enclosing turn. Every error is logged and swallowed.
package plugin

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/s11ngh/supermemory-selfhosted/internal/capture"
	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/pkg/client"
)

const (
	// DefaultMinScore is stricter than the server's raw search threshold.
	DefaultMinScore = 0.55

	DefaultMaxResults = 5

	// CaptureSource marks documents written by AfterTurn.
	CaptureSource = "auto-capture"
)

// Memories is the subset of *client.Client the hooks use.
type Memories interface {
	SearchMemories(ctx context.Context, req client.SearchRequest) ([]client.Memory, error)
	AddDocument(ctx context.Context, doc client.NewDocument) (*client.Added, error)
}

// Config controls recall and capture.
type Config struct {
	ContainerTag string
	AutoRecall   bool
	AutoCapture  bool
	MinScore     float64
	MaxResults   int
	// Patterns replaces the built-in capture heuristic when non-empty.
	Patterns  []capture.Pattern
	Allowlist *capture.Allowlist
}

// DefaultConfig enables both hooks with default thresholds.
func DefaultConfig() Config {
	return Config{
		AutoRecall:  true,
		AutoCapture: true,
		MinScore:    DefaultMinScore,
		MaxResults:  DefaultMaxResults,
	}
}

// Hooks runs recall and capture against a memoryd server.
type Hooks struct {
	memories  Memories
	heuristic *capture.Heuristic
	config    Config
	logger    *logging.Logger
}

// New creates Hooks. A nil logger discards output.
func New(memories Memories, cfg Config, logger *logging.Logger) (*Hooks, error) {
	if memories == nil {
		return nil, fmt.Errorf("memories client is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.MinScore == 0 {
		cfg.MinScore = DefaultMinScore
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}

	patterns := cfg.Patterns
	if len(patterns) == 0 && cfg.Allowlist != nil {
		patterns = cfg.Allowlist.Patterns
	}
	h, err := capture.NewHeuristic(patterns)
	if err != nil {
		return nil, err
	}
	return &Hooks{memories: memories, heuristic: h, config: cfg, logger: logger}, nil
}

// BeforeTurn searches for memories related to prompt and returns a context
// block to prepend to the turn, or "" when nothing clears MinScore.
func (h *Hooks) BeforeTurn(ctx context.Context, prompt string) string {
	if !h.config.AutoRecall || strings.TrimSpace(prompt) == "" {
		return ""
	}

	limit := h.config.MaxResults
	minScore := h.config.MinScore
	mems, err := h.memories.SearchMemories(ctx, client.SearchRequest{
		Q:            prompt,
		ContainerTag: h.config.ContainerTag,
		Limit:        &limit,
		Threshold:    &minScore,
	})
	if err != nil {
		h.logger.Warn(ctx, "memory recall failed", zap.Error(err))
		return ""
	}

	h.logger.Debug(ctx, "memory recall", zap.Int("hits", len(mems)))
	return FormatContext(mems)
}

// AfterTurn stores userText when the capture heuristic fires. It reports
// whether a document was written.
func (h *Hooks) AfterTurn(ctx context.Context, userText string) bool {
	if !h.config.AutoCapture {
		return false
	}
	pattern, ok := h.heuristic.Match(userText)
	if !ok {
		return false
	}

	content, findings, err := capture.Redact(userText, h.config.Allowlist)
	if err != nil {
		// Never send text that could not be scrubbed.
		h.logger.Warn(ctx, "memory capture skipped: redaction failed", zap.Error(err))
		return false
	}
	if len(findings) > 0 {
		h.logger.Info(ctx, "redacted secrets before capture", zap.Int("count", len(findings)))
	}

	added, err := h.memories.AddDocument(ctx, client.NewDocument{
		Content:      content,
		ContainerTag: h.config.ContainerTag,
		Metadata: map[string]any{
			"source":  CaptureSource,
			"pattern": pattern,
		},
	})
	if err != nil {
		h.logger.Warn(ctx, "memory capture failed", zap.String("pattern", pattern), zap.Error(err))
		return false
	}

	h.logger.Info(ctx, "memory captured",
		zap.String("pattern", pattern),
		zap.String("document_id", added.ID))
	return true
}

// FormatContext renders memories as a block the agent can read, best first.
func FormatContext(mems []client.Memory) string {
	if len(mems) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<relevant-memories>\n")
	for _, m := range mems {
		fmt.Fprintf(&b, "- [%.2f] %s\n", m.Score, strings.TrimSpace(m.Content))
	}
	b.WriteString("</relevant-memories>")
	return b.String()
}
