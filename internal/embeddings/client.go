package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"go.uber.org/zap"
)

// DefaultMaxChars is the input budget per text. Longer inputs are clipped.
const DefaultMaxChars = 8000

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed wraps every failure of the inference call: transport
	// errors, non-success status and malformed responses.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Client turns text into vectors through a Provider.
//
// It never retries and never substitutes a fallback vector: callers treat
// any error as a hard failure of the operation.
type Client struct {
	provider Provider
	maxChars int
	metrics  *Metrics
	logger   *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMaxChars sets the truncation budget.
func WithMaxChars(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxChars = n
		}
	}
}

// WithMetrics records generation metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client over provider.
func NewClient(provider Provider, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		maxChars: DefaultMaxChars,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := c.generate(ctx, "embed", []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input, in input order, from a single
// provider call.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: text %d is empty", ErrEmptyInput, i)
		}
	}
	return c.generate(ctx, "embed_batch", texts)
}

// Provider returns the underlying provider name.
func (c *Client) Provider() string {
	return c.provider.Name()
}

// Close releases provider resources.
func (c *Client) Close() error {
	return c.provider.Close()
}

func (c *Client) generate(ctx context.Context, op string, texts []string) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordGeneration(ctx, c.provider.Name(), op, time.Since(start), len(texts), err)
		}
	}()

	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = Truncate(t, c.maxChars)
		if len(inputs[i]) != len(t) {
			c.logger.Debug(ctx, "embedding input truncated",
				zap.Int("index", i),
				zap.Int("max_chars", c.maxChars))
		}
	}

	vectors, err = c.provider.EmbedDocuments(ctx, inputs)
	if err != nil {
		if !errors.Is(err, ErrEmbeddingFailed) {
			err = fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		return nil, err
	}
	if err = validateVectors(vectors, len(inputs)); err != nil {
		return nil, err
	}
	return vectors, nil
}

// validateVectors rejects responses that cannot be matched to the inputs.
func validateVectors(vectors [][]float32, want int) error {
	if len(vectors) != want {
		return fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailed, len(vectors), want)
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector at index %d", ErrEmbeddingFailed, i)
		}
		if len(v) != dim {
			return fmt.Errorf("%w: inconsistent vector length at index %d (%d != %d)", ErrEmbeddingFailed, i, len(v), dim)
		}
	}
	return nil
}

// Truncate clips text to at most max characters (runes).
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	n := 0
	for i := range text {
		if n == max {
			return text[:i]
		}
		n++
	}
	return text
}
