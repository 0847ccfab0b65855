package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Provider is an external inference endpoint that embeds a batch of texts.
type Provider interface {
	// EmbedDocuments returns one vector per text, in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// Name identifies the provider and model in metrics and logs.
	Name() string
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating a provider.
type ProviderConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "tei".
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// Validate validates the configuration.
func (c ProviderConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Provider == "openai" && c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

func (c ProviderConfig) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// NewProvider creates a provider from configuration.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIProvider(cfg)
	case "tei":
		return NewTEIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
