package embeddings

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIProvider embeds through any OpenAI-compatible /embeddings endpoint
// (OpenAI, Azure-compatible gateways, LiteLLM, vLLM, TEI's OpenAI route).
type OpenAIProvider struct {
	embedder *embeddings.EmbedderImpl
	model    string
}

// NewOpenAIProvider creates a langchaingo-backed provider.
func NewOpenAIProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	// langchaingo requires a token even for endpoints that ignore it.
	token := cfg.APIKey
	if token == "" {
		token = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
		openai.WithHTTPClient(cfg.httpClient()),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: creating OpenAI client: %v", ErrInvalidConfig, err)
	}

	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("%w: creating embedder: %v", ErrInvalidConfig, err)
	}

	return &OpenAIProvider{embedder: embedder, model: cfg.Model}, nil
}

// EmbedDocuments embeds texts, preserving input order.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// Name returns "openai/<model>".
func (p *OpenAIProvider) Name() string {
	return "openai/" + p.model
}

// Close is a no-op.
func (p *OpenAIProvider) Close() error {
	return nil
}
