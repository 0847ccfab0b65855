package embeddings_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/s11ngh/supermemory-selfhosted/internal/embeddings"
	"github.com/s11ngh/supermemory-selfhosted/internal/embeddings/embeddingstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortProvider drops the last vector to simulate a malformed response.
type shortProvider struct{ *embeddingstest.Provider }

func (p shortProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	v, err := p.Provider.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	return v[:len(v)-1], nil
}

// emptyVectorProvider returns zero-length vectors.
type emptyVectorProvider struct{ *embeddingstest.Provider }

func (p emptyVectorProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func TestClient_Embed(t *testing.T) {
	fake := embeddingstest.New(16)
	client := embeddings.NewClient(fake)

	vec, err := client.Embed(context.Background(), "we use postgres")
	require.NoError(t, err)
	assert.Len(t, vec, 16)
	assert.Equal(t, 1, fake.Calls())
}

func TestClient_EmbedRejectsEmpty(t *testing.T) {
	fake := embeddingstest.New(16)
	client := embeddings.NewClient(fake)

	_, err := client.Embed(context.Background(), "  ")
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)

	_, err = client.EmbedBatch(context.Background(), nil)
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)

	_, err = client.EmbedBatch(context.Background(), []string{"ok", ""})
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)

	assert.Zero(t, fake.Calls())
}

func TestClient_EmbedBatchPreservesOrder(t *testing.T) {
	fake := embeddingstest.New(8)
	a := embeddingstest.Vector(8, 1)
	b := embeddingstest.Vector(8, 0, 1)
	c := embeddingstest.Vector(8, 0, 0, 1)
	fake.Set("a", a)
	fake.Set("b", b)
	fake.Set("c", c)

	client := embeddings.NewClient(fake)
	vectors, err := client.EmbedBatch(context.Background(), []string{"c", "a", "b"})
	require.NoError(t, err)

	assert.Equal(t, [][]float32{c, a, b}, vectors)
	assert.Equal(t, 1, fake.Calls(), "batch must be a single provider call")
}

func TestClient_TruncatesLongInput(t *testing.T) {
	fake := embeddingstest.New(8)
	client := embeddings.NewClient(fake)

	long := strings.Repeat("x", embeddings.DefaultMaxChars+500)
	_, err := client.Embed(context.Background(), long)
	require.NoError(t, err)

	inputs := fake.Inputs()
	require.Len(t, inputs, 1)
	assert.Len(t, inputs[0][0], embeddings.DefaultMaxChars)
}

func TestClient_WithMaxChars(t *testing.T) {
	fake := embeddingstest.New(8)
	client := embeddings.NewClient(fake, embeddings.WithMaxChars(5))

	_, err := client.EmbedBatch(context.Background(), []string{"héllo wörld", "abc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"héllo", "abc"}, fake.Inputs()[0])
}

func TestClient_ProviderFailureIsEmbeddingFailure(t *testing.T) {
	fake := embeddingstest.New(8)
	fake.FailWith(errors.New("connection refused"))
	client := embeddings.NewClient(fake)

	_, err := client.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, fake.Calls(), "no retry")
}

func TestClient_MalformedResponses(t *testing.T) {
	t.Run("count mismatch", func(t *testing.T) {
		client := embeddings.NewClient(shortProvider{embeddingstest.New(8)})
		_, err := client.EmbedBatch(context.Background(), []string{"a", "b"})
		assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)
	})

	t.Run("empty vectors", func(t *testing.T) {
		client := embeddings.NewClient(emptyVectorProvider{embeddingstest.New(8)})
		_, err := client.Embed(context.Background(), "a")
		assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)
	})
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"日本語テキスト", 3, "日本語"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, embeddings.Truncate(tt.in, tt.max))
	}
}
