// Package embeddingstest provides a deterministic embeddings.Provider for tests.
package embeddingstest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// Provider hashes words into a fixed-size vector. Identical texts always get
// identical vectors and texts sharing words get positive similarity. Specific
// texts can be pinned to hand-made vectors with Set.
type Provider struct {
	dim int

	mu     sync.Mutex
	fixed  map[string][]float32
	calls  int
	inputs [][]string
	err    error
}

// New creates a provider producing dim-length vectors.
func New(dim int) *Provider {
	return &Provider{dim: dim, fixed: make(map[string][]float32)}
}

// Set pins the vector returned for text.
func (p *Provider) Set(text string, vec []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixed[text] = vec
}

// FailWith makes every following call return err. nil clears it.
func (p *Provider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls returns the number of EmbedDocuments calls.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Inputs returns the texts received by each call.
func (p *Provider) Inputs() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.inputs))
	copy(out, p.inputs)
	return out
}

// EmbedDocuments implements embeddings.Provider.
func (p *Provider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	p.inputs = append(p.inputs, append([]string(nil), texts...))
	if p.err != nil {
		return nil, p.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := p.fixed[t]; ok {
			out[i] = append([]float32(nil), v...)
			continue
		}
		out[i] = p.hash(t)
	}
	return out, nil
}

// Name implements embeddings.Provider.
func (p *Provider) Name() string { return "test/hash" }

// Close implements embeddings.Provider.
func (p *Provider) Close() error { return nil }

func (p *Provider) hash(text string) []float32 {
	vec := make([]float32, p.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum32()
		idx := int(sum % uint32(p.dim))
		if sum&(1<<31) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	if isZero(vec) {
		vec[0] = 1
	}
	return Normalize(vec)
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Vector builds a dim-length vector whose leading components are vals,
// normalized to unit length.
func Vector(dim int, vals ...float32) []float32 {
	v := make([]float32, dim)
	copy(v, vals)
	return Normalize(v)
}

// Normalize scales v to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
