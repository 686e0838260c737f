package embed

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"unicode"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

// StaticEmbedder generates embeddings by hashing tokens and character
// n-grams into a fixed-size vector. It is deterministic, needs no
// network or model download, and stands in for a real model at the
// same dimensionality when the embedding service is unreachable.
// Semantic quality is reduced accordingly.
type StaticEmbedder struct {
	model string
	dims  int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*StaticEmbedder)(nil)

// Hash vector weights. Tokens dominate; trigrams add tolerance to
// typos and inflection.
const (
	staticTokenWeight = 0.7
	staticNgramWeight = 0.3
	staticNgramSize   = 3
)

// proseStopWords are high-frequency words that carry no signal in a
// hashed bag-of-words vector.
var proseStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"of": true, "to": true, "in": true, "on": true, "at": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"for": true, "with": true, "as": true, "by": true, "it": true,
	"this": true, "that": true, "from": true,
}

var staticTokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// NewStaticEmbedder creates a static embedder reporting the given
// model name and dimensionality.
func NewStaticEmbedder(model string, dims int) *StaticEmbedder {
	if model == "" {
		model = "static"
	}
	if dims <= 0 {
		dims = modelDimensions["static"]
	}
	return &StaticEmbedder{model: model, dims: dims}
}

// Embed implements Embedder.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, kberr.New(kberr.KindInternal, "embedder is closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, e.dims), nil
	}
	return normalizeVector(e.generateVector(trimmed)), nil
}

// EmbedBatch implements Embedder.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = emb
	}
	return results, nil
}

func (e *StaticEmbedder) generateVector(text string) []float32 {
	vector := make([]float32, e.dims)

	for _, token := range staticTokenRegex.FindAllString(strings.ToLower(text), -1) {
		if proseStopWords[token] {
			continue
		}
		vector[hashToIndex(token, e.dims)] += staticTokenWeight
	}

	normalized := normalizeForNgrams(text)
	for i := 0; i+staticNgramSize <= len(normalized); i++ {
		vector[hashToIndex(normalized[i:i+staticNgramSize], e.dims)] += staticNgramWeight
	}

	return vector
}

func normalizeForNgrams(text string) string {
	var out strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// Dimensions implements Embedder.
func (e *StaticEmbedder) Dimensions() int { return e.dims }

// ModelName implements Embedder.
func (e *StaticEmbedder) ModelName() string { return e.model }

// Available implements Embedder.
func (e *StaticEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close implements Embedder.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
