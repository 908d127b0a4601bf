package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// hashDimension is the fixed vector width of the bundled embedder.
const hashDimension = 256

// HashEmbedder is a deterministic bag-of-tokens embedder. It carries no
// semantic model; it exists so routing and context retrieval behave
// consistently in development and tests without an embedding service.
// Production deployments swap in a real Embedder behind the same contract.
type HashEmbedder struct{}

// NewHashEmbedder creates the bundled deterministic embedder.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{}
}

// Dimension returns the fixed vector width.
func (e *HashEmbedder) Dimension() int { return hashDimension }

// Embed hashes each token into a bucket and L2-normalizes the result.
// Identical texts always produce identical vectors.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, hashDimension)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%hashDimension]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := 1 / math.Sqrt(norm)
		for i := range vec {
			vec[i] = float32(float64(vec[i]) * inv)
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
