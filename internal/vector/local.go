package vector

import (
	"context"
	"hash/fnv"
	"math"
)

// LocalEmbedder is a deterministic, dependency-free embedder: each text
// hashes into a fixed-width bag-of-words vector. It backs tests and the CLI
// when no external back-end is configured; real deployments plug their own
// Embedder.
type LocalEmbedder struct {
	Dim int
}

// NewLocalEmbedder returns a local embedder of the given dimension.
func NewLocalEmbedder(dim int) *LocalEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &LocalEmbedder{Dim: dim}
}

// Embed implements Embedder.
func (e *LocalEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.Dim)
		start := 0
		for pos := 0; pos <= len(text); pos++ {
			if pos == len(text) || text[pos] == ' ' {
				if pos > start {
					h := fnv.New32a()
					_, _ = h.Write([]byte(text[start:pos]))
					vec[h.Sum32()%uint32(e.Dim)]++
				}
				start = pos + 1
			}
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements Embedder.
func (e *LocalEmbedder) Dimensions() int { return e.Dim }

// Distribution implements Embedder; the local embedder provides none.
func (e *LocalEmbedder) Distribution() (float32, float32, bool) { return 0, 0, false }

func normalize(vec []float32) {
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
