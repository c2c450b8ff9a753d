// Package vector stores document embeddings and answers nearest-neighbour
// queries for the vector ranking rule and hybrid search.
package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/coder/hnsw"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
)

// Embedder turns texts into vectors. Back-ends live outside the core; the
// engine only sees this contract.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the fixed vector width.
	Dimensions() int
	// Distribution hints the score normalisation (mean, sigma); ok reports
	// whether the back-end provides one.
	Distribution() (mean, sigma float32, ok bool)
}

// EncodeVector serialises a vector as little-endian f32s.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 0, 4*len(v))
	for _, f := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

// DecodeVector parses a serialised vector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector length %d not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// Store answers similarity queries over the vectors table. The HNSW graph
// lives in memory: it is built lazily from the table on the first query and
// kept until Invalidate drops it.
type Store struct {
	table string
	graph *hnsw.Graph[uint32]
}

// NewStore creates a store over the named vectors table.
func NewStore(table string) *Store {
	return &Store{table: table}
}

// Invalidate drops the in-memory graph; the next query rebuilds it.
func (s *Store) Invalidate() {
	s.graph = nil
}

func (s *Store) ensureGraph(rtxn *kvenv.ReadTxn) error {
	if s.graph != nil {
		return nil
	}
	graph := hnsw.NewGraph[uint32]()
	graph.Distance = hnsw.CosineDistance
	for it := rtxn.Table(s.table).Range(nil, nil); it.Next(); {
		vec, err := DecodeVector(it.Value())
		if err != nil {
			return err
		}
		graph.Add(hnsw.MakeNode(codec.U32(it.Key()), vec))
	}
	s.graph = graph
	return nil
}

// Neighbor is one similarity hit.
type Neighbor struct {
	DocID uint32
	// Similarity is 1 − cosine distance, in [−1, 1].
	Similarity float64
}

// Search returns up to k nearest neighbours of query, most similar first.
func (s *Store) Search(rtxn *kvenv.ReadTxn, query []float32, k int) ([]Neighbor, error) {
	if err := s.ensureGraph(rtxn); err != nil {
		return nil, err
	}
	nodes := s.graph.Search(query, k)
	out := make([]Neighbor, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, Neighbor{
			DocID:      node.Key,
			Similarity: 1 - float64(hnsw.CosineDistance(query, node.Value)),
		})
	}
	return out, nil
}

// EmbedInChunks drives an embedder over texts in chunks of at most
// chunkSize, one chunk after another, passing ctx to every Embed call.
func EmbedInChunks(ctx context.Context, embedder Embedder, texts []string, chunkSize int) ([][]float32, error) {
	if chunkSize <= 0 {
		chunkSize = 64
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += chunkSize {
		end := start + chunkSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, quillerr.Wrap(quillerr.CodeVectorEmbeddingError, err)
		}
		if len(vectors) != end-start {
			return nil, quillerr.New(quillerr.CodeVectorEmbeddingError,
				"embedder returned %d vectors for %d texts", len(vectors), end-start)
		}
		out = append(out, vectors...)
	}
	return out, nil
}
