package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/kvenv"
)

func TestVectorCodec_RoundTrip(t *testing.T) {
	v := []float32{1.5, -2.25, 0, 3e7}
	got, err := DecodeVector(EncodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = DecodeVector([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestLocalEmbedder_Deterministic(t *testing.T) {
	e := NewLocalEmbedder(32)
	a, err := e.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a[0], 32)
}

func TestStore_SearchFindsClosest(t *testing.T) {
	env, err := kvenv.Open(t.TempDir()+"/vec.db", kvenv.Options{}, "vectors")
	require.NoError(t, err)
	defer func() { _ = env.Close() }()

	e := NewLocalEmbedder(32)
	texts := []string{"hello world", "kefir the puppy", "hello there"}
	vectors, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)

	require.NoError(t, env.Update(func(wtxn *kvenv.WriteTxn) error {
		tbl := wtxn.Table("vectors")
		for i, v := range vectors {
			if err := tbl.Put(codec.PutU32(nil, uint32(i+1)), EncodeVector(v)); err != nil {
				return err
			}
		}
		return nil
	}))

	store := NewStore("vectors")
	query, err := e.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)

	require.NoError(t, env.View(func(rtxn *kvenv.ReadTxn) error {
		hits, err := store.Search(rtxn, query[0], 2)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, uint32(1), hits[0].DocID)
		assert.InDelta(t, 1.0, hits[0].Similarity, 1e-5)
		return nil
	}))
}

func TestEmbedInChunks(t *testing.T) {
	e := NewLocalEmbedder(16)
	texts := make([]string, 150)
	for i := range texts {
		texts[i] = "doc"
	}
	vectors, err := EmbedInChunks(context.Background(), e, texts, 64)
	require.NoError(t, err)
	assert.Len(t, vectors, 150)
}
