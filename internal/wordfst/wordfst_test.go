package wordfst

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/kvenv"
)

const (
	wordTable   = "word-docids"
	prefixTable = "word-prefix-docids"
	mainTable   = "main"
)

func openEnv(t *testing.T) *kvenv.Env {
	t.Helper()
	env, err := kvenv.Open(t.TempDir()+"/words.db", kvenv.Options{}, wordTable, prefixTable, mainTable)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func putWords(t *testing.T, env *kvenv.Env, words map[string][]uint32) {
	t.Helper()
	require.NoError(t, env.Update(func(wtxn *kvenv.WriteTxn) error {
		tbl := wtxn.Table(wordTable)
		for w, ids := range words {
			data, err := codec.EncodeBitmap(roaring.BitmapOf(ids...))
			if err != nil {
				return err
			}
			if err := tbl.Put([]byte(w), data); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestRebuildWordsFST_EqualsTableKeys(t *testing.T) {
	env := openEnv(t)
	putWords(t, env, map[string][]uint32{
		"hello": {1}, "help": {2}, "world": {1, 2},
	})

	require.NoError(t, env.Update(func(wtxn *kvenv.WriteTxn) error {
		return RebuildWordsFST(wtxn, wordTable, mainTable, "words-fst")
	}))

	require.NoError(t, env.View(func(rtxn *kvenv.ReadTxn) error {
		fst, err := Load(rtxn.Table(mainTable).Get([]byte("words-fst")))
		require.NoError(t, err)
		require.NotNil(t, fst)
		assert.Equal(t, 3, fst.Len())

		for _, w := range []string{"hello", "help", "world"} {
			ok, err := fst.Contains([]byte(w))
			require.NoError(t, err)
			assert.True(t, ok, w)
		}
		ok, err := fst.Contains([]byte("hell"))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func TestLoad_EmptyMeansNoWords(t *testing.T) {
	fst, err := Load(nil)
	require.NoError(t, err)
	assert.Nil(t, fst)
}

func TestRebuildPrefixCache_RetainsFrequentPrefixes(t *testing.T) {
	env := openEnv(t)
	// "he" covers 3 of 5 words, "wo" 2. With threshold 0.5 a prefix needs
	// 2 words, so the h/he/hel and w/wo families qualify, "wor" does not.
	putWords(t, env, map[string][]uint32{
		"hello":  {1},
		"help":   {2},
		"helium": {3},
		"world":  {4},
		"woken":  {5},
	})

	cfg := PrefixConfig{Threshold: 0.5, MaxLength: 3}
	require.NoError(t, env.Update(func(wtxn *kvenv.WriteTxn) error {
		return RebuildPrefixCache(wtxn, wordTable, prefixTable, mainTable, "prefix-fst", cfg)
	}))

	require.NoError(t, env.View(func(rtxn *kvenv.ReadTxn) error {
		tbl := rtxn.Table(prefixTable)

		// threshold 0.5 of 5 words = 2.5 → min 2 words (integer floor).
		data := tbl.Get([]byte("hel"))
		require.NotNil(t, data)
		bm, err := codec.DecodeBitmap(data)
		require.NoError(t, err)
		assert.Equal(t, []uint32{1, 2, 3}, bm.ToArray())

		data = tbl.Get([]byte("wo"))
		require.NotNil(t, data, "wo covers 2 words, meets the threshold")
		bm, err = codec.DecodeBitmap(data)
		require.NoError(t, err)
		assert.Equal(t, []uint32{4, 5}, bm.ToArray())

		assert.Nil(t, tbl.Get([]byte("wor")), "wor covers a single word")

		fst, err := Load(rtxn.Table(mainTable).Get([]byte("prefix-fst")))
		require.NoError(t, err)
		require.NotNil(t, fst)
		ok, err := fst.Contains([]byte("hel"))
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	}))
}

func TestPrefixTruncate_RespectsCharBoundaries(t *testing.T) {
	assert.Nil(t, prefixTruncate([]byte("héllo"), 2), "cuts é in half")
	assert.Equal(t, []byte("h"), prefixTruncate([]byte("héllo"), 1))
	assert.Equal(t, []byte("hé"), prefixTruncate([]byte("héllo"), 3))
	assert.Nil(t, prefixTruncate([]byte("ab"), 3))
}
