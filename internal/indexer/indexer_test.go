package indexer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/documents"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
)

func openIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.Open(t.TempDir(), "movies", kvenv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func doc(t *testing.T, pairs map[string]any) documents.Raw {
	t.Helper()
	raw := make(documents.Raw, len(pairs))
	for k, v := range pairs {
		encoded, err := json.Marshal(v)
		require.NoError(t, err)
		raw[k] = encoded
	}
	return raw
}

func runBatch(t *testing.T, idx *index.Index, ops ...Operation) *Stats {
	t.Helper()
	var stats *Stats
	require.NoError(t, idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
		var err error
		stats, err = IndexDocuments(context.Background(), wtxn, idx, ops, Config{})
		return err
	}))
	return stats
}

func wordDocids(t *testing.T, idx *index.Index, word string) []uint32 {
	t.Helper()
	var out []uint32
	require.NoError(t, idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		bm, err := idx.WordDocids(rtxn, word)
		if err != nil {
			return err
		}
		out = bm.ToArray()
		return nil
	}))
	return out
}

func TestIndexDocuments_BasicAddition(t *testing.T) {
	idx := openIndex(t)
	stats := runBatch(t, idx, Operation{Kind: OpReplace, Documents: []documents.Raw{
		doc(t, map[string]any{"id": 1, "title": "Hello"}),
		doc(t, map[string]any{"id": 2, "title": "Hello World"}),
	}})

	assert.Equal(t, uint64(2), stats.IndexedDocuments)
	assert.Equal(t, []uint32{0, 1}, wordDocids(t, idx, "hello"))
	assert.Equal(t, []uint32{1}, wordDocids(t, idx, "world"))

	require.NoError(t, idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		n, err := idx.NumberOfDocuments(rtxn)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), n)

		docid, ok := idx.ExternalID(rtxn, "1")
		require.True(t, ok)
		fields, err := idx.FieldIDMap(rtxn)
		require.NoError(t, err)
		stored, err := idx.DocumentFields(rtxn, docid, fields)
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`"Hello"`), stored["title"])

		// The words FST mirrors the word-docids keys.
		assert.NotNil(t, idx.WordsFST(rtxn))
		return nil
	}))
}

func TestIndexDocuments_LastOperationWins(t *testing.T) {
	// Spec scenario 2: {id:1,title:"Hello"} then {id:1,title:"Bye"} in one
	// batch stores "Bye" and hello's posting drops docid 0.
	idx := openIndex(t)
	runBatch(t, idx, Operation{Kind: OpReplace, Documents: []documents.Raw{
		doc(t, map[string]any{"id": 1, "title": "Hello"}),
		doc(t, map[string]any{"id": 1, "title": "Bye"}),
	}})

	assert.Empty(t, wordDocids(t, idx, "hello"))
	assert.Equal(t, []uint32{0}, wordDocids(t, idx, "bye"))

	require.NoError(t, idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		n, err := idx.NumberOfDocuments(rtxn)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n)
		return nil
	}))
}

func TestIndexDocuments_UpdateMergesFields(t *testing.T) {
	idx := openIndex(t)
	runBatch(t, idx, Operation{Kind: OpReplace, Documents: []documents.Raw{
		doc(t, map[string]any{"id": 1, "title": "Hello", "year": 1999}),
	}})
	runBatch(t, idx, Operation{Kind: OpUpdate, Documents: []documents.Raw{
		doc(t, map[string]any{"id": 1, "title": "Bye"}),
	}})

	require.NoError(t, idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		docid, ok := idx.ExternalID(rtxn, "1")
		require.True(t, ok)
		fields, err := idx.FieldIDMap(rtxn)
		require.NoError(t, err)
		stored, err := idx.DocumentFields(rtxn, docid, fields)
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`"Bye"`), stored["title"])
		assert.Equal(t, json.RawMessage(`1999`), stored["year"], "update keeps absent fields")
		return nil
	}))
	assert.Empty(t, wordDocids(t, idx, "hello"))
}

// dumpPostings snapshots every posting table for byte-equality checks.
func dumpPostings(t *testing.T, idx *index.Index) map[string]map[string]string {
	t.Helper()
	out := make(map[string]map[string]string)
	require.NoError(t, idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		for _, table := range []string{
			index.TableWordDocids, index.TableExactWordDocids,
			index.TableWordFidDocids, index.TableWordPositionDocids,
			index.TableWordPairProximityDocids, index.TableFieldWordCountDocids,
			index.TableFacetF64Docids, index.TableFacetStringDocids,
			index.TableFacetExistsDocids, index.TableFacetIsNullDocids,
			index.TableFacetIsEmptyDocids, index.TableFieldDocidFacetF64,
			index.TableFieldDocidFacetString, index.TableWordPrefixDocids,
			index.TableDocuments, index.TableExternalIDs,
		} {
			entries := make(map[string]string)
			for it := rtxn.Table(table).Range(nil, nil); it.Next(); {
				entries[string(it.Key())] = string(it.Value())
			}
			out[table] = entries
		}
		return nil
	}))
	return out
}

func TestIndexDocuments_AddThenDeleteRestoresTables(t *testing.T) {
	// Spec R1: adding then deleting a document leaves the tables byte-equal.
	idx := openIndex(t)
	runBatch(t, idx, Operation{Kind: OpReplace, Documents: []documents.Raw{
		doc(t, map[string]any{"id": 1, "title": "Hello World"}),
	}})
	before := dumpPostings(t, idx)

	runBatch(t, idx, Operation{Kind: OpReplace, Documents: []documents.Raw{
		doc(t, map[string]any{"id": 2, "title": "Kefir puppy"}),
	}})
	runBatch(t, idx, Operation{Kind: OpDelete, ExternalIDs: []string{"2"}})

	assert.Equal(t, before, dumpPostings(t, idx))
}

func TestIndexDocuments_ReingestIsIdempotent(t *testing.T) {
	// Spec R2: re-ingesting an unchanged corpus is byte-identical.
	corpus := []documents.Raw{}
	for i, title := range []string{"Hello World", "Bonjour monde", "Hola mundo"} {
		corpus = append(corpus, doc(t, map[string]any{"id": i + 1, "title": title}))
	}

	idx := openIndex(t)
	runBatch(t, idx, Operation{Kind: OpReplace, Documents: corpus})
	first := dumpPostings(t, idx)

	runBatch(t, idx, Operation{Kind: OpReplace, Documents: corpus})
	assert.Equal(t, first, dumpPostings(t, idx))
}

func TestIndexDocuments_DeleteUnknownIsNoop(t *testing.T) {
	idx := openIndex(t)
	runBatch(t, idx, Operation{Kind: OpReplace, Documents: []documents.Raw{
		doc(t, map[string]any{"id": 1, "title": "Hello"}),
	}})
	stats := runBatch(t, idx, Operation{Kind: OpDelete, ExternalIDs: []string{"missing"}})
	assert.Equal(t, uint64(0), stats.DeletedDocuments)
}

func TestIndexDocuments_ClearDropsEverything(t *testing.T) {
	idx := openIndex(t)
	runBatch(t, idx, Operation{Kind: OpReplace, Documents: []documents.Raw{
		doc(t, map[string]any{"id": 1, "title": "Hello"}),
	}})
	runBatch(t, idx, Operation{Kind: OpClear})

	assert.Empty(t, wordDocids(t, idx, "hello"))
	require.NoError(t, idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		n, err := idx.NumberOfDocuments(rtxn)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}

func TestIndexDocuments_InvalidIDFailsBatch(t *testing.T) {
	idx := openIndex(t)
	err := idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
		_, err := IndexDocuments(context.Background(), wtxn, idx, []Operation{
			{Kind: OpReplace, Documents: []documents.Raw{
				doc(t, map[string]any{"id": "bad id!", "title": "Hello"}),
			}},
		}, Config{})
		return err
	})
	require.Error(t, err)
	assert.Empty(t, wordDocids(t, idx, "hello"), "failed batch leaves no partial writes")
}

func TestIndexDocuments_FacetsAndLevels(t *testing.T) {
	idx := openIndex(t)
	require.NoError(t, idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
		return idx.PutSettings(wtxn, &index.Settings{
			FilterableAttributes: []string{"price", "genre"},
		})
	}))

	var docs []documents.Raw
	for i := 1; i <= 10; i++ {
		docs = append(docs, doc(t, map[string]any{
			"id": i, "title": "movie", "price": i * 10, "genre": "Horror",
		}))
	}
	runBatch(t, idx, Operation{Kind: OpReplace, Documents: docs})

	require.NoError(t, idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		fields, err := idx.FieldIDMap(rtxn)
		require.NoError(t, err)
		priceFid, ok := fields.ID("price")
		require.True(t, ok)

		// Level 0 has ten entries, so a level 1 exists.
		it := rtxn.Table(index.TableFacetF64Docids).Prefix(codec.FacetLevelPrefix(priceFid, 1))
		assert.True(t, it.Next(), "expected facet level 1 entries")

		genreFid, ok := fields.ID("genre")
		require.True(t, ok)
		bm, err := rtxnFacetString(rtxn, genreFid, "horror")
		require.NoError(t, err)
		assert.Equal(t, uint64(10), bm.GetCardinality(), "string facets are normalised")
		return nil
	}))
}

func rtxnFacetString(rtxn *kvenv.ReadTxn, fid uint16, value string) (interface{ GetCardinality() uint64 }, error) {
	key := codec.FacetKey{FieldID: fid, Level: 0, Bound: []byte(value)}
	data := rtxn.Table(index.TableFacetStringDocids).Get(key.Encode())
	decoded, err := codec.DecodeFacetGroupValue(data)
	if err != nil {
		return nil, err
	}
	return decoded.Docids, nil
}

func TestIndexDocuments_MissingPrimaryKeyValue(t *testing.T) {
	idx := openIndex(t)
	runBatch(t, idx, Operation{Kind: OpReplace, Documents: []documents.Raw{
		doc(t, map[string]any{"id": 1, "title": "Hello"}),
	}})

	err := idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
		_, err := IndexDocuments(context.Background(), wtxn, idx, []Operation{
			{Kind: OpReplace, Documents: []documents.Raw{
				doc(t, map[string]any{"title": "no id"}),
			}},
		}, Config{})
		return err
	})
	require.Error(t, err)
}
