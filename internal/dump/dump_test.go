package dump

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/documents"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/indexer"
	"github.com/quillsearch/quill/internal/kvenv"
)

// listerOf adapts a single opened index for the dump.
type listerOf struct{ idx *index.Index }

func (l listerOf) UIDs() ([]string, error) { return []string{l.idx.UID}, nil }
func (l listerOf) Get(string) (*index.Index, error) { return l.idx, nil }

func seededIndex(t *testing.T) *index.Index {
	t.Helper()
	idx, err := index.Open(t.TempDir(), "movies", kvenv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	docs := []documents.Raw{{
		"id":    json.RawMessage(`1`),
		"title": json.RawMessage(`"Hello"`),
	}}
	require.NoError(t, idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
		_, err := indexer.IndexDocuments(context.Background(), wtxn, idx,
			[]indexer.Operation{{Kind: indexer.OpReplace, Documents: docs}}, indexer.Config{})
		return err
	}))
	return idx
}

func archiveEntries(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	entries := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[hdr.Name] = data
	}
	return entries
}

func TestCreateDump_ContainsIndexAndQueues(t *testing.T) {
	idx := seededIndex(t)
	dest := t.TempDir()

	path, err := CreateDump(Params{
		Destination: dest,
		Registry:    listerOf{idx: idx},
		Tasks:       []TaskRecord{{UID: 0, Value: map[string]any{"uid": 0, "status": "succeeded"}}},
	})
	require.NoError(t, err)

	entries := archiveEntries(t, path)
	require.Contains(t, entries, "metadata.json")
	require.Contains(t, entries, "tasks/queue.jsonl")
	require.Contains(t, entries, "indexes/movies/metadata.json")
	require.Contains(t, entries, "indexes/movies/settings.json")
	require.Contains(t, entries, "indexes/movies/documents.jsonl")

	var meta map[string]any
	require.NoError(t, json.Unmarshal(entries["indexes/movies/metadata.json"], &meta))
	assert.Equal(t, "movies", meta["uid"])
	assert.Equal(t, "id", meta["primaryKey"])

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(entries["indexes/movies/documents.jsonl"], &doc))
	assert.Equal(t, json.RawMessage(`"Hello"`), doc["title"])
}

func TestCreateSnapshot_ProducesOpenableCopy(t *testing.T) {
	idx := seededIndex(t)
	dest := t.TempDir()

	path, err := CreateSnapshot(SnapshotParams{
		Destination: dest,
		Registry:    listerOf{idx: idx},
	})
	require.NoError(t, err)

	entries := archiveEntries(t, path)
	require.Contains(t, entries, "indexes/movies/data.mdb")

	// The copied environment opens and holds the document.
	restored := t.TempDir() + "/data.mdb"
	require.NoError(t, os.WriteFile(restored, entries["indexes/movies/data.mdb"], 0o600))
	env, err := kvenv.Open(restored, kvenv.Options{}, index.AllTables...)
	require.NoError(t, err)
	defer func() { _ = env.Close() }()
	require.NoError(t, env.View(func(rtxn *kvenv.ReadTxn) error {
		assert.Equal(t, 1, rtxn.Table(index.TableDocuments).Len())
		return nil
	}))
}

func TestCreateDump_AtomicDestination(t *testing.T) {
	idx := seededIndex(t)
	dest := t.TempDir()
	_, err := CreateDump(Params{Destination: dest, Registry: listerOf{idx: idx}})
	require.NoError(t, err)

	files, err := os.ReadDir(dest)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.NotContains(t, files[0].Name(), ".tmp")
}
