package kvenv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEnv(t *testing.T, tables ...string) *Env {
	t.Helper()
	env, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{}, tables...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestEnv_PutGetRoundTrip(t *testing.T) {
	env := openTestEnv(t, "main")

	err := env.Update(func(wtxn *WriteTxn) error {
		return wtxn.Table("main").Put([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	err = env.View(func(rtxn *ReadTxn) error {
		assert.Equal(t, []byte("v"), rtxn.Table("main").Get([]byte("k")))
		assert.Nil(t, rtxn.Table("main").Get([]byte("missing")))
		return nil
	})
	require.NoError(t, err)
}

func TestEnv_AbortDiscardsWrites(t *testing.T) {
	env := openTestEnv(t, "main")

	wtxn, err := env.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtxn.Table("main").Put([]byte("k"), []byte("v")))
	wtxn.Abort()

	err = env.View(func(rtxn *ReadTxn) error {
		assert.Nil(t, rtxn.Table("main").Get([]byte("k")))
		return nil
	})
	require.NoError(t, err)
}

func TestEnv_SnapshotIsolation(t *testing.T) {
	env := openTestEnv(t, "main")

	require.NoError(t, env.Update(func(wtxn *WriteTxn) error {
		return wtxn.Table("main").Put([]byte("k"), []byte("old"))
	}))

	// A reader opened before the write commits keeps seeing the old value.
	rtxn, err := env.BeginRead()
	require.NoError(t, err)
	defer rtxn.Close()

	done := make(chan error, 1)
	go func() {
		done <- env.Update(func(wtxn *WriteTxn) error {
			return wtxn.Table("main").Put([]byte("k"), []byte("new"))
		})
	}()
	require.NoError(t, <-done)

	assert.Equal(t, []byte("old"), rtxn.Table("main").Get([]byte("k")))

	rtxn.Close()
	require.NoError(t, env.View(func(r *ReadTxn) error {
		assert.Equal(t, []byte("new"), r.Table("main").Get([]byte("k")))
		return nil
	}))
}

func TestTable_RangeAndPrefix(t *testing.T) {
	env := openTestEnv(t, "words")

	keys := []string{"apple", "apply", "banana", "band", "cherry"}
	require.NoError(t, env.Update(func(wtxn *WriteTxn) error {
		tbl := wtxn.Table("words")
		for _, k := range keys {
			if err := tbl.Put([]byte(k), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, env.View(func(rtxn *ReadTxn) error {
		tbl := rtxn.Table("words")

		var got []string
		for it := tbl.Prefix([]byte("app")); it.Next(); {
			got = append(got, string(it.Key()))
		}
		assert.Equal(t, []string{"apple", "apply"}, got)

		got = got[:0]
		for it := tbl.Range([]byte("band"), nil); it.Next(); {
			got = append(got, string(it.Key()))
		}
		assert.Equal(t, []string{"band", "cherry"}, got)

		got = got[:0]
		for it := tbl.Range(nil, []byte("banana")); it.Next(); {
			got = append(got, string(it.Key()))
		}
		assert.Equal(t, []string{"apple", "apply"}, got)
		return nil
	}))
}

func TestTable_Clear(t *testing.T) {
	env := openTestEnv(t, "main")

	require.NoError(t, env.Update(func(wtxn *WriteTxn) error {
		tbl := wtxn.Table("main")
		require.NoError(t, tbl.Put([]byte("a"), []byte{1}))
		require.NoError(t, tbl.Put([]byte("b"), []byte{2}))
		return tbl.Clear()
	}))

	require.NoError(t, env.View(func(rtxn *ReadTxn) error {
		assert.Equal(t, 0, rtxn.Table("main").Len())
		return nil
	}))
}

func TestEnv_CopyToProducesOpenableFile(t *testing.T) {
	env := openTestEnv(t, "main")
	require.NoError(t, env.Update(func(wtxn *WriteTxn) error {
		return wtxn.Table("main").Put([]byte("k"), []byte("v"))
	}))

	dst := filepath.Join(t.TempDir(), "copy.db")
	f, err := os.Create(dst)
	require.NoError(t, err)
	_, err = env.CopyTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	copied, err := Open(dst, Options{}, "main")
	require.NoError(t, err)
	defer func() { _ = copied.Close() }()
	require.NoError(t, copied.View(func(rtxn *ReadTxn) error {
		assert.Equal(t, []byte("v"), rtxn.Table("main").Get([]byte("k")))
		return nil
	}))
}
