// Package wordfst maintains the words FST and the word-prefix posting cache.
//
// The FST is the sorted, compressed set of every indexed word; it is the
// structure typo DFAs run against. It always equals the key set of the
// word-docids table (rebuilt within the same write transaction that changed
// the table).
package wordfst

import (
	"bytes"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/blevesearch/vellum"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/kvenv"
)

// PrefixConfig tunes the word-prefix cache.
type PrefixConfig struct {
	// Threshold is the fraction of the word set a prefix must cover to be
	// cached. Zero or negative means the default; values above 1 become 1.
	Threshold float64
	// MaxLength is the maximum prefix length in bytes, cut at character
	// boundaries. Zero or negative means the default; values above 25
	// become 25.
	MaxLength int
}

// DefaultPrefixConfig mirrors the engine defaults: 0.01 of the word set,
// prefixes up to 4 bytes.
func DefaultPrefixConfig() PrefixConfig {
	return PrefixConfig{Threshold: 0.01, MaxLength: 4}
}

func (c PrefixConfig) withDefaults() PrefixConfig {
	d := DefaultPrefixConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Threshold > 1 {
		c.Threshold = 1
	}
	if c.MaxLength <= 0 {
		c.MaxLength = d.MaxLength
	}
	if c.MaxLength > 25 {
		c.MaxLength = 25
	}
	return c
}

// BuildFromKeys builds an FST from an ordered key stream.
func BuildFromKeys(keys func(yield func(word []byte) error) error) ([]byte, error) {
	var buf bytes.Buffer
	builder, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, fmt.Errorf("fst builder: %w", err)
	}
	err = keys(func(word []byte) error {
		return builder.Insert(word, 0)
	})
	if err != nil {
		return nil, err
	}
	if err := builder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RebuildWordsFST rebuilds the words FST from the word-docids key stream and
// stores it in the main table. Called after the apply phase of every batch,
// inside the same write transaction, keeping the FST-completeness invariant.
func RebuildWordsFST(wtxn *kvenv.WriteTxn, wordDocidsTable, mainTable, fstKey string) error {
	fst, err := BuildFromKeys(func(yield func(word []byte) error) error {
		for it := wtxn.Table(wordDocidsTable).Range(nil, nil); it.Next(); {
			if err := yield(it.Key()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return wtxn.Table(mainTable).Put([]byte(fstKey), fst)
}

// Load opens a serialised FST. Nil or empty data yields an empty set.
func Load(data []byte) (*vellum.FST, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return vellum.Load(data)
}

// prefixTruncate returns the first n bytes of word when that length falls on
// a character boundary, or nil otherwise.
func prefixTruncate(word []byte, n int) []byte {
	if len(word) < n {
		return nil
	}
	prefix := word[:n]
	if !utf8.Valid(prefix) {
		return nil
	}
	return prefix
}

// RebuildPrefixCache recomputes the word-prefix-docids table and the prefix
// FST. A prefix is cached when it matches at least threshold × word-count
// words, rounded down (and at least one word). Two passes over the word stream: the first counts words per prefix,
// the second unions the postings of retained prefixes.
func RebuildPrefixCache(wtxn *kvenv.WriteTxn, wordDocidsTable, prefixTable, mainTable, prefixFSTKey string, cfg PrefixConfig) error {
	cfg = cfg.withDefaults()

	if err := wtxn.Table(prefixTable).Clear(); err != nil {
		return err
	}

	words := wtxn.Table(wordDocidsTable)
	total := words.Len()
	minWords := int(float64(total) * cfg.Threshold)
	if minWords < 1 {
		minWords = 1
	}

	// Pass 1: count words per candidate prefix, shortest lengths first so a
	// retained prefix is found independently per length.
	retained := make(map[string]struct{})
	for n := 1; n <= cfg.MaxLength; n++ {
		var current []byte
		count := 0
		for it := words.Range(nil, nil); it.Next(); {
			prefix := prefixTruncate(it.Key(), n)
			if prefix == nil {
				continue
			}
			if count == 0 || !bytes.Equal(prefix, current) {
				current = append(current[:0], prefix...)
				count = 0
			}
			count++
			if count == minWords {
				retained[string(current)] = struct{}{}
			}
		}
	}

	// Pass 2: union postings per retained prefix.
	unions := make(map[string]*roaring.Bitmap, len(retained))
	for it := words.Range(nil, nil); it.Next(); {
		docids, err := codec.DecodeBitmap(it.Value())
		if err != nil {
			return err
		}
		for n := 1; n <= cfg.MaxLength && n <= len(it.Key()); n++ {
			prefix := prefixTruncate(it.Key(), n)
			if prefix == nil {
				continue
			}
			if _, ok := retained[string(prefix)]; !ok {
				continue
			}
			bm, ok := unions[string(prefix)]
			if !ok {
				bm = roaring.New()
				unions[string(prefix)] = bm
			}
			bm.Or(docids)
		}
	}

	prefixes := make([][]byte, 0, len(unions))
	for p := range unions {
		prefixes = append(prefixes, []byte(p))
	}
	sort.Slice(prefixes, func(i, j int) bool { return bytes.Compare(prefixes[i], prefixes[j]) < 0 })

	tbl := wtxn.Table(prefixTable)
	for _, p := range prefixes {
		data, err := codec.EncodeBitmap(unions[string(p)])
		if err != nil {
			return err
		}
		if err := tbl.Put(p, data); err != nil {
			return err
		}
	}

	fst, err := BuildFromKeys(func(yield func(word []byte) error) error {
		for _, p := range prefixes {
			if err := yield(p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return wtxn.Table(mainTable).Put([]byte(prefixFSTKey), fst)
}

// WordsInFST streams every word matched by aut, in order. A nil fst matches
// nothing.
func WordsInFST(fst *vellum.FST, aut vellum.Automaton, fn func(word []byte) error) error {
	if fst == nil {
		return nil
	}
	itr, err := fst.Search(aut, nil, nil)
	for err == nil {
		word, _ := itr.Current()
		if fnErr := fn(word); fnErr != nil {
			return fnErr
		}
		err = itr.Next()
	}
	if err != vellum.ErrIteratorDone {
		return err
	}
	return nil
}
