// Package facet builds and maintains the multi-level facet trees used for
// range filters and distributions.
//
// Level 0 of a tree stores (value → docids) in value order. Level L stores
// one entry per fixed-size group of level-(L−1) entries, keyed by the group's
// left bound, valued by the union of the group's docids and the group size.
// The level structure is a pure function of the level-0 key sequence: groups
// are formed positionally, GroupSize entries at a time, so bulk and
// incremental maintenance converge on identical bytes.
package facet

import (
	"bytes"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/kvenv"
)

// Config tunes the tree shape. The zero value is replaced by defaults.
type Config struct {
	// GroupSize is the number of level-below entries per group.
	GroupSize int
	// MaxGroupSize is filled in by withDefaults but not read by tree
	// building: both paths cut every level into consecutive groups of
	// GroupSize entries, and groups are never split or merged.
	MaxGroupSize int
	// MinLevelSize is the minimum entry count of a level before a level
	// above it is materialised.
	MinLevelSize int
	// BulkThreshold is the delta size (fraction of level-0 entries) beyond
	// which Update picks the bulk strategy.
	BulkThreshold float64
}

// DefaultConfig mirrors the engine defaults.
func DefaultConfig() Config {
	return Config{GroupSize: 4, MaxGroupSize: 8, MinLevelSize: 5, BulkThreshold: 0.5}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GroupSize <= 0 {
		c.GroupSize = d.GroupSize
	}
	if c.MaxGroupSize < c.GroupSize {
		c.MaxGroupSize = 2 * c.GroupSize
	}
	if c.MinLevelSize <= 0 {
		c.MinLevelSize = d.MinLevelSize
	}
	if c.BulkThreshold <= 0 {
		c.BulkThreshold = d.BulkThreshold
	}
	return c
}

type levelEntry struct {
	bound  []byte
	size   uint8
	docids *roaring.Bitmap
}

// readLevel collects every entry of (fid, level) in key order.
func readLevel(tbl *kvenv.Table, fid uint16, level uint8) ([]levelEntry, error) {
	var entries []levelEntry
	for it := tbl.Prefix(codec.FacetLevelPrefix(fid, level)); it.Next(); {
		key, err := codec.DecodeFacetKey(it.Key())
		if err != nil {
			return nil, err
		}
		value, err := codec.DecodeFacetGroupValue(it.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, levelEntry{
			bound:  append([]byte(nil), key.Bound...),
			size:   value.Size,
			docids: value.Docids,
		})
	}
	return entries, nil
}

func clearLevel(tbl *kvenv.Table, fid uint16, level uint8) error {
	var keys [][]byte
	for it := tbl.Prefix(codec.FacetLevelPrefix(fid, level)); it.Next(); {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	for _, k := range keys {
		if err := tbl.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// highestLevel returns the topmost materialised level of fid.
func highestLevel(tbl *kvenv.Table, fid uint16) (uint8, error) {
	var level uint8
	for l := uint8(1); l > 0; l++ {
		it := tbl.Prefix(codec.FacetLevelPrefix(fid, l))
		if !it.Next() {
			break
		}
		level = l
	}
	return level, nil
}

// BuildBulk rebuilds every level ≥ 1 of fid from its level 0.
func BuildBulk(wtxn *kvenv.WriteTxn, table string, fid uint16, cfg Config) error {
	cfg = cfg.withDefaults()
	tbl := wtxn.Table(table)

	top, err := highestLevel(tbl, fid)
	if err != nil {
		return err
	}
	for l := uint8(1); l <= top; l++ {
		if err := clearLevel(tbl, fid, l); err != nil {
			return err
		}
	}

	below, err := readLevel(tbl, fid, 0)
	if err != nil {
		return err
	}
	for level := uint8(1); len(below) > cfg.MinLevelSize; level++ {
		groups := groupEntries(below, cfg.GroupSize)
		for _, g := range groups {
			value, err := codec.EncodeFacetGroupValue(codec.FacetGroupValue{
				Size:   g.size,
				Docids: g.docids,
			})
			if err != nil {
				return err
			}
			key := codec.FacetKey{FieldID: fid, Level: level, Bound: g.bound}
			if err := tbl.Put(key.Encode(), value); err != nil {
				return err
			}
		}
		below = groups
	}
	return nil
}

// groupEntries chunks entries positionally into groups of groupSize; the
// last group may be smaller.
func groupEntries(entries []levelEntry, groupSize int) []levelEntry {
	var groups []levelEntry
	for start := 0; start < len(entries); start += groupSize {
		end := start + groupSize
		if end > len(entries) {
			end = len(entries)
		}
		union := roaring.New()
		for _, e := range entries[start:end] {
			union.Or(e.docids)
		}
		groups = append(groups, levelEntry{
			bound:  entries[start].bound,
			size:   uint8(end - start),
			docids: union,
		})
	}
	return groups
}

// Update maintains the levels of fid after level-0 changes. changed is the
// set of level-0 bounds that were inserted, removed or rewritten. The bulk
// strategy is picked when the delta is a large fraction of the field;
// otherwise only the level suffixes from the first changed bound onward are
// rewritten, which produces the same bytes as a full rebuild.
func Update(wtxn *kvenv.WriteTxn, table string, fid uint16, changed [][]byte, cfg Config) error {
	cfg = cfg.withDefaults()
	if len(changed) == 0 {
		return nil
	}
	tbl := wtxn.Table(table)

	level0, err := readLevel(tbl, fid, 0)
	if err != nil {
		return err
	}
	if float64(len(changed)) >= cfg.BulkThreshold*float64(len(level0)) {
		return BuildBulk(wtxn, table, fid, cfg)
	}

	first := changed[0]
	for _, b := range changed[1:] {
		if bytes.Compare(b, first) < 0 {
			first = b
		}
	}
	return rebuildSuffix(tbl, fid, level0, first, cfg)
}

// rebuildSuffix rewrites, level by level, every group at or after the group
// containing the first changed bound. Group membership is positional, so all
// groups before that point are unchanged by construction.
func rebuildSuffix(tbl *kvenv.Table, fid uint16, level0 []levelEntry, firstChanged []byte, cfg Config) error {
	below := level0
	top, err := highestLevel(tbl, fid)
	if err != nil {
		return err
	}

	for level := uint8(1); ; level++ {
		if len(below) <= cfg.MinLevelSize {
			// The level count shrank: drop any stale higher levels.
			for l := level; l <= top; l++ {
				if err := clearLevel(tbl, fid, l); err != nil {
					return err
				}
			}
			return nil
		}

		// First group index whose span may include the changed bound.
		firstIdx := 0
		for i := range below {
			if bytes.Compare(below[i].bound, firstChanged) > 0 {
				break
			}
			firstIdx = i
		}
		firstGroup := firstIdx / cfg.GroupSize

		groups := groupEntries(below, cfg.GroupSize)

		// Delete stale entries of this level from the rebuilt group's bound.
		var fromBound []byte
		if firstGroup < len(groups) {
			fromBound = groups[firstGroup].bound
		}
		var stale [][]byte
		prefix := codec.FacetLevelPrefix(fid, level)
		for it := tbl.Prefix(prefix); it.Next(); {
			key, err := codec.DecodeFacetKey(it.Key())
			if err != nil {
				return err
			}
			if fromBound == nil || bytes.Compare(key.Bound, fromBound) >= 0 {
				stale = append(stale, append([]byte(nil), it.Key()...))
			}
		}
		for _, k := range stale {
			if err := tbl.Delete(k); err != nil {
				return err
			}
		}

		for _, g := range groups[firstGroup:] {
			value, err := codec.EncodeFacetGroupValue(codec.FacetGroupValue{Size: g.size, Docids: g.docids})
			if err != nil {
				return err
			}
			key := codec.FacetKey{FieldID: fid, Level: level, Bound: g.bound}
			if err := tbl.Put(key.Encode(), value); err != nil {
				return err
			}
		}

		if level == ^uint8(0) {
			return nil
		}
		below = groups
		if firstGroup < len(groups) {
			firstChanged = groups[firstGroup].bound
		}
	}
}
