package facet

import (
	"bytes"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/kvenv"
)

// Bound is one end of a facet range query.
type Bound struct {
	// Value is the encoded facet bound. Nil means unbounded.
	Value []byte
	// Inclusive includes the bound value itself.
	Inclusive bool
}

// Unbounded is the open bound.
var Unbounded = Bound{}

// RangeDocids returns the union of docids whose facet value for fid falls
// within [from, to] (subject to inclusiveness). The walk descends the level
// tree and takes whole groups that fall strictly inside the range, touching
// level 0 only at the range edges.
func RangeDocids(rtxn *kvenv.ReadTxn, table string, fid uint16, from, to Bound) (*roaring.Bitmap, error) {
	tbl := rtxn.Table(table)
	top, err := highestLevel(tbl, fid)
	if err != nil {
		return nil, err
	}
	out := roaring.New()
	it := tbl.Prefix(codec.FacetLevelPrefix(fid, top))
	if !it.Next() {
		return out, nil
	}
	firstKey, err := codec.DecodeFacetKey(it.Key())
	if err != nil {
		return nil, err
	}
	if err := rangeWalk(tbl, fid, top, firstKey.Bound, int(^uint(0)>>1), from, to, out); err != nil {
		return nil, err
	}
	return out, nil
}

// below reports whether value sits before the lower bound.
func (b Bound) below(value []byte) bool {
	if b.Value == nil {
		return false
	}
	cmp := bytes.Compare(value, b.Value)
	return cmp < 0 || (cmp == 0 && !b.Inclusive)
}

// above reports whether value sits after the upper bound.
func (b Bound) above(value []byte) bool {
	if b.Value == nil {
		return false
	}
	cmp := bytes.Compare(value, b.Value)
	return cmp > 0 || (cmp == 0 && !b.Inclusive)
}

func rangeWalk(tbl *kvenv.Table, fid uint16, level uint8, bound []byte, size int, from, to Bound, out *roaring.Bitmap) error {
	entries, err := childEntries(tbl, fid, level, bound, size)
	if err != nil {
		return err
	}
	for i, e := range entries {
		key, err := codec.DecodeFacetKey(e[0])
		if err != nil {
			return err
		}

		// The span of entry i ends where entry i+1 begins.
		var rightOpen []byte // exclusive; nil means unbounded
		if i+1 < len(entries) {
			next, err := codec.DecodeFacetKey(entries[i+1][0])
			if err != nil {
				return err
			}
			rightOpen = next.Bound
		}

		// The span holds values v with key.Bound <= v < rightOpen.
		// Skip spans entirely below the lower bound.
		if rightOpen != nil && from.Value != nil && bytes.Compare(rightOpen, from.Value) <= 0 {
			continue
		}
		// Entries are ordered: once a span starts past the upper bound,
		// nothing further can match.
		if to.above(key.Bound) && level > 0 {
			break
		}

		if level == 0 {
			if from.below(key.Bound) || to.above(key.Bound) {
				if to.above(key.Bound) {
					break
				}
				continue
			}
			value, err := codec.DecodeFacetGroupValue(e[1])
			if err != nil {
				return err
			}
			out.Or(value.Docids)
			continue
		}

		// A group is taken whole when its left bound is inside the range and
		// every value below its right edge stays within the upper bound.
		leftInside := !from.below(key.Bound)
		rightInside := to.Value == nil ||
			(rightOpen != nil && bytes.Compare(rightOpen, to.Value) <= 0)
		if to.Value == nil && rightOpen == nil {
			rightInside = true
		}
		if leftInside && rightInside {
			value, err := codec.DecodeFacetGroupValue(e[1])
			if err != nil {
				return err
			}
			out.Or(value.Docids)
			continue
		}

		groupSize, err := codec.FacetGroupSize(e[1])
		if err != nil {
			return err
		}
		if err := rangeWalk(tbl, fid, level-1, key.Bound, int(groupSize), from, to, out); err != nil {
			return err
		}
	}
	return nil
}

// PutLevel0 writes one level-0 entry (value → docids) of fid.
func PutLevel0(wtxn *kvenv.WriteTxn, table string, fid uint16, bound []byte, docids *roaring.Bitmap) error {
	value, err := codec.EncodeFacetGroupValue(codec.FacetGroupValue{Size: 1, Docids: docids})
	if err != nil {
		return err
	}
	key := codec.FacetKey{FieldID: fid, Level: 0, Bound: bound}
	return wtxn.Table(table).Put(key.Encode(), value)
}

// GetLevel0 reads one level-0 entry, or nil when absent.
func GetLevel0(rtxn *kvenv.ReadTxn, table string, fid uint16, bound []byte) (*roaring.Bitmap, error) {
	key := codec.FacetKey{FieldID: fid, Level: 0, Bound: bound}
	data := rtxn.Table(table).Get(key.Encode())
	if data == nil {
		return nil, nil
	}
	value, err := codec.DecodeFacetGroupValue(data)
	if err != nil {
		return nil, err
	}
	return value.Docids, nil
}

// DeleteLevel0 removes one level-0 entry of fid.
func DeleteLevel0(wtxn *kvenv.WriteTxn, table string, fid uint16, bound []byte) error {
	key := codec.FacetKey{FieldID: fid, Level: 0, Bound: bound}
	return wtxn.Table(table).Delete(key.Encode())
}
