package facet

import (
	"container/heap"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/kvenv"
)

// ControlFlow is returned by iteration callbacks.
type ControlFlow int

const (
	// Continue keeps iterating.
	Continue ControlFlow = iota
	// Break stops the iteration without error.
	Break
)

// Callback receives a level-0 facet bound, the number of candidate documents
// carrying it, and one docid carrying the value (not necessarily a
// candidate — it is used to recover the original display string).
type Callback func(bound []byte, count uint64, anyDocid uint32) (ControlFlow, error)

// childEntries reads up to `size` entries of (fid, level) starting at bound.
func childEntries(tbl *kvenv.Table, fid uint16, level uint8, bound []byte, size int) ([][2][]byte, error) {
	start := codec.FacetKey{FieldID: fid, Level: level, Bound: bound}.Encode()
	var out [][2][]byte
	for it := tbl.Range(start, nil); it.Next() && len(out) < size; {
		key, err := codec.DecodeFacetKey(it.Key())
		if err != nil {
			return nil, err
		}
		if key.FieldID != fid || key.Level != level {
			break
		}
		out = append(out, [2][]byte{
			append([]byte(nil), it.Key()...),
			append([]byte(nil), it.Value()...),
		})
	}
	return out, nil
}

// IterateLexicographic walks the facet tree of fid in value order, calling
// cb for every level-0 value carried by at least one candidate. Groups whose
// docids do not intersect the candidates are pruned without materialising
// their bitmaps.
func IterateLexicographic(rtxn *kvenv.ReadTxn, table string, fid uint16, candidates *roaring.Bitmap, cb Callback) error {
	tbl := rtxn.Table(table)
	top, err := highestLevel(tbl, fid)
	if err != nil {
		return err
	}
	it := tbl.Prefix(codec.FacetLevelPrefix(fid, top))
	if !it.Next() {
		return nil
	}
	firstKey, err := codec.DecodeFacetKey(it.Key())
	if err != nil {
		return err
	}
	_, err = iterateLexicographic(tbl, fid, top, firstKey.Bound, int(^uint(0)>>1), candidates, cb)
	return err
}

func iterateLexicographic(tbl *kvenv.Table, fid uint16, level uint8, bound []byte, size int, candidates *roaring.Bitmap, cb Callback) (ControlFlow, error) {
	entries, err := childEntries(tbl, fid, level, bound, size)
	if err != nil {
		return Break, err
	}
	for _, e := range entries {
		key, err := codec.DecodeFacetKey(e[0])
		if err != nil {
			return Break, err
		}
		bitmapBytes, err := codec.FacetGroupBitmapBytes(e[1])
		if err != nil {
			return Break, err
		}
		inter, err := codec.IntersectSerialized(bitmapBytes, candidates)
		if err != nil {
			return Break, err
		}
		if inter.IsEmpty() {
			continue
		}
		if level == 0 {
			flow, err := cb(key.Bound, inter.GetCardinality(), inter.Minimum())
			if err != nil || flow == Break {
				return Break, err
			}
			continue
		}
		groupSize, err := codec.FacetGroupSize(e[1])
		if err != nil {
			return Break, err
		}
		flow, err := iterateLexicographic(tbl, fid, level-1, key.Bound, int(groupSize), candidates, cb)
		if err != nil || flow == Break {
			return Break, err
		}
	}
	return Continue, nil
}

// countEntry is a frontier element of the by-count traversal. The heap pops
// the entry with the largest intersected count first; ties break toward
// deeper levels, then smaller bounds, keeping the output deterministic.
type countEntry struct {
	count  uint64
	level  uint8
	bound  []byte
	size   int
	anyDoc uint32
}

type countHeap []countEntry

func (h countHeap) Len() int { return len(h) }
func (h countHeap) Less(i, j int) bool {
	if h[i].count != h[j].count {
		return h[i].count > h[j].count
	}
	if h[i].level != h[j].level {
		return h[i].level < h[j].level
	}
	return string(h[i].bound) < string(h[j].bound)
}
func (h countHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *countHeap) Push(x any)        { *h = append(*h, x.(countEntry)) }
func (h *countHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// IterateByCount walks the facet tree of fid emitting level-0 values in
// decreasing candidate-count order, pruning empty groups like the
// lexicographic walk.
func IterateByCount(rtxn *kvenv.ReadTxn, table string, fid uint16, candidates *roaring.Bitmap, cb Callback) error {
	tbl := rtxn.Table(table)
	top, err := highestLevel(tbl, fid)
	if err != nil {
		return err
	}

	h := &countHeap{}
	push := func(level uint8, bound []byte, size int) error {
		entries, err := childEntries(tbl, fid, level, bound, size)
		if err != nil {
			return err
		}
		for _, e := range entries {
			key, err := codec.DecodeFacetKey(e[0])
			if err != nil {
				return err
			}
			bitmapBytes, err := codec.FacetGroupBitmapBytes(e[1])
			if err != nil {
				return err
			}
			inter, err := codec.IntersectSerialized(bitmapBytes, candidates)
			if err != nil {
				return err
			}
			if inter.IsEmpty() {
				continue
			}
			groupSize, err := codec.FacetGroupSize(e[1])
			if err != nil {
				return err
			}
			heap.Push(h, countEntry{
				count:  inter.GetCardinality(),
				level:  key.Level,
				bound:  key.Bound,
				size:   int(groupSize),
				anyDoc: inter.Minimum(),
			})
		}
		return nil
	}

	it := tbl.Prefix(codec.FacetLevelPrefix(fid, top))
	if !it.Next() {
		return nil
	}
	firstKey, err := codec.DecodeFacetKey(it.Key())
	if err != nil {
		return err
	}
	if err := push(top, firstKey.Bound, int(^uint(0)>>1)); err != nil {
		return err
	}

	for h.Len() > 0 {
		e := heap.Pop(h).(countEntry)
		if e.level == 0 {
			flow, err := cb(e.bound, e.count, e.anyDoc)
			if err != nil {
				return err
			}
			if flow == Break {
				return nil
			}
			continue
		}
		if err := push(e.level-1, e.bound, e.size); err != nil {
			return err
		}
	}
	return nil
}
