package indexer

import (
	"bytes"
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"
)

// deltaSorter accumulates extraction deltas and yields them grouped by
// (table, key) in sorted order. Memory is bounded: past maxInMemory entries
// the current buffer is flushed as a sorted run file; runs are merged back
// through a memory map, so spill never doubles the resident set.
type deltaSorter struct {
	dir         string
	maxInMemory int

	buffer []delta
	runs   []string
}

// defaultMaxInMemory bounds the in-memory delta buffer.
const defaultMaxInMemory = 1 << 20

func newDeltaSorter(dir string, maxInMemory int) *deltaSorter {
	if maxInMemory <= 0 {
		maxInMemory = defaultMaxInMemory
	}
	return &deltaSorter{dir: dir, maxInMemory: maxInMemory}
}

// push appends deltas, spilling when the buffer fills.
func (s *deltaSorter) push(deltas []delta) error {
	s.buffer = append(s.buffer, deltas...)
	if len(s.buffer) >= s.maxInMemory {
		return s.spill()
	}
	return nil
}

func sortDeltas(deltas []delta) {
	sort.SliceStable(deltas, func(i, j int) bool {
		if deltas[i].table != deltas[j].table {
			return deltas[i].table < deltas[j].table
		}
		if c := bytes.Compare(deltas[i].key, deltas[j].key); c != 0 {
			return c < 0
		}
		return deltas[i].docid < deltas[j].docid
	})
}

// spill writes the buffer as one sorted run file:
// repeated [table u8][keylen u16 BE][key][docid u32 BE][kind u8].
func (s *deltaSorter) spill() error {
	if len(s.buffer) == 0 {
		return nil
	}
	sortDeltas(s.buffer)

	path := filepath.Join(s.dir, fmt.Sprintf("run-%06d.tmp", len(s.runs)))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bytes.NewBuffer(make([]byte, 0, len(s.buffer)*16))
	for _, d := range s.buffer {
		if len(d.key) > 0xFFFF {
			_ = f.Close()
			return fmt.Errorf("delta key too long: %d bytes", len(d.key))
		}
		w.WriteByte(byte(d.table))
		w.WriteByte(byte(len(d.key) >> 8))
		w.WriteByte(byte(len(d.key)))
		w.Write(d.key)
		var docid [4]byte
		docid[0], docid[1], docid[2], docid[3] = byte(d.docid>>24), byte(d.docid>>16), byte(d.docid>>8), byte(d.docid)
		w.Write(docid[:])
		w.WriteByte(byte(d.kind))
	}
	if _, err := f.Write(w.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.runs = append(s.runs, path)
	s.buffer = s.buffer[:0]
	return nil
}

// runReader walks one mmap'd run file.
type runReader struct {
	data mmap.MMap
	file *os.File
	off  int
	cur  delta
	done bool
}

func openRun(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		_ = f.Close()
		return &runReader{done: true}, nil
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r := &runReader{data: data, file: f}
	r.next()
	return r, nil
}

func (r *runReader) next() {
	if r.off+7 > len(r.data) {
		r.done = true
		return
	}
	table := tableID(r.data[r.off])
	keyLen := int(r.data[r.off+1])<<8 | int(r.data[r.off+2])
	r.off += 3
	if r.off+keyLen+5 > len(r.data) {
		r.done = true
		return
	}
	key := r.data[r.off : r.off+keyLen]
	r.off += keyLen
	docid := uint32(r.data[r.off])<<24 | uint32(r.data[r.off+1])<<16 |
		uint32(r.data[r.off+2])<<8 | uint32(r.data[r.off+3])
	kind := deltaKind(r.data[r.off+4])
	r.off += 5
	r.cur = delta{table: table, key: key, docid: docid, kind: kind}
}

func (r *runReader) close() {
	if r.data != nil {
		_ = r.data.Unmap()
	}
	if r.file != nil {
		_ = r.file.Close()
	}
}

type runHeap []*runReader

func (h runHeap) Len() int { return len(h) }
func (h runHeap) Less(i, j int) bool {
	a, b := h[i].cur, h[j].cur
	if a.table != b.table {
		return a.table < b.table
	}
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.docid < b.docid
}
func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *runHeap) Push(x any)   { *h = append(*h, x.(*runReader)) }
func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// groupedDelta is the merge output for one (table, key): the docids added
// and removed, already collapsed (a doc both added and removed under the
// same key resolves to an addition).
type groupedDelta struct {
	table     tableID
	key       []byte
	additions []uint32
	deletions []uint32
}

// drain merges the in-memory buffer with every spilled run and calls fn per
// (table, key) group, in sorted order.
func (s *deltaSorter) drain(fn func(g groupedDelta) error) error {
	sortDeltas(s.buffer)

	readers := make([]*runReader, 0, len(s.runs)+1)
	defer func() {
		for _, r := range readers {
			r.close()
		}
		for _, path := range s.runs {
			_ = os.Remove(path)
		}
	}()

	h := &runHeap{}
	for _, path := range s.runs {
		r, err := openRun(path)
		if err != nil {
			return err
		}
		readers = append(readers, r)
		if !r.done {
			heap.Push(h, r)
		}
	}

	bufIdx := 0
	nextDelta := func() (delta, bool) {
		// Two-way pick between the heap head and the in-memory buffer.
		hasBuf := bufIdx < len(s.buffer)
		if h.Len() == 0 {
			if !hasBuf {
				return delta{}, false
			}
			d := s.buffer[bufIdx]
			bufIdx++
			return d, true
		}
		top := (*h)[0]
		if hasBuf {
			b := s.buffer[bufIdx]
			if deltaLess(b, top.cur) {
				bufIdx++
				return b, true
			}
		}
		d := top.cur
		// Copy the key out of the mmap before advancing.
		d.key = append([]byte(nil), d.key...)
		top.next()
		if top.done {
			heap.Pop(h)
		} else {
			heap.Fix(h, 0)
		}
		return d, true
	}

	var current groupedDelta
	var active bool
	seen := make(map[uint32]deltaKind)

	flush := func() error {
		if !active {
			return nil
		}
		for docid, kind := range seen {
			if kind == deltaAddition {
				current.additions = append(current.additions, docid)
			} else {
				current.deletions = append(current.deletions, docid)
			}
		}
		sortU32(current.additions)
		sortU32(current.deletions)
		err := fn(current)
		current = groupedDelta{}
		seen = make(map[uint32]deltaKind)
		active = false
		return err
	}

	for {
		d, ok := nextDelta()
		if !ok {
			break
		}
		if !active || d.table != current.table || !bytes.Equal(d.key, current.key) {
			if err := flush(); err != nil {
				return err
			}
			current = groupedDelta{table: d.table, key: d.key}
			active = true
		}
		// A replace emits both the old posting's deletion and the new one's
		// addition under the same key; the document still carries the key,
		// so addition dominates.
		if existing, ok := seen[d.docid]; !ok || existing != deltaAddition {
			seen[d.docid] = d.kind
		}
	}
	return flush()
}

func deltaLess(a, b delta) bool {
	if a.table != b.table {
		return a.table < b.table
	}
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	return a.docid < b.docid
}

func sortU32(v []uint32) {
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
}
