package kvenv

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// ReadTxn is an MVCC snapshot over the environment.
type ReadTxn struct {
	tx *bolt.Tx
}

// Close releases the snapshot. Safe to call twice.
func (r *ReadTxn) Close() {
	if r.tx != nil {
		_ = r.tx.Rollback()
		r.tx = nil
	}
}

// Table returns a handle on a named table within this snapshot.
func (r *ReadTxn) Table(name string) *Table {
	return &Table{bucket: r.tx.Bucket([]byte(name)), name: name}
}

// WriteTxn is the exclusive writer. It extends ReadTxn with commit/abort;
// Table handles obtained from it accept writes.
type WriteTxn struct {
	ReadTxn
}

// Commit atomically publishes all writes.
func (w *WriteTxn) Commit() error {
	tx := w.tx
	w.tx = nil
	if tx == nil {
		return fmt.Errorf("commit on finished transaction")
	}
	return wrapWriteErr(tx.Commit())
}

// Abort discards all writes. Safe to call after Commit (no-op).
func (w *WriteTxn) Abort() {
	w.Close()
}

// Table is a named key/value table bound to one transaction.
type Table struct {
	bucket *bolt.Bucket
	name   string
}

// Get returns the value for key, or nil when absent. The returned slice is
// only valid until the transaction ends.
func (t *Table) Get(key []byte) []byte {
	if t.bucket == nil {
		return nil
	}
	return t.bucket.Get(key)
}

// Put stores key → value.
func (t *Table) Put(key, value []byte) error {
	if t.bucket == nil {
		return fmt.Errorf("table %s not found", t.name)
	}
	return wrapWriteErr(t.bucket.Put(key, value))
}

// Delete removes key. Deleting an absent key is a no-op.
func (t *Table) Delete(key []byte) error {
	if t.bucket == nil {
		return fmt.Errorf("table %s not found", t.name)
	}
	return wrapWriteErr(t.bucket.Delete(key))
}

// Clear removes every entry of the table.
func (t *Table) Clear() error {
	if t.bucket == nil {
		return fmt.Errorf("table %s not found", t.name)
	}
	c := t.bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.First() {
		if err := t.bucket.Delete(k); err != nil {
			return wrapWriteErr(err)
		}
	}
	return nil
}

// Len returns the number of entries in the table.
func (t *Table) Len() int {
	if t.bucket == nil {
		return 0
	}
	return t.bucket.Stats().KeyN
}

// First returns the lexicographically smallest key and its value.
func (t *Table) First() (key, value []byte) {
	if t.bucket == nil {
		return nil, nil
	}
	return t.bucket.Cursor().First()
}

// Iter is a cursor over a key range in lexicographic byte order.
type Iter struct {
	cursor  *bolt.Cursor
	prefix  []byte
	until   []byte
	key     []byte
	value   []byte
	started bool
	seek    []byte
}

// Range iterates keys in [from, until) in lexicographic order. A nil from
// starts at the first key; a nil until runs to the end of the table.
func (t *Table) Range(from, until []byte) *Iter {
	if t.bucket == nil {
		return &Iter{}
	}
	return &Iter{cursor: t.bucket.Cursor(), seek: from, until: until}
}

// Prefix iterates every key starting with prefix, in order.
func (t *Table) Prefix(prefix []byte) *Iter {
	if t.bucket == nil {
		return &Iter{}
	}
	return &Iter{cursor: t.bucket.Cursor(), seek: prefix, prefix: prefix}
}

// Next advances the cursor. Returns false when the range is exhausted.
func (it *Iter) Next() bool {
	if it.cursor == nil {
		return false
	}
	if !it.started {
		it.started = true
		if it.seek != nil {
			it.key, it.value = it.cursor.Seek(it.seek)
		} else {
			it.key, it.value = it.cursor.First()
		}
	} else {
		it.key, it.value = it.cursor.Next()
	}
	if it.key == nil {
		return false
	}
	if it.prefix != nil && !bytes.HasPrefix(it.key, it.prefix) {
		return false
	}
	if it.until != nil && bytes.Compare(it.key, it.until) >= 0 {
		return false
	}
	return true
}

// Key returns the current key. Valid until the transaction ends.
func (it *Iter) Key() []byte { return it.key }

// Value returns the current value. Valid until the transaction ends.
func (it *Iter) Value() []byte { return it.value }
