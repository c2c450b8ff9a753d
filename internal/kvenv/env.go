// Package kvenv provides the transactional key/value environment backing
// every index and the task queue.
//
// An Env is a single memory-mapped bbolt file holding named tables (buckets).
// Readers get MVCC snapshots and never block; at most one write transaction
// exists at a time, enforced by bbolt itself and serialised above by the
// scheduler.
package kvenv

import (
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quillsearch/quill/internal/quillerr"
)

// Options tunes an environment at open time.
type Options struct {
	// MaxSize, when positive, sets the bbolt growth step (AllocSize) in
	// bytes; it does not cap the memory map. Zero means the bbolt default.
	MaxSize int64
	// ReadOnly opens the file without write capability.
	ReadOnly bool
	// Timeout bounds the wait for the file lock.
	Timeout time.Duration
}

// Env is one transactional environment with named tables.
type Env struct {
	db     *bolt.DB
	path   string
	tables [][]byte
}

// Open opens (or creates) the environment at path and ensures every named
// table exists.
func Open(path string, opts Options, tables ...string) (*Env, error) {
	boltOpts := &bolt.Options{
		Timeout:  opts.Timeout,
		ReadOnly: opts.ReadOnly,
	}
	if boltOpts.Timeout == 0 {
		boltOpts.Timeout = 5 * time.Second
	}
	db, err := bolt.Open(path, 0o600, boltOpts)
	if err != nil {
		return nil, fmt.Errorf("open environment %s: %w", path, err)
	}
	if opts.MaxSize > 0 {
		// bbolt grows the map on demand; MaxSize only bounds allocation bursts.
		db.AllocSize = int(opts.MaxSize)
	}

	env := &Env{db: db, path: path}
	for _, name := range tables {
		env.tables = append(env.tables, []byte(name))
	}

	if !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range env.tables {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create table %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			_ = db.Close()
			return nil, wrapWriteErr(err)
		}
	}
	return env, nil
}

// Path returns the file path of the environment.
func (e *Env) Path() string { return e.path }

// Close closes the underlying file. Outstanding transactions must be done.
func (e *Env) Close() error { return e.db.Close() }

// Size returns the current on-disk size of the environment file.
func (e *Env) Size() (int64, error) {
	info, err := os.Stat(e.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// BeginRead opens a read-only snapshot transaction. Many may be open at once.
func (e *Env) BeginRead() (*ReadTxn, error) {
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	return &ReadTxn{tx: tx}, nil
}

// BeginWrite opens the exclusive write transaction. It blocks until any
// in-flight writer commits or aborts.
func (e *Env) BeginWrite() (*WriteTxn, error) {
	tx, err := e.db.Begin(true)
	if err != nil {
		return nil, wrapWriteErr(err)
	}
	return &WriteTxn{ReadTxn: ReadTxn{tx: tx}}, nil
}

// View runs fn inside a read snapshot.
func (e *Env) View(fn func(rtxn *ReadTxn) error) error {
	rtxn, err := e.BeginRead()
	if err != nil {
		return err
	}
	defer rtxn.Close()
	return fn(rtxn)
}

// Update runs fn inside the write transaction, committing on nil error and
// aborting otherwise.
func (e *Env) Update(fn func(wtxn *WriteTxn) error) error {
	wtxn, err := e.BeginWrite()
	if err != nil {
		return err
	}
	if err := fn(wtxn); err != nil {
		wtxn.Abort()
		return err
	}
	return wtxn.Commit()
}

// CopyTo streams a consistent copy of the whole environment to w. Pages are
// written as they are, free pages included: the copy is not compacted.
// Used by snapshots; runs inside its own read transaction.
func (e *Env) CopyTo(w interface{ Write([]byte) (int, error) }) (int64, error) {
	var n int64
	err := e.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// wrapWriteErr converts space exhaustion into its typed error; reads never
// take this path.
func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if quillerr.IsNoSpace(err) {
		return quillerr.Wrap(quillerr.CodeNoSpaceLeftOnDevice, err)
	}
	return err
}
