package scheduler

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
)

// IndexRegistry opens, creates and destroys index environments under
// <dataDir>/indexes/<uid>/. The scheduler is its only writer; request
// threads use it read-only.
type IndexRegistry struct {
	dir string

	mu     sync.RWMutex
	opened map[string]*index.Index
}

// NewIndexRegistry creates a registry rooted at dir.
func NewIndexRegistry(dir string) (*IndexRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &IndexRegistry{dir: dir, opened: make(map[string]*index.Index)}, nil
}

func (r *IndexRegistry) path(uid string) string {
	return filepath.Join(r.dir, uid)
}

// Exists reports whether an index environment is on disk.
func (r *IndexRegistry) Exists(uid string) bool {
	_, err := os.Stat(r.path(uid))
	return err == nil
}

// UIDs lists every index on disk, sorted.
func (r *IndexRegistry) UIDs() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var uids []string
	for _, e := range entries {
		if e.IsDir() {
			uids = append(uids, e.Name())
		}
	}
	return uids, nil
}

// Get opens (or returns the cached) index. Fails when absent.
func (r *IndexRegistry) Get(uid string) (*index.Index, error) {
	r.mu.RLock()
	idx, ok := r.opened[uid]
	r.mu.RUnlock()
	if ok {
		return idx, nil
	}
	if !r.Exists(uid) {
		return nil, quillerr.New(quillerr.CodeIndexNotFound, "index %q not found", uid)
	}
	return r.open(uid)
}

// GetOrCreate opens the index, creating its environment on first use.
func (r *IndexRegistry) GetOrCreate(uid string) (*index.Index, error) {
	r.mu.RLock()
	idx, ok := r.opened[uid]
	r.mu.RUnlock()
	if ok {
		return idx, nil
	}
	if err := index.ValidateUID(uid); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.path(uid), 0o755); err != nil {
		return nil, quillerr.Internal(err)
	}
	return r.open(uid)
}

// Create makes a new index, failing when it already exists.
func (r *IndexRegistry) Create(uid string) (*index.Index, error) {
	if r.Exists(uid) {
		return nil, quillerr.New(quillerr.CodeIndexAlreadyExists, "index %q already exists", uid)
	}
	return r.GetOrCreate(uid)
}

func (r *IndexRegistry) open(uid string) (*index.Index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.opened[uid]; ok {
		return idx, nil
	}
	idx, err := index.Open(r.path(uid), uid, kvenv.Options{})
	if err != nil {
		return nil, err
	}
	r.opened[uid] = idx
	return idx, nil
}

// Delete closes and removes an index environment atomically: the directory
// is renamed aside before the files are unlinked.
func (r *IndexRegistry) Delete(uid string) error {
	r.mu.Lock()
	if idx, ok := r.opened[uid]; ok {
		_ = idx.Close()
		delete(r.opened, uid)
	}
	r.mu.Unlock()

	if !r.Exists(uid) {
		return quillerr.New(quillerr.CodeIndexNotFound, "index %q not found", uid)
	}
	trash := r.path(uid) + ".deleting"
	if err := os.Rename(r.path(uid), trash); err != nil {
		return quillerr.Internal(err)
	}
	return os.RemoveAll(trash)
}

// Swap exchanges two index environments by renaming their directories.
// Both must exist.
func (r *IndexRegistry) Swap(a, b string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uid := range []string{a, b} {
		if idx, ok := r.opened[uid]; ok {
			_ = idx.Close()
			delete(r.opened, uid)
		}
		if _, err := os.Stat(r.path(uid)); err != nil {
			return quillerr.New(quillerr.CodeIndexNotFound, "index %q not found", uid)
		}
	}
	tmp := r.path(a) + ".swapping"
	if err := os.Rename(r.path(a), tmp); err != nil {
		return quillerr.Internal(err)
	}
	if err := os.Rename(r.path(b), r.path(a)); err != nil {
		return quillerr.Internal(err)
	}
	if err := os.Rename(tmp, r.path(b)); err != nil {
		return quillerr.Internal(err)
	}
	return nil
}

// Close closes every opened index.
func (r *IndexRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, idx := range r.opened {
		_ = idx.Close()
		delete(r.opened, uid)
	}
}
