// Package dump produces the two point-in-time exports: the logical dump
// (metadata, settings and documents as JSONL, plus the task and batch
// queues) and the raw snapshot (an uncompacted copy of every environment).
package dump

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/vector"
)

// IndexLister gives the dump access to every index without binding this
// package to the scheduler.
type IndexLister interface {
	UIDs() ([]string, error)
	Get(uid string) (*index.Index, error)
}

// TaskRecord and BatchRecord wrap queue entries for the archive; the dump
// does not interpret them.
type TaskRecord struct {
	UID   uint32
	Value any
}

type BatchRecord struct {
	UID   uint32
	Value any
}

// Params configures a logical dump.
type Params struct {
	Destination string
	Registry    IndexLister
	Tasks       []TaskRecord
	Batches     []BatchRecord
}

// dumpVersion tags the archive layout.
const dumpVersion = "V1"

// CreateDump writes <destination>/<timestamp>.dump (a tar.gz) and returns
// its path. The file appears atomically via rename.
func CreateDump(p Params) (string, error) {
	if err := os.MkdirAll(p.Destination, 0o755); err != nil {
		return "", err
	}
	stamp := time.Now().UTC().Format("20060102-150405.000")
	finalPath := filepath.Join(p.Destination, stamp+".dump")
	tmpPath := filepath.Join(p.Destination, "."+uuid.NewString()+".dump.tmp")

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	meta := map[string]string{
		"dumpVersion": dumpVersion,
		"dumpedAt":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := writeJSONEntry(tw, "metadata.json", meta); err != nil {
		return "", err
	}

	if err := writeQueue(tw, "tasks/queue.jsonl", tasksAny(p.Tasks)); err != nil {
		return "", err
	}
	if err := writeQueue(tw, "batches/queue.jsonl", batchesAny(p.Batches)); err != nil {
		return "", err
	}

	uids, err := p.Registry.UIDs()
	if err != nil {
		return "", err
	}
	for _, uid := range uids {
		idx, err := p.Registry.Get(uid)
		if err != nil {
			return "", err
		}
		if err := dumpIndex(tw, idx); err != nil {
			return "", fmt.Errorf("dump index %s: %w", uid, err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := f.Sync(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

func tasksAny(records []TaskRecord) []any {
	out := make([]any, 0, len(records))
	for _, r := range records {
		out = append(out, r.Value)
	}
	return out
}

func batchesAny(records []BatchRecord) []any {
	out := make([]any, 0, len(records))
	for _, r := range records {
		out = append(out, r.Value)
	}
	return out
}

// dumpIndex writes one index's metadata, settings and documents stream.
func dumpIndex(tw *tar.Writer, idx *index.Index) error {
	rtxn, err := idx.Env().BeginRead()
	if err != nil {
		return err
	}
	defer rtxn.Close()

	settings, err := idx.Settings(rtxn)
	if err != nil {
		return err
	}
	createdAt, _ := idx.CreatedAt(rtxn)
	updatedAt, _ := idx.UpdatedAt(rtxn)
	meta := map[string]any{
		"uid":        idx.UID,
		"primaryKey": idx.PrimaryKey(rtxn),
		"createdAt":  createdAt,
		"updatedAt":  updatedAt,
	}
	base := "indexes/" + idx.UID
	if err := writeJSONEntry(tw, base+"/metadata.json", meta); err != nil {
		return err
	}
	if err := writeJSONEntry(tw, base+"/settings.json", settings); err != nil {
		return err
	}

	fields, err := idx.FieldIDMap(rtxn)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	docids, err := idx.DocumentIDs(rtxn)
	if err != nil {
		return err
	}
	it := docids.Iterator()
	for it.HasNext() {
		docid := it.Next()
		doc, err := idx.DocumentFields(rtxn, docid, fields)
		if err != nil {
			return err
		}
		// Materialise stored vectors under _vectors.
		if data := rtxn.Table(index.TableVectors).Get(codec.PutU32(nil, docid)); data != nil {
			vec, err := vector.DecodeVector(data)
			if err != nil {
				return err
			}
			encoded, err := json.Marshal(vec)
			if err != nil {
				return err
			}
			doc["_vectors"] = encoded
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	return writeRawEntry(tw, base+"/documents.jsonl", buf.Bytes())
}

// writeQueue writes one JSONL stream of queue records.
func writeQueue(tw *tar.Writer, name string, records []any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return writeRawEntry(tw, name, buf.Bytes())
}

func writeJSONEntry(tw *tar.Writer, name string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return writeRawEntry(tw, name, data)
}

func writeRawEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// SnapshotParams configures a raw snapshot.
type SnapshotParams struct {
	Destination string
	TaskEnv     *kvenv.Env
	Registry    IndexLister
}

// CreateSnapshot copies every environment file, uncompacted, into a tar.gz;
// the archive appears atomically via rename.
func CreateSnapshot(p SnapshotParams) (string, error) {
	if err := os.MkdirAll(p.Destination, 0o755); err != nil {
		return "", err
	}
	stamp := time.Now().UTC().Format("20060102-150405.000")
	finalPath := filepath.Join(p.Destination, stamp+".snapshot.tar.gz")
	tmpPath := filepath.Join(p.Destination, "."+uuid.NewString()+".snapshot.tmp")

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	if p.TaskEnv != nil {
		if err := snapshotEnv(tw, "tasks/tasks.mdb", p.TaskEnv); err != nil {
			return "", err
		}
	}
	uids, err := p.Registry.UIDs()
	if err != nil {
		return "", err
	}
	for _, uid := range uids {
		idx, err := p.Registry.Get(uid)
		if err != nil {
			return "", err
		}
		if err := snapshotEnv(tw, "indexes/"+uid+"/data.mdb", idx.Env()); err != nil {
			return "", err
		}
	}

	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := f.Sync(); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

// snapshotEnv streams one environment's consistent copy into the archive.
// Tar needs the size up front, so the copy stages through a temp file.
func snapshotEnv(tw *tar.Writer, name string, env *kvenv.Env) error {
	tmp, err := os.CreateTemp("", "quill-snapshot-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	size, err := env.CopyTo(tmp)
	if err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o600,
		Size:    size,
		ModTime: time.Now().UTC(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, tmp)
	return err
}
