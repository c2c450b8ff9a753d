package indexer

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/documents"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
	"github.com/quillsearch/quill/internal/vector"
)

// OpKind is one document operation kind.
type OpKind uint8

const (
	// OpReplace inserts documents, fully replacing any stored version.
	OpReplace OpKind = iota
	// OpUpdate merges documents field-wise into any stored version.
	OpUpdate
	// OpDelete removes documents by external id.
	OpDelete
	// OpClear removes every document.
	OpClear
)

// Operation is one entry of a batch.
type Operation struct {
	Kind OpKind
	// Documents is set for OpReplace and OpUpdate.
	Documents []documents.Raw
	// ExternalIDs is set for OpDelete.
	ExternalIDs []string
}

// Config tunes the pipeline.
type Config struct {
	// Workers bounds the extraction pool. Zero means GOMAXPROCS.
	Workers int
	// ScratchDir hosts spill files. Empty means the OS temp dir.
	ScratchDir string
	// MaxInMemoryDeltas bounds the sorter buffer.
	MaxInMemoryDeltas int
	// Embedder, when set, embeds documents lacking an explicit _vectors
	// field.
	Embedder vector.Embedder
	// EmbedChunkSize bounds one embedder call.
	EmbedChunkSize int
	// FacetConfig shapes the facet level trees.
	FacetConfig facet.Config
}

// Stats reports what a batch changed.
type Stats struct {
	IndexedDocuments uint64
	DeletedDocuments uint64
}

// resolvedDoc is the final outcome for one external id within a batch.
type resolvedDoc struct {
	externalID string
	// fields is nil for a pure deletion.
	fields documents.Raw
	// update marks a field-wise merge with the stored version.
	update bool
	// deleted marks removal.
	deleted bool
}

// IndexDocuments runs a batch of document operations inside wtxn. Later
// operations win over earlier ones for the same external id; deleting an
// unknown id is a no-op. Partial progress never escapes the transaction.
func IndexDocuments(ctx context.Context, wtxn *kvenv.WriteTxn, idx *index.Index, ops []Operation, cfg Config) (*Stats, error) {
	fields, err := idx.FieldIDMap(&wtxn.ReadTxn)
	if err != nil {
		return nil, err
	}
	settings, err := idx.Settings(&wtxn.ReadTxn)
	if err != nil {
		return nil, err
	}
	docids, err := idx.DocumentIDs(&wtxn.ReadTxn)
	if err != nil {
		return nil, err
	}

	// Clear is position-sensitive: everything enqueued before it vanishes.
	lastClear := -1
	for i, op := range ops {
		if op.Kind == OpClear {
			lastClear = i
		}
	}
	if lastClear >= 0 {
		if err := clearAllDocuments(wtxn, idx); err != nil {
			return nil, err
		}
		ops = ops[lastClear+1:]
		docids = roaring.New()
	}

	// Plan: resolve the primary key and collapse operations per external id.
	primaryKey := idx.PrimaryKey(&wtxn.ReadTxn)
	if primaryKey == "" {
		primaryKey = inferFromOps(ops)
		if primaryKey == "" && hasAdditions(ops) {
			return nil, quillerr.New(quillerr.CodePrimaryKeyInferenceFailed,
				"cannot infer a primary key from the batch")
		}
		if primaryKey != "" {
			if err := idx.PutPrimaryKey(wtxn, primaryKey); err != nil {
				return nil, err
			}
		}
	}

	resolved, order, err := collapseOps(ops, primaryKey)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	ex := newExtractor(fields, settings)
	scratch, err := os.MkdirTemp(cfg.ScratchDir, "quill-indexing-*")
	if err != nil {
		return nil, quillerr.Internal(err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()
	sorter := newDeltaSorter(scratch, cfg.MaxInMemoryDeltas)

	// Assign docids and stage per-document work items single-threaded; the
	// field-id map mutates here and is read-only afterwards.
	var work []workItem

	for _, externalID := range order {
		doc := resolved[externalID]
		existing, known := idx.ExternalID(&wtxn.ReadTxn, externalID)

		if doc.deleted {
			if !known {
				continue // deleting an unknown id is a no-op
			}
			record, err := idx.Document(&wtxn.ReadTxn, existing)
			if err != nil {
				return nil, err
			}
			oldDoc, err := codec.DecodeRecord(record)
			if err != nil {
				return nil, err
			}
			work = append(work, workItem{docid: existing, externalID: externalID, oldDoc: rawFields(oldDoc)})
			docids.Remove(existing)
			stats.DeletedDocuments++
			continue
		}

		newFields := doc.fields
		var oldDoc map[uint16]json.RawMessage
		var docid uint32
		if known {
			docid = existing
			record, err := idx.Document(&wtxn.ReadTxn, existing)
			if err != nil {
				return nil, err
			}
			decoded, err := codec.DecodeRecord(record)
			if err != nil {
				return nil, err
			}
			oldDoc = rawFields(decoded)
			if doc.update {
				newFields = mergeDocs(fields, oldDoc, newFields)
			}
		} else {
			docid, err = index.AvailableDocumentID(docids)
			if err != nil {
				return nil, quillerr.Internal(err)
			}
			docids.Add(docid)
		}

		encoded := make(map[uint16]json.RawMessage, len(newFields))
		for name, value := range newFields {
			fid, err := fields.IDFor(name)
			if err != nil {
				return nil, err
			}
			encoded[fid] = value
		}
		work = append(work, workItem{docid: docid, externalID: externalID, oldDoc: oldDoc, newDoc: encoded})
		stats.IndexedDocuments++
	}

	// Extract in parallel: each worker owns an arena of deltas flushed under
	// a shared lock.
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	extras := make([]docExtra, len(work))
	var sorterMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range work {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return quillerr.New(quillerr.CodeAbortedTask, "indexing aborted")
			}
			item := work[i]
			var arena []delta
			if item.oldDoc != nil {
				if err := ex.document(item.docid, item.oldDoc, deltaDeletion, &arena, nil); err != nil {
					return quillerr.Wrap(quillerr.CodeInvalidDocumentFields, err)
				}
			}
			if item.newDoc != nil {
				if err := ex.document(item.docid, item.newDoc, deltaAddition, &arena, &extras[i]); err != nil {
					return quillerr.Wrap(quillerr.CodeInvalidDocumentFields, err)
				}
			}
			sorterMu.Lock()
			defer sorterMu.Unlock()
			return sorter.push(arena)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Embed documents that provided no explicit vector.
	if cfg.Embedder != nil {
		if err := embedMissing(ctx, cfg, work, extras); err != nil {
			return nil, err
		}
	}

	// Apply: single writer drains the merged delta stream.
	applied, err := applyDeltas(wtxn, sorter)
	if err != nil {
		return nil, err
	}

	// Store documents, external ids, geo points and vectors.
	for i, item := range work {
		if item.newDoc == nil {
			if err := removeDocument(wtxn, idx, item.docid, item.externalID); err != nil {
				return nil, err
			}
			continue
		}
		if err := storeDocument(wtxn, idx, item, extras[i]); err != nil {
			return nil, err
		}
	}

	if err := idx.PutDocumentIDs(wtxn, docids); err != nil {
		return nil, err
	}
	if err := idx.PutFieldIDMap(wtxn, fields); err != nil {
		return nil, err
	}

	// Post-process: words FST, prefix cache, facet levels.
	if err := postProcess(wtxn, idx, applied, cfg); err != nil {
		return nil, err
	}
	if err := idx.TouchUpdatedAt(wtxn); err != nil {
		return nil, err
	}

	slog.Debug("batch_indexed",
		slog.String("index", idx.UID),
		slog.Uint64("indexed", stats.IndexedDocuments),
		slog.Uint64("deleted", stats.DeletedDocuments))
	return stats, nil
}

// workItem is one document's staged extraction input.
type workItem struct {
	docid      uint32
	externalID string
	oldDoc     map[uint16]json.RawMessage // nil when new
	newDoc     map[uint16]json.RawMessage // nil when deleting
}

func hasAdditions(ops []Operation) bool {
	for _, op := range ops {
		if op.Kind == OpReplace || op.Kind == OpUpdate {
			return true
		}
	}
	return false
}

func inferFromOps(ops []Operation) string {
	for _, op := range ops {
		if (op.Kind == OpReplace || op.Kind == OpUpdate) && len(op.Documents) > 0 {
			if pk, err := documents.InferPrimaryKey(op.Documents[0]); err == nil {
				return pk
			}
			return ""
		}
	}
	return ""
}

// collapseOps folds a batch into one final outcome per external id, keeping
// first-touch order for determinism.
func collapseOps(ops []Operation, primaryKey string) (map[string]resolvedDoc, []string, error) {
	resolved := make(map[string]resolvedDoc)
	var order []string
	touch := func(id string) {
		if _, ok := resolved[id]; !ok {
			order = append(order, id)
		}
	}
	for _, op := range ops {
		switch op.Kind {
		case OpReplace, OpUpdate:
			for _, doc := range op.Documents {
				externalID, err := documents.ExternalID(doc, primaryKey)
				if err != nil {
					return nil, nil, err
				}
				touch(externalID)
				prev := resolved[externalID]
				if op.Kind == OpUpdate && !prev.deleted && prev.fields != nil {
					// Merge onto the earlier in-batch version.
					merged := make(documents.Raw, len(prev.fields)+len(doc))
					for k, v := range prev.fields {
						merged[k] = v
					}
					for k, v := range doc {
						merged[k] = v
					}
					resolved[externalID] = resolvedDoc{externalID: externalID, fields: merged, update: prev.update}
					continue
				}
				resolved[externalID] = resolvedDoc{
					externalID: externalID,
					fields:     doc,
					update:     op.Kind == OpUpdate && prev.fields == nil && !prev.deleted,
				}
			}
		case OpDelete:
			for _, id := range op.ExternalIDs {
				touch(id)
				resolved[id] = resolvedDoc{externalID: id, deleted: true}
			}
		}
	}
	return resolved, order, nil
}

// mergeDocs overlays update fields onto the stored document.
func mergeDocs(fields *index.FieldIDMap, oldDoc map[uint16]json.RawMessage, update documents.Raw) documents.Raw {
	merged := make(documents.Raw, len(oldDoc)+len(update))
	for fid, value := range oldDoc {
		if name, ok := fields.Name(fid); ok {
			merged[name] = value
		}
	}
	for name, value := range update {
		merged[name] = value
	}
	return merged
}

func rawFields(decoded map[uint16][]byte) map[uint16]json.RawMessage {
	out := make(map[uint16]json.RawMessage, len(decoded))
	for fid, value := range decoded {
		out[fid] = json.RawMessage(value)
	}
	return out
}

// embedMissing batches embedder calls for documents without vectors.
func embedMissing(ctx context.Context, cfg Config, work []workItem, extras []docExtra) error {
	var texts []string
	var targets []int
	for i := range work {
		if work[i].newDoc != nil && extras[i].vector == nil && extras[i].embedText != "" {
			texts = append(texts, extras[i].embedText)
			targets = append(targets, i)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	vectors, err := vector.EmbedInChunks(ctx, cfg.Embedder, texts, cfg.EmbedChunkSize)
	if err != nil {
		return err
	}
	for i, target := range targets {
		extras[target].vector = vectors[i]
	}
	return nil
}
