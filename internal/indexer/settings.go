package indexer

import (
	"context"
	"encoding/json"
	"os"
	"reflect"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
)

// ApplySettings persists new settings and reindexes every stored document
// when the change affects the posting tables. Query-time settings (ranking
// rules, synonyms, displayed attributes, typo knobs) skip the reindex.
func ApplySettings(ctx context.Context, wtxn *kvenv.WriteTxn, idx *index.Index, updated *index.Settings, cfg Config) error {
	current, err := idx.Settings(&wtxn.ReadTxn)
	if err != nil {
		return err
	}
	if err := idx.PutSettings(wtxn, updated); err != nil {
		return err
	}
	if !needsReindex(current, updated) {
		return nil
	}
	return Reindex(ctx, wtxn, idx, cfg)
}

// needsReindex reports whether the settings change invalidates stored
// postings.
func needsReindex(old, updated *index.Settings) bool {
	return !reflect.DeepEqual(old.SearchableAttributes, updated.SearchableAttributes) ||
		!reflect.DeepEqual(old.FilterableAttributes, updated.FilterableAttributes) ||
		!reflect.DeepEqual(old.SortableAttributes, updated.SortableAttributes) ||
		!reflect.DeepEqual(old.StopWords, updated.StopWords) ||
		!reflect.DeepEqual(old.ExactAttributes, updated.ExactAttributes) ||
		old.DistinctAttribute != updated.DistinctAttribute
}

// Reindex rebuilds every posting table from the stored documents. Documents,
// external ids and the field-id map stay untouched.
func Reindex(ctx context.Context, wtxn *kvenv.WriteTxn, idx *index.Index, cfg Config) error {
	for _, table := range []string{
		index.TableWordDocids, index.TableExactWordDocids,
		index.TableWordFidDocids, index.TableWordPositionDocids,
		index.TableWordPairProximityDocids, index.TableFieldWordCountDocids,
		index.TableFacetF64Docids, index.TableFacetStringDocids,
		index.TableFacetExistsDocids, index.TableFacetIsNullDocids,
		index.TableFacetIsEmptyDocids, index.TableFieldDocidFacetF64,
		index.TableFieldDocidFacetString, index.TableWordPrefixDocids,
	} {
		if err := wtxn.Table(table).Clear(); err != nil {
			return err
		}
	}

	fields, err := idx.FieldIDMap(&wtxn.ReadTxn)
	if err != nil {
		return err
	}
	settings, err := idx.Settings(&wtxn.ReadTxn)
	if err != nil {
		return err
	}
	ex := newExtractor(fields, settings)
	scratch, err := os.MkdirTemp(cfg.ScratchDir, "quill-reindex-*")
	if err != nil {
		return quillerr.Internal(err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()
	sorter := newDeltaSorter(scratch, cfg.MaxInMemoryDeltas)

	// Snapshot the docid/record pairs before writing anything back.
	type stored struct {
		docid  uint32
		fields map[uint16]json.RawMessage
	}
	var docs []stored
	for it := wtxn.Table(index.TableDocuments).Range(nil, nil); it.Next(); {
		record, err := codec.DecodeRecord(it.Value())
		if err != nil {
			return err
		}
		docs = append(docs, stored{docid: codec.U32(it.Key()), fields: rawFields(record)})
	}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return quillerr.New(quillerr.CodeAbortedTask, "reindex aborted")
		}
		var arena []delta
		if err := ex.document(doc.docid, doc.fields, deltaAddition, &arena, nil); err != nil {
			return quillerr.Wrap(quillerr.CodeInvalidDocumentFields, err)
		}
		if err := sorter.push(arena); err != nil {
			return err
		}
	}

	applied, err := applyDeltas(wtxn, sorter)
	if err != nil {
		return err
	}
	return postProcess(wtxn, idx, applied, cfg)
}
