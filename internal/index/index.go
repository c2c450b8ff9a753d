package index

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
)

// uidPattern bounds index UIDs to filesystem-safe names.
var uidPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,400}$`)

// ValidateUID rejects UIDs that cannot name an environment directory.
func ValidateUID(uid string) error {
	if !uidPattern.MatchString(uid) {
		return quillerr.New(quillerr.CodeInvalidIndexUID,
			"invalid index uid %q, expected [A-Za-z0-9_-]{1,400}", uid)
	}
	return nil
}

// Index is one search index: an environment plus typed accessors over its
// tables. It is safe for concurrent readers; writes are serialised by the
// scheduler.
type Index struct {
	UID string
	env *kvenv.Env
}

// Open opens (or creates) the index environment under dir.
func Open(dir, uid string, opts kvenv.Options) (*Index, error) {
	if err := ValidateUID(uid); err != nil {
		return nil, err
	}
	env, err := kvenv.Open(filepath.Join(dir, "data.mdb"), opts, AllTables...)
	if err != nil {
		return nil, err
	}
	idx := &Index{UID: uid, env: env}
	err = env.Update(func(wtxn *kvenv.WriteTxn) error {
		main := wtxn.Table(TableMain)
		if main.Get([]byte(MainKeyCreatedAt)) == nil {
			now, _ := time.Now().UTC().MarshalText()
			if err := main.Put([]byte(MainKeyCreatedAt), now); err != nil {
				return err
			}
			return main.Put([]byte(MainKeyUpdatedAt), now)
		}
		return nil
	})
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	return idx, nil
}

// Env exposes the underlying environment for transaction control.
func (i *Index) Env() *kvenv.Env { return i.env }

// Close closes the environment.
func (i *Index) Close() error { return i.env.Close() }

// FieldIDMap loads the field-id map from the snapshot.
func (i *Index) FieldIDMap(rtxn *kvenv.ReadTxn) (*FieldIDMap, error) {
	m := NewFieldIDMap()
	data := rtxn.Table(TableMain).Get([]byte(MainKeyFieldsIDsMap))
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode fields-ids-map: %w", err)
	}
	return m, nil
}

// PutFieldIDMap persists the field-id map.
func (i *Index) PutFieldIDMap(wtxn *kvenv.WriteTxn, m *FieldIDMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return wtxn.Table(TableMain).Put([]byte(MainKeyFieldsIDsMap), data)
}

// Settings loads the settings snapshot.
func (i *Index) Settings(rtxn *kvenv.ReadTxn) (*Settings, error) {
	return DecodeSettings(rtxn.Table(TableMain).Get([]byte(MainKeySettings)))
}

// PutSettings persists the settings snapshot and bumps updated-at.
func (i *Index) PutSettings(wtxn *kvenv.WriteTxn, s *Settings) error {
	data, err := EncodeSettings(s)
	if err != nil {
		return err
	}
	if err := wtxn.Table(TableMain).Put([]byte(MainKeySettings), data); err != nil {
		return err
	}
	return i.TouchUpdatedAt(wtxn)
}

// PrimaryKey returns the configured primary key name, or "".
func (i *Index) PrimaryKey(rtxn *kvenv.ReadTxn) string {
	return string(rtxn.Table(TableMain).Get([]byte(MainKeyPrimaryKey)))
}

// PutPrimaryKey stores the primary key name.
func (i *Index) PutPrimaryKey(wtxn *kvenv.WriteTxn, name string) error {
	return wtxn.Table(TableMain).Put([]byte(MainKeyPrimaryKey), []byte(name))
}

// TouchUpdatedAt bumps the updated-at timestamp.
func (i *Index) TouchUpdatedAt(wtxn *kvenv.WriteTxn) error {
	now, _ := time.Now().UTC().MarshalText()
	return wtxn.Table(TableMain).Put([]byte(MainKeyUpdatedAt), now)
}

// CreatedAt returns the index creation time.
func (i *Index) CreatedAt(rtxn *kvenv.ReadTxn) (time.Time, error) {
	var ts time.Time
	err := ts.UnmarshalText(rtxn.Table(TableMain).Get([]byte(MainKeyCreatedAt)))
	return ts, err
}

// UpdatedAt returns the last write time.
func (i *Index) UpdatedAt(rtxn *kvenv.ReadTxn) (time.Time, error) {
	var ts time.Time
	err := ts.UnmarshalText(rtxn.Table(TableMain).Get([]byte(MainKeyUpdatedAt)))
	return ts, err
}

// DocumentIDs returns the bitmap of live document ids.
func (i *Index) DocumentIDs(rtxn *kvenv.ReadTxn) (*roaring.Bitmap, error) {
	return codec.DecodeBitmap(rtxn.Table(TableMain).Get([]byte(MainKeyDocumentsIDs)))
}

// PutDocumentIDs persists the live document id bitmap. An empty set removes
// the key so an index emptied by deletions matches a never-written one.
func (i *Index) PutDocumentIDs(wtxn *kvenv.WriteTxn, ids *roaring.Bitmap) error {
	if ids.IsEmpty() {
		return wtxn.Table(TableMain).Delete([]byte(MainKeyDocumentsIDs))
	}
	data, err := codec.EncodeBitmap(ids)
	if err != nil {
		return err
	}
	return wtxn.Table(TableMain).Put([]byte(MainKeyDocumentsIDs), data)
}

// NumberOfDocuments returns the live document count.
func (i *Index) NumberOfDocuments(rtxn *kvenv.ReadTxn) (uint64, error) {
	ids, err := i.DocumentIDs(rtxn)
	if err != nil {
		return 0, err
	}
	return ids.GetCardinality(), nil
}

// AvailableDocumentID returns the smallest unused docid. Ids freed by
// deletion are reused.
func AvailableDocumentID(used *roaring.Bitmap) (uint32, error) {
	// The complement of `used` starts at the first gap.
	var candidate uint32
	it := used.Iterator()
	for it.HasNext() {
		id := it.Next()
		if id != candidate {
			return candidate, nil
		}
		if candidate == ^uint32(0) {
			return 0, fmt.Errorf("document id space exhausted")
		}
		candidate++
	}
	return candidate, nil
}

// ExternalID resolves an external id to its docid.
func (i *Index) ExternalID(rtxn *kvenv.ReadTxn, externalID string) (uint32, bool) {
	data := rtxn.Table(TableExternalIDs).Get([]byte(externalID))
	if len(data) != 4 {
		return 0, false
	}
	return codec.U32(data), true
}

// Document returns the raw column record of a docid.
func (i *Index) Document(rtxn *kvenv.ReadTxn, docid uint32) ([]byte, error) {
	data := rtxn.Table(TableDocuments).Get(codec.PutU32(nil, docid))
	if data == nil {
		return nil, quillerr.New(quillerr.CodeDocumentNotFound, "document %d not found", docid)
	}
	return data, nil
}

// DocumentFields decodes a document into field name → raw JSON.
func (i *Index) DocumentFields(rtxn *kvenv.ReadTxn, docid uint32, fields *FieldIDMap) (map[string]json.RawMessage, error) {
	record, err := i.Document(rtxn, docid)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]json.RawMessage)
	err = codec.IterRecord(record, func(fid uint16, value []byte) error {
		name, ok := fields.Name(fid)
		if !ok {
			return fmt.Errorf("unknown field id %d in document %d", fid, docid)
		}
		doc[name] = append(json.RawMessage(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// BrowseDocuments returns up to limit documents starting at offset, in
// docid order, as field name → raw JSON maps.
func (i *Index) BrowseDocuments(rtxn *kvenv.ReadTxn, offset, limit int, fields *FieldIDMap) ([]map[string]json.RawMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []map[string]json.RawMessage
	skipped := 0
	for it := rtxn.Table(TableDocuments).Range(nil, nil); it.Next() && len(out) < limit; {
		if skipped < offset {
			skipped++
			continue
		}
		doc := make(map[string]json.RawMessage)
		err := codec.IterRecord(it.Value(), func(fid uint16, value []byte) error {
			if name, ok := fields.Name(fid); ok {
				doc[name] = append(json.RawMessage(nil), value...)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// WordDocids returns the posting of one word, or an empty set.
func (i *Index) WordDocids(rtxn *kvenv.ReadTxn, word string) (*roaring.Bitmap, error) {
	return codec.DecodeBitmap(rtxn.Table(TableWordDocids).Get([]byte(word)))
}

// WordsFST returns the serialised words FST, or nil when no word is indexed.
func (i *Index) WordsFST(rtxn *kvenv.ReadTxn) []byte {
	return rtxn.Table(TableMain).Get([]byte(MainKeyWordsFST))
}

// PutWordsFST stores the serialised words FST.
func (i *Index) PutWordsFST(wtxn *kvenv.WriteTxn, fst []byte) error {
	return wtxn.Table(TableMain).Put([]byte(MainKeyWordsFST), fst)
}

// GeoFacetedIDs returns the docids carrying a _geo point.
func (i *Index) GeoFacetedIDs(rtxn *kvenv.ReadTxn) (*roaring.Bitmap, error) {
	return codec.DecodeBitmap(rtxn.Table(TableMain).Get([]byte(MainKeyGeoFacetedIDs)))
}

// FieldDistribution counts, per field name, how many documents carry the
// field. Computed by scanning documents; used by index stats.
func (i *Index) FieldDistribution(rtxn *kvenv.ReadTxn) (map[string]uint64, error) {
	fields, err := i.FieldIDMap(rtxn)
	if err != nil {
		return nil, err
	}
	dist := make(map[string]uint64)
	for it := rtxn.Table(TableDocuments).Range(nil, nil); it.Next(); {
		err := codec.IterRecord(it.Value(), func(fid uint16, _ []byte) error {
			if name, ok := fields.Name(fid); ok {
				dist[name]++
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return dist, nil
}
