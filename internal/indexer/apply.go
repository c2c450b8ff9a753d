package indexer

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/vector"
	"github.com/quillsearch/quill/internal/wordfst"
)

// appliedChanges records which structures the apply phase touched, driving
// the post-processing rebuilds.
type appliedChanges struct {
	wordsChanged bool
	// facetDeltas maps (facet table, fid) to the level-0 bounds that
	// changed, feeding the incremental level build.
	facetF64Deltas    map[uint16][][]byte
	facetStringDeltas map[uint16][][]byte
}

// applyDeltas drains the sorter into the tables: for every (table, key) the
// new posting is (old ∪ additions) \ deletions; empty postings delete the
// key.
func applyDeltas(wtxn *kvenv.WriteTxn, sorter *deltaSorter) (*appliedChanges, error) {
	changes := &appliedChanges{
		facetF64Deltas:    make(map[uint16][][]byte),
		facetStringDeltas: make(map[uint16][][]byte),
	}

	err := sorter.drain(func(g groupedDelta) error {
		tbl := wtxn.Table(tableNames[g.table])

		switch g.table {
		case tblFieldDocidFacetF64, tblFieldDocidFacetString:
			// Reverse lookups have unit values: the docid lives in the key.
			if len(g.additions) > 0 {
				return tbl.Put(g.key, []byte{})
			}
			return tbl.Delete(g.key)

		case tblFacetF64Docids, tblFacetStringDocids:
			// Facet level-0 values carry the group header.
			old := roaring.New()
			if data := tbl.Get(g.key); data != nil {
				value, err := codec.DecodeFacetGroupValue(data)
				if err != nil {
					return err
				}
				old = value.Docids
			}
			updated := applySet(old, g)
			facetKey, err := codec.DecodeFacetKey(g.key)
			if err != nil {
				return err
			}
			bound := append([]byte(nil), facetKey.Bound...)
			if g.table == tblFacetF64Docids {
				changes.facetF64Deltas[facetKey.FieldID] = append(changes.facetF64Deltas[facetKey.FieldID], bound)
			} else {
				changes.facetStringDeltas[facetKey.FieldID] = append(changes.facetStringDeltas[facetKey.FieldID], bound)
			}
			if updated.IsEmpty() {
				return tbl.Delete(g.key)
			}
			value, err := codec.EncodeFacetGroupValue(codec.FacetGroupValue{Size: 1, Docids: updated})
			if err != nil {
				return err
			}
			return tbl.Put(g.key, value)

		default:
			old := roaring.New()
			if data := tbl.Get(g.key); data != nil {
				decoded, err := codec.DecodeBitmap(data)
				if err != nil {
					return err
				}
				old = decoded
			}
			updated := applySet(old, g)
			if g.table == tblWordDocids {
				changes.wordsChanged = true
			}
			if updated.IsEmpty() {
				return tbl.Delete(g.key)
			}
			data, err := codec.EncodeBitmap(updated)
			if err != nil {
				return err
			}
			return tbl.Put(g.key, data)
		}
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func applySet(old *roaring.Bitmap, g groupedDelta) *roaring.Bitmap {
	for _, docid := range g.additions {
		old.Add(docid)
	}
	for _, docid := range g.deletions {
		old.Remove(docid)
	}
	return old
}

// postProcess rebuilds the derived structures inside the same transaction:
// the words FST diff, the prefix cache, and the facet level trees of every
// touched field.
func postProcess(wtxn *kvenv.WriteTxn, idx *index.Index, changes *appliedChanges, cfg Config) error {
	if changes.wordsChanged {
		if err := wordfst.RebuildWordsFST(wtxn, index.TableWordDocids, index.TableMain, index.MainKeyWordsFST); err != nil {
			return err
		}
		if err := wordfst.RebuildPrefixCache(wtxn,
			index.TableWordDocids, index.TableWordPrefixDocids,
			index.TableMain, index.MainKeyWordsPrefixFST,
			wordfst.DefaultPrefixConfig()); err != nil {
			return err
		}
	}
	for fid, changed := range changes.facetF64Deltas {
		if err := facet.Update(wtxn, index.TableFacetF64Docids, fid, changed, cfg.FacetConfig); err != nil {
			return err
		}
	}
	for fid, changed := range changes.facetStringDeltas {
		if err := facet.Update(wtxn, index.TableFacetStringDocids, fid, changed, cfg.FacetConfig); err != nil {
			return err
		}
	}
	return nil
}

// storeDocument writes the column record, the external id mapping, and the
// geo/vector side tables of one indexed document.
func storeDocument(wtxn *kvenv.WriteTxn, idx *index.Index, item workItem, extra docExtra) error {
	record := make(map[uint16][]byte, len(item.newDoc))
	for fid, value := range item.newDoc {
		record[fid] = value
	}
	if err := wtxn.Table(index.TableDocuments).Put(codec.PutU32(nil, item.docid), codec.EncodeRecord(record)); err != nil {
		return err
	}
	if err := wtxn.Table(index.TableExternalIDs).Put([]byte(item.externalID), codec.PutU32(nil, item.docid)); err != nil {
		return err
	}

	geoKey := codec.PutU32(nil, item.docid)
	if extra.hasGeo {
		value := codec.PutU64(nil, math.Float64bits(extra.geo[0]))
		value = codec.PutU64(value, math.Float64bits(extra.geo[1]))
		if err := wtxn.Table(index.TableGeoPoints).Put(geoKey, value); err != nil {
			return err
		}
		if err := updateGeoFaceted(wtxn, idx, item.docid, true); err != nil {
			return err
		}
	} else {
		if err := wtxn.Table(index.TableGeoPoints).Delete(geoKey); err != nil {
			return err
		}
		if err := updateGeoFaceted(wtxn, idx, item.docid, false); err != nil {
			return err
		}
	}

	vecKey := codec.PutU32(nil, item.docid)
	if extra.vector != nil {
		return wtxn.Table(index.TableVectors).Put(vecKey, vector.EncodeVector(extra.vector))
	}
	return wtxn.Table(index.TableVectors).Delete(vecKey)
}

// removeDocument erases every per-document row outside the posting tables.
func removeDocument(wtxn *kvenv.WriteTxn, idx *index.Index, docid uint32, externalID string) error {
	if err := wtxn.Table(index.TableDocuments).Delete(codec.PutU32(nil, docid)); err != nil {
		return err
	}
	if err := wtxn.Table(index.TableExternalIDs).Delete([]byte(externalID)); err != nil {
		return err
	}
	if err := wtxn.Table(index.TableGeoPoints).Delete(codec.PutU32(nil, docid)); err != nil {
		return err
	}
	if err := updateGeoFaceted(wtxn, idx, docid, false); err != nil {
		return err
	}
	return wtxn.Table(index.TableVectors).Delete(codec.PutU32(nil, docid))
}

func updateGeoFaceted(wtxn *kvenv.WriteTxn, idx *index.Index, docid uint32, present bool) error {
	geo, err := idx.GeoFacetedIDs(&wtxn.ReadTxn)
	if err != nil {
		return err
	}
	if present {
		geo.Add(docid)
	} else {
		if !geo.Contains(docid) {
			return nil
		}
		geo.Remove(docid)
	}
	data, err := codec.EncodeBitmap(geo)
	if err != nil {
		return err
	}
	return wtxn.Table(index.TableMain).Put([]byte(index.MainKeyGeoFacetedIDs), data)
}

// clearAllDocuments wipes every table of the index but keeps the settings,
// the primary key and the field-id map.
func clearAllDocuments(wtxn *kvenv.WriteTxn, idx *index.Index) error {
	for _, table := range []string{
		index.TableDocuments, index.TableExternalIDs,
		index.TableWordDocids, index.TableExactWordDocids,
		index.TableWordFidDocids, index.TableWordPositionDocids,
		index.TableWordPairProximityDocids, index.TableFieldWordCountDocids,
		index.TableFacetF64Docids, index.TableFacetStringDocids,
		index.TableFacetExistsDocids, index.TableFacetIsNullDocids,
		index.TableFacetIsEmptyDocids, index.TableFieldDocidFacetF64,
		index.TableFieldDocidFacetString, index.TableWordPrefixDocids,
		index.TableGeoPoints, index.TableVectors,
	} {
		if err := wtxn.Table(table).Clear(); err != nil {
			return err
		}
	}
	main := wtxn.Table(index.TableMain)
	for _, key := range []string{
		index.MainKeyWordsFST, index.MainKeyWordsPrefixFST,
		index.MainKeyDocumentsIDs, index.MainKeyGeoFacetedIDs,
	} {
		if err := main.Delete([]byte(key)); err != nil {
			return err
		}
	}
	return nil
}
