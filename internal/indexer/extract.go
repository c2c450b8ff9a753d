// Package indexer turns batches of document operations into coordinated
// table updates: extraction fans out across a worker pool, per-key deltas
// merge into sorted runs, and a single writer applies them inside one
// transaction before the FST, prefix and facet structures are rebuilt.
package indexer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/tokenizer"
)

// proximityWindow is the largest stored pair distance.
const proximityWindow = 8

// maxStoredWordCount caps the field-id-word-count postings; longer fields
// skip the exact-attribute entry.
const maxStoredWordCount = 30

// deltaKind tells additions from deletions.
type deltaKind uint8

const (
	deltaAddition deltaKind = iota
	deltaDeletion
)

// tableID compactly names a posting table inside delta entries.
type tableID uint8

const (
	tblWordDocids tableID = iota
	tblExactWordDocids
	tblWordFidDocids
	tblWordPositionDocids
	tblWordPairProximityDocids
	tblFieldWordCountDocids
	tblFacetF64Docids
	tblFacetStringDocids
	tblFacetExistsDocids
	tblFacetIsNullDocids
	tblFacetIsEmptyDocids
	tblFieldDocidFacetF64
	tblFieldDocidFacetString
	tableIDCount
)

// tableNames maps ids back to environment table names.
var tableNames = [tableIDCount]string{
	tblWordDocids:              index.TableWordDocids,
	tblExactWordDocids:         index.TableExactWordDocids,
	tblWordFidDocids:           index.TableWordFidDocids,
	tblWordPositionDocids:      index.TableWordPositionDocids,
	tblWordPairProximityDocids: index.TableWordPairProximityDocids,
	tblFieldWordCountDocids:    index.TableFieldWordCountDocids,
	tblFacetF64Docids:          index.TableFacetF64Docids,
	tblFacetStringDocids:       index.TableFacetStringDocids,
	tblFacetExistsDocids:       index.TableFacetExistsDocids,
	tblFacetIsNullDocids:       index.TableFacetIsNullDocids,
	tblFacetIsEmptyDocids:      index.TableFacetIsEmptyDocids,
	tblFieldDocidFacetF64:      index.TableFieldDocidFacetF64,
	tblFieldDocidFacetString:   index.TableFieldDocidFacetString,
}

// delta is one (table, key, docid, kind) entry emitted by extraction.
type delta struct {
	table tableID
	key   []byte
	docid uint32
	kind  deltaKind
}

// docExtra carries per-document side outputs that bypass the delta tables.
type docExtra struct {
	// geo is the parsed _geo point, when present.
	geo    *[2]float64
	hasGeo bool
	// vector is the parsed or embedded _vectors value, when present.
	vector []float32
	// embedText collects searchable text for embedding when no explicit
	// vector was provided.
	embedText string
}

// extractor walks one document and emits deltas into a thread-local cache.
type extractor struct {
	fields   *index.FieldIDMap
	settings *index.Settings
	stop     map[string]struct{}
}

func newExtractor(fields *index.FieldIDMap, settings *index.Settings) *extractor {
	return &extractor{
		fields:   fields,
		settings: settings,
		stop:     settings.StopWordSet(),
	}
}

// document extracts every delta of one document. kind selects additions
// (indexing) or deletions (removing a stored document).
func (ex *extractor) document(docid uint32, doc map[uint16]json.RawMessage, kind deltaKind, out *[]delta, extra *docExtra) error {
	for fid, raw := range doc {
		name, ok := ex.fields.Name(fid)
		if !ok {
			return fmt.Errorf("unknown field id %d", fid)
		}
		switch name {
		case "_geo":
			if err := ex.extractGeo(raw, extra); err != nil {
				return err
			}
			continue
		case "_vectors":
			if err := ex.extractVector(raw, extra); err != nil {
				return err
			}
			continue
		}

		if _, searchable := ex.settings.IsSearchable(name); searchable {
			ex.extractText(docid, fid, name, raw, kind, out, extra)
		}
		if ex.settings.IsFilterable(name) || ex.settings.IsSortable(name) || ex.settings.DistinctAttribute == name {
			if err := ex.extractFacets(docid, fid, raw, kind, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// extractText tokenises one field and emits the word postings.
func (ex *extractor) extractText(docid uint32, fid uint16, name string, raw json.RawMessage, kind deltaKind, out *[]delta, extra *docExtra) {
	text := textOf(raw)
	if text == "" {
		return
	}
	if extra != nil && kind == deltaAddition {
		if extra.embedText != "" {
			extra.embedText += "\n"
		}
		extra.embedText += text
	}

	exact := ex.settings.IsExactAttribute(name)
	wordTable := tblWordDocids
	if exact {
		wordTable = tblExactWordDocids
	}

	type positioned struct {
		word string
		pos  uint32
	}
	var words []positioned

	tk := tokenizer.New(text, ex.stop)
	for {
		tok, ok := tk.Next()
		if !ok {
			break
		}
		if tok.Kind != tokenizer.KindWord || tok.IsStopword {
			continue
		}
		words = append(words, positioned{word: tok.Lemma, pos: tok.Position})

		*out = append(*out,
			delta{table: wordTable, key: []byte(tok.Lemma), docid: docid, kind: kind},
			delta{table: tblWordFidDocids, key: codec.WordFieldKey(tok.Lemma, fid), docid: docid, kind: kind},
			delta{table: tblWordPositionDocids, key: codec.WordPositionKey(tok.Lemma, tokenizer.BucketPosition(tok.Position)), docid: docid, kind: kind},
		)
	}

	// Pair proximities within the window.
	for i := 0; i < len(words); i++ {
		for j := i + 1; j < len(words); j++ {
			d := words[j].pos - words[i].pos
			if d > proximityWindow {
				break
			}
			if d == 0 {
				continue
			}
			*out = append(*out, delta{
				table: tblWordPairProximityDocids,
				key:   codec.WordPairKey(uint8(d), words[i].word, words[j].word),
				docid: docid,
				kind:  kind,
			})
		}
	}

	if count := len(words); count > 0 && count <= maxStoredWordCount {
		*out = append(*out, delta{
			table: tblFieldWordCountDocids,
			key:   codec.FieldWordCountKey(fid, uint8(count)),
			docid: docid,
			kind:  kind,
		})
	}
}

// extractFacets emits the facet level-0 and reverse-lookup deltas of one
// field value, recursing through arrays. A nested object emits only its
// exists entry (and is-empty when it has no keys); its inner values are not
// faceted.
func (ex *extractor) extractFacets(docid uint32, fid uint16, raw json.RawMessage, kind deltaKind, out *[]delta) error {
	existsEmitted := false
	emitExists := func() {
		if !existsEmitted {
			*out = append(*out, delta{table: tblFacetExistsDocids, key: codec.PutU16(nil, fid), docid: docid, kind: kind})
			existsEmitted = true
		}
	}

	var walk func(raw json.RawMessage, depth int) error
	walk = func(raw json.RawMessage, depth int) error {
		var value any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			return err
		}
		switch v := value.(type) {
		case nil:
			emitExists()
			*out = append(*out, delta{table: tblFacetIsNullDocids, key: codec.PutU16(nil, fid), docid: docid, kind: kind})
		case json.Number:
			f, err := strconv.ParseFloat(v.String(), 64)
			if err != nil || !codec.ValidFacetNumber(f) {
				return fmt.Errorf("invalid facet number %q", v.String())
			}
			emitExists()
			bound := codec.PutOrderedF64(nil, f)
			*out = append(*out,
				delta{table: tblFacetF64Docids, key: append(codec.FacetLevelPrefix(fid, 0), bound...), docid: docid, kind: kind},
				delta{table: tblFieldDocidFacetF64, key: codec.FieldDocidFacetF64Key(fid, docid, f), docid: docid, kind: kind},
			)
		case bool:
			emitExists()
			normalized := "false"
			if v {
				normalized = "true"
			}
			ex.emitStringFacet(docid, fid, normalized, kind, out)
		case string:
			emitExists()
			if v == "" {
				*out = append(*out, delta{table: tblFacetIsEmptyDocids, key: codec.PutU16(nil, fid), docid: docid, kind: kind})
				return nil
			}
			ex.emitStringFacet(docid, fid, facet.NormalizeString(v), kind, out)
		case []any:
			emitExists()
			if len(v) == 0 {
				*out = append(*out, delta{table: tblFacetIsEmptyDocids, key: codec.PutU16(nil, fid), docid: docid, kind: kind})
				return nil
			}
			for _, item := range v {
				encoded, err := json.Marshal(item)
				if err != nil {
					return err
				}
				if err := walk(encoded, depth+1); err != nil {
					return err
				}
			}
		case map[string]any:
			emitExists()
			if len(v) == 0 {
				*out = append(*out, delta{table: tblFacetIsEmptyDocids, key: codec.PutU16(nil, fid), docid: docid, kind: kind})
			}
			// The values inside the object get no facet entries of their
			// own; the parent value carries only existence.
		}
		return nil
	}
	return walk(raw, 0)
}

func (ex *extractor) emitStringFacet(docid uint32, fid uint16, normalized string, kind deltaKind, out *[]delta) {
	*out = append(*out,
		delta{table: tblFacetStringDocids, key: append(codec.FacetLevelPrefix(fid, 0), normalized...), docid: docid, kind: kind},
		delta{table: tblFieldDocidFacetString, key: codec.FieldDocidFacetStringKey(fid, docid, normalized), docid: docid, kind: kind},
	)
}

// extractGeo parses a {_geo: {lat, lng}} value.
func (ex *extractor) extractGeo(raw json.RawMessage, extra *docExtra) error {
	if extra == nil {
		return nil
	}
	var point struct {
		Lat json.Number `json:"lat"`
		Lng json.Number `json:"lng"`
	}
	if err := json.Unmarshal(raw, &point); err != nil {
		return fmt.Errorf("invalid _geo value: %w", err)
	}
	lat, err := point.Lat.Float64()
	if err != nil {
		return fmt.Errorf("invalid _geo.lat: %w", err)
	}
	lng, err := point.Lng.Float64()
	if err != nil {
		return fmt.Errorf("invalid _geo.lng: %w", err)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 || math.IsNaN(lat) || math.IsNaN(lng) {
		return fmt.Errorf("_geo point (%v, %v) out of bounds", lat, lng)
	}
	extra.geo = &[2]float64{lat, lng}
	extra.hasGeo = true
	return nil
}

// extractVector parses an explicit _vectors value.
func (ex *extractor) extractVector(raw json.RawMessage, extra *docExtra) error {
	if extra == nil {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return fmt.Errorf("invalid _vectors value: %w", err)
	}
	extra.vector = vec
	return nil
}

// textOf renders a JSON value for tokenisation: strings verbatim, numbers
// and booleans as text, arrays element-wise.
func textOf(raw json.RawMessage) string {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return flattenText(value)
}

func flattenText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		out := ""
		for _, item := range v {
			if s := flattenText(item); s != "" {
				if out != "" {
					out += " "
				}
				out += s
			}
		}
		return out
	default:
		return ""
	}
}
