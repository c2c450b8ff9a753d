package filter

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
)

// Evaluator resolves filter expressions against one index snapshot.
type Evaluator struct {
	rtxn     *kvenv.ReadTxn
	idx      *index.Index
	settings *index.Settings
	fields   *index.FieldIDMap
	// universe is the set of all live documents; NOT and != are computed
	// against it.
	universe *roaring.Bitmap
}

// NewEvaluator builds an evaluator over a read snapshot.
func NewEvaluator(rtxn *kvenv.ReadTxn, idx *index.Index, settings *index.Settings, fields *index.FieldIDMap, universe *roaring.Bitmap) *Evaluator {
	return &Evaluator{rtxn: rtxn, idx: idx, settings: settings, fields: fields, universe: universe}
}

// Evaluate returns the docids matching expr.
func (e *Evaluator) Evaluate(expr Expr) (*roaring.Bitmap, error) {
	switch node := expr.(type) {
	case And:
		out := e.universe.Clone()
		for _, child := range node.Children {
			sub, err := e.Evaluate(child)
			if err != nil {
				return nil, err
			}
			out.And(sub)
			if out.IsEmpty() {
				return out, nil
			}
		}
		return out, nil

	case Or:
		out := roaring.New()
		for _, child := range node.Children {
			sub, err := e.Evaluate(child)
			if err != nil {
				return nil, err
			}
			out.Or(sub)
		}
		return out, nil

	case Not:
		sub, err := e.Evaluate(node.Child)
		if err != nil {
			return nil, err
		}
		return roaring.AndNot(e.universe, sub), nil

	case Condition:
		return e.evaluateCondition(node)

	case GeoRadius:
		return e.evaluateGeo(func(lat, lng float64) bool {
			return haversineMeters(node.Lat, node.Lng, lat, lng) <= node.Meters
		})

	case GeoBoundingBox:
		return e.evaluateGeo(func(lat, lng float64) bool {
			if lat > node.TopLat || lat < node.BottomLat {
				return false
			}
			if node.TopLng <= node.BottomLng {
				return lng >= node.TopLng && lng <= node.BottomLng
			}
			// Box crossing the antimeridian.
			return lng >= node.TopLng || lng <= node.BottomLng
		})
	}
	return nil, quillerr.New(quillerr.CodeInvalidFilter, "unsupported filter expression")
}

func (e *Evaluator) fieldID(name string) (uint16, bool, error) {
	if !e.settings.IsFilterable(name) {
		return 0, false, quillerr.New(quillerr.CodeInvalidFilter,
			"attribute %q is not filterable; add it to filterableAttributes", name)
	}
	fid, ok := e.fields.ID(name)
	return fid, ok, nil
}

func (e *Evaluator) evaluateCondition(cond Condition) (*roaring.Bitmap, error) {
	fid, known, err := e.fieldID(cond.Field)
	if err != nil {
		return nil, err
	}
	if !known {
		// Filterable but never seen: nothing matches (or everything, for
		// negative operators).
		switch cond.Op {
		case OpNeq, OpNotExists:
			return e.universe.Clone(), nil
		default:
			return roaring.New(), nil
		}
	}

	switch cond.Op {
	case OpEq:
		return e.equalityDocids(fid, cond.Values[0])

	case OpNeq:
		eq, err := e.equalityDocids(fid, cond.Values[0])
		if err != nil {
			return nil, err
		}
		return roaring.AndNot(e.universe, eq), nil

	case OpIn:
		out := roaring.New()
		for _, v := range cond.Values {
			eq, err := e.equalityDocids(fid, v)
			if err != nil {
				return nil, err
			}
			out.Or(eq)
		}
		return out, nil

	case OpLt, OpLte, OpGt, OpGte:
		value := cond.Values[0]
		if !value.IsNumber {
			return nil, quillerr.New(quillerr.CodeInvalidFilter,
				"operator %s on %q requires a numeric value, got %q",
				cond.Op, cond.Field, value.Raw)
		}
		from, to := facet.Unbounded, facet.Unbounded
		bound := codec.PutOrderedF64(nil, value.Number)
		switch cond.Op {
		case OpLt:
			to = facet.Bound{Value: bound}
		case OpLte:
			to = facet.Bound{Value: bound, Inclusive: true}
		case OpGt:
			from = facet.Bound{Value: bound}
		case OpGte:
			from = facet.Bound{Value: bound, Inclusive: true}
		}
		return facet.RangeDocids(e.rtxn, index.TableFacetF64Docids, fid, from, to)

	case OpExists:
		return e.fidBitmap(index.TableFacetExistsDocids, fid)

	case OpNotExists:
		exists, err := e.fidBitmap(index.TableFacetExistsDocids, fid)
		if err != nil {
			return nil, err
		}
		return roaring.AndNot(e.universe, exists), nil

	case OpIsNull:
		return e.fidBitmap(index.TableFacetIsNullDocids, fid)

	case OpIsEmpty:
		return e.fidBitmap(index.TableFacetIsEmptyDocids, fid)
	}
	return nil, quillerr.New(quillerr.CodeInvalidFilter, "unsupported operator %s", cond.Op)
}

// equalityDocids matches value against both facet key spaces: its numeric
// form when it has one, and its normalised string form.
func (e *Evaluator) equalityDocids(fid uint16, value Value) (*roaring.Bitmap, error) {
	out := roaring.New()
	if value.IsNumber {
		bm, err := facet.GetLevel0(e.rtxn, index.TableFacetF64Docids, fid,
			codec.PutOrderedF64(nil, value.Number))
		if err != nil {
			return nil, err
		}
		if bm != nil {
			out.Or(bm)
		}
	}
	bm, err := facet.GetLevel0(e.rtxn, index.TableFacetStringDocids, fid,
		[]byte(facet.NormalizeString(value.Raw)))
	if err != nil {
		return nil, err
	}
	if bm != nil {
		out.Or(bm)
	}
	return out, nil
}

func (e *Evaluator) fidBitmap(table string, fid uint16) (*roaring.Bitmap, error) {
	data := e.rtxn.Table(table).Get(codec.PutU16(nil, fid))
	if data == nil {
		return roaring.New(), nil
	}
	return codec.DecodeBitmap(data)
}

// evaluateGeo scans the point table over the geo-faceted documents. The
// candidate sets seen here are small enough that a linear scan beats
// maintaining a spatial tree.
func (e *Evaluator) evaluateGeo(match func(lat, lng float64) bool) (*roaring.Bitmap, error) {
	geoDocs, err := e.idx.GeoFacetedIDs(e.rtxn)
	if err != nil {
		return nil, err
	}
	out := roaring.New()
	tbl := e.rtxn.Table(index.TableGeoPoints)
	it := geoDocs.Iterator()
	for it.HasNext() {
		docid := it.Next()
		data := tbl.Get(codec.PutU32(nil, docid))
		if len(data) != 16 {
			continue
		}
		lat := math.Float64frombits(codec.U64(data))
		lng := math.Float64frombits(codec.U64(data[8:]))
		if match(lat, lng) {
			out.Add(docid)
		}
	}
	return out, nil
}

const earthRadiusMeters = 6_371_000

// haversineMeters returns the great-circle distance between two points.
func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
