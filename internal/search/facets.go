package search

import (
	"sort"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
)

// DefaultMaxValuesPerFacet bounds one field's distribution.
const DefaultMaxValuesPerFacet = 100

// FacetValueCount is one distribution entry.
type FacetValueCount struct {
	// Value is the facet value rendered as text.
	Value string `json:"value"`
	Count uint64 `json:"count"`
}

// FacetDistribution counts, per requested field, how many candidate
// documents carry each facet value. Values come back in decreasing count
// order, at most maxValues per field.
func (e *Engine) FacetDistribution(rtxn *kvenv.ReadTxn, fields []string, candidates *roaring.Bitmap, maxValues int) (map[string][]FacetValueCount, error) {
	if maxValues <= 0 {
		maxValues = DefaultMaxValuesPerFacet
	}
	settings, err := e.idx.Settings(rtxn)
	if err != nil {
		return nil, err
	}
	fieldMap, err := e.idx.FieldIDMap(rtxn)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]FacetValueCount, len(fields))
	for _, field := range fields {
		if !settings.IsFilterable(field) {
			return nil, quillerr.New(quillerr.CodeInvalidFilter,
				"attribute %q is not filterable; add it to filterableAttributes", field)
		}
		fid, known := fieldMap.ID(field)
		if !known {
			out[field] = nil
			continue
		}

		var values []FacetValueCount
		collect := func(render func([]byte) string) facet.Callback {
			taken := 0
			return func(bound []byte, count uint64, _ uint32) (facet.ControlFlow, error) {
				values = append(values, FacetValueCount{Value: render(bound), Count: count})
				taken++
				if taken >= maxValues {
					return facet.Break, nil
				}
				return facet.Continue, nil
			}
		}

		err := facet.IterateByCount(rtxn, index.TableFacetF64Docids, fid, candidates,
			collect(func(bound []byte) string {
				return formatFloat(codec.OrderedF64(bound))
			}))
		if err != nil {
			return nil, err
		}
		err = facet.IterateByCount(rtxn, index.TableFacetStringDocids, fid, candidates,
			collect(func(bound []byte) string { return string(bound) }))
		if err != nil {
			return nil, err
		}
		// Merge the number and string spaces by count, keeping the top values.
		sort.SliceStable(values, func(i, j int) bool { return values[i].Count > values[j].Count })
		if len(values) > maxValues {
			values = values[:maxValues]
		}
		out[field] = values
	}
	return out, nil
}

// FacetSearch returns the facet string values of one field starting with
// the given prefix, with candidate counts, in value order.
func (e *Engine) FacetSearch(rtxn *kvenv.ReadTxn, field, prefix string, candidates *roaring.Bitmap, maxValues int) ([]FacetValueCount, error) {
	if maxValues <= 0 {
		maxValues = DefaultMaxValuesPerFacet
	}
	settings, err := e.idx.Settings(rtxn)
	if err != nil {
		return nil, err
	}
	if !settings.IsFilterable(field) {
		return nil, quillerr.New(quillerr.CodeInvalidFilter,
			"attribute %q is not filterable; add it to filterableAttributes", field)
	}
	fieldMap, err := e.idx.FieldIDMap(rtxn)
	if err != nil {
		return nil, err
	}
	fid, known := fieldMap.ID(field)
	if !known {
		return nil, nil
	}

	normalized := facet.NormalizeString(prefix)
	var values []FacetValueCount
	err = facet.IterateLexicographic(rtxn, index.TableFacetStringDocids, fid, candidates,
		func(bound []byte, count uint64, _ uint32) (facet.ControlFlow, error) {
			value := string(bound)
			if len(value) < len(normalized) || value[:len(normalized)] != normalized {
				if value > normalized && len(values) > 0 {
					return facet.Break, nil
				}
				return facet.Continue, nil
			}
			values = append(values, FacetValueCount{Value: value, Count: count})
			if len(values) >= maxValues {
				return facet.Break, nil
			}
			return facet.Continue, nil
		})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// formatFloat renders a facet number the way it appeared in the source
// JSON: integral values without a decimal point.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
