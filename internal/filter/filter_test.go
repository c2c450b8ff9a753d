package filter

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/codec"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/index"
	"github.com/quillsearch/quill/internal/kvenv"
	"github.com/quillsearch/quill/internal/quillerr"
)

func TestParse_Precedence(t *testing.T) {
	expr, err := Parse("genre = horror OR genre = thriller AND price < 10")
	require.NoError(t, err)

	or, ok := expr.(Or)
	require.True(t, ok, "OR binds loosest")
	require.Len(t, or.Children, 2)
	_, ok = or.Children[0].(Condition)
	assert.True(t, ok)
	_, ok = or.Children[1].(And)
	assert.True(t, ok)
}

func TestParse_QuotedValuesAndEscapes(t *testing.T) {
	expr, err := Parse(`title = "The \"Thing\"" AND author = 'O\'Brien'`)
	require.NoError(t, err)

	and, ok := expr.(And)
	require.True(t, ok)
	cond := and.Children[0].(Condition)
	assert.Equal(t, `The "Thing"`, cond.Values[0].Raw)
	cond = and.Children[1].(Condition)
	assert.Equal(t, `O'Brien`, cond.Values[0].Raw)
}

func TestParse_InExistsNullEmpty(t *testing.T) {
	expr, err := Parse("genre IN [horror, 'sci-fi'] AND price EXISTS AND tag IS NULL AND note IS EMPTY AND x NOT EXISTS")
	require.NoError(t, err)

	and := expr.(And)
	require.Len(t, and.Children, 5)
	in := and.Children[0].(Condition)
	assert.Equal(t, OpIn, in.Op)
	require.Len(t, in.Values, 2)
	assert.Equal(t, "sci-fi", in.Values[1].Raw)
	assert.Equal(t, OpExists, and.Children[1].(Condition).Op)
	assert.Equal(t, OpIsNull, and.Children[2].(Condition).Op)
	assert.Equal(t, OpIsEmpty, and.Children[3].(Condition).Op)
	assert.Equal(t, OpNotExists, and.Children[4].(Condition).Op)
}

func TestParse_Geo(t *testing.T) {
	expr, err := Parse("_geoRadius(45.52, 4.91, 2000)")
	require.NoError(t, err)
	radius := expr.(GeoRadius)
	assert.Equal(t, 45.52, radius.Lat)
	assert.Equal(t, 2000.0, radius.Meters)

	expr, err = Parse("_geoBoundingBox([45.0, 4.0], [44.0, 5.0])")
	require.NoError(t, err)
	box := expr.(GeoBoundingBox)
	assert.Equal(t, 45.0, box.TopLat)
	assert.Equal(t, 5.0, box.BottomLng)
}

func TestParse_Errors(t *testing.T) {
	for _, input := range []string{
		"", "price >", "price 10", "(price = 10", "genre IN [a", "x IS WEIRD",
		"price = 'unterminated",
	} {
		_, err := Parse(input)
		require.Error(t, err, input)
		assert.Equal(t, quillerr.CodeInvalidFilter, quillerr.CodeOf(err), input)
	}
}

// buildFilterIndex seeds an index with price (numbers) and genre (strings).
func buildFilterIndex(t *testing.T) (*index.Index, *index.Settings, *index.FieldIDMap) {
	t.Helper()
	idx, err := index.Open(t.TempDir(), "movies", kvenv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	fields := index.NewFieldIDMap()
	priceFid, err := fields.IDFor("price")
	require.NoError(t, err)
	genreFid, err := fields.IDFor("genre")
	require.NoError(t, err)

	settings := &index.Settings{FilterableAttributes: []string{"price", "genre"}}

	require.NoError(t, idx.Env().Update(func(wtxn *kvenv.WriteTxn) error {
		prices := map[float64][]uint32{10: {1}, 20: {2}, 30: {3}, 40: {4}, 50: {5}}
		for v, ids := range prices {
			err := facet.PutLevel0(wtxn, index.TableFacetF64Docids, priceFid,
				codec.PutOrderedF64(nil, v), roaring.BitmapOf(ids...))
			if err != nil {
				return err
			}
		}
		genres := map[string][]uint32{"horror": {1, 3}, "comedy": {2, 4}}
		for v, ids := range genres {
			err := facet.PutLevel0(wtxn, index.TableFacetStringDocids, genreFid,
				[]byte(v), roaring.BitmapOf(ids...))
			if err != nil {
				return err
			}
		}
		// exists: price on all five, genre on 1-4.
		exists, err := codec.EncodeBitmap(roaring.BitmapOf(1, 2, 3, 4, 5))
		if err != nil {
			return err
		}
		if err := wtxn.Table(index.TableFacetExistsDocids).Put(codec.PutU16(nil, priceFid), exists); err != nil {
			return err
		}
		genreExists, err := codec.EncodeBitmap(roaring.BitmapOf(1, 2, 3, 4))
		if err != nil {
			return err
		}
		return wtxn.Table(index.TableFacetExistsDocids).Put(codec.PutU16(nil, genreFid), genreExists)
	}))
	return idx, settings, fields
}

func evalFilter(t *testing.T, input string) []uint32 {
	t.Helper()
	idx, settings, fields := buildFilterIndex(t)

	expr, err := Parse(input)
	require.NoError(t, err)

	var got []uint32
	require.NoError(t, idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		universe := roaring.BitmapOf(1, 2, 3, 4, 5)
		ev := NewEvaluator(rtxn, idx, settings, fields, universe)
		bm, err := ev.Evaluate(expr)
		if err != nil {
			return err
		}
		got = bm.ToArray()
		return nil
	}))
	return got
}

func TestEvaluate_NumericRange(t *testing.T) {
	// Spec scenario 4.
	assert.Equal(t, []uint32{2, 3}, evalFilter(t, "price >= 20 AND price < 40"))
}

func TestEvaluate_EqualityAndBoolean(t *testing.T) {
	assert.Equal(t, []uint32{1, 3}, evalFilter(t, "genre = horror"))
	assert.Equal(t, []uint32{2, 4, 5}, evalFilter(t, "genre != horror"))
	assert.Equal(t, []uint32{1, 2, 3, 4}, evalFilter(t, "genre IN [horror, comedy]"))
	assert.Equal(t, []uint32{1, 2, 3}, evalFilter(t, "genre = horror OR price = 20"))
	assert.Equal(t, []uint32{5}, evalFilter(t, "NOT genre EXISTS"))
	assert.Equal(t, []uint32{5}, evalFilter(t, "genre NOT EXISTS"))
	assert.Equal(t, []uint32{1, 3}, evalFilter(t, "genre = HORROR"), "string facets compare case-insensitively")
}

func TestEvaluate_NotFilterableAttribute(t *testing.T) {
	idx, settings, fields := buildFilterIndex(t)
	expr, err := Parse("title = dune")
	require.NoError(t, err)

	err = idx.Env().View(func(rtxn *kvenv.ReadTxn) error {
		ev := NewEvaluator(rtxn, idx, settings, fields, roaring.BitmapOf(1))
		_, err := ev.Evaluate(expr)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, quillerr.CodeInvalidFilter, quillerr.CodeOf(err))
}
