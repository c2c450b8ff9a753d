package codec

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedF64_ByteOrderMatchesNumericOrder(t *testing.T) {
	values := []float64{
		math.Inf(-1), -1e300, -42.5, -1, -0.001, math.Copysign(0, -1),
		0, 0.001, 1, 42.5, 1e300, math.Inf(1),
	}

	var encoded [][]byte
	for _, v := range values {
		encoded = append(encoded, PutOrderedF64(nil, v))
	}

	sorted := append([][]byte(nil), encoded...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	for i := range encoded {
		assert.Equal(t, encoded[i], sorted[i], "value %v out of order", values[i])
	}

	for i, v := range values {
		got := OrderedF64(encoded[i])
		if v == 0 {
			assert.Equal(t, 0.0, math.Abs(got))
		} else {
			assert.Equal(t, v, got)
		}
	}
}

func TestValidFacetNumber_RejectsNaN(t *testing.T) {
	assert.False(t, ValidFacetNumber(math.NaN()))
	assert.True(t, ValidFacetNumber(math.Inf(1)))
	assert.True(t, ValidFacetNumber(0))
}

func TestBitmap_RawShapeForSmallSets(t *testing.T) {
	bm := roaring.BitmapOf(1, 5, 9)
	data, err := EncodeBitmap(bm)
	require.NoError(t, err)

	// 1 header byte + 3 * 4 bytes.
	assert.Len(t, data, 13)
	assert.Equal(t, byte(bitmapShapeRaw), data[0])

	got, err := DecodeBitmap(data)
	require.NoError(t, err)
	assert.True(t, got.Equals(bm))
}

func TestBitmap_RoaringShapeForLargeSets(t *testing.T) {
	bm := roaring.New()
	for i := uint32(0); i < 1000; i++ {
		bm.Add(i * 3)
	}
	data, err := EncodeBitmap(bm)
	require.NoError(t, err)
	assert.Equal(t, byte(bitmapShapeRoaring), data[0])

	got, err := DecodeBitmap(data)
	require.NoError(t, err)
	assert.True(t, got.Equals(bm))
}

func TestIntersectSerialized_MatchesFullDecode(t *testing.T) {
	candidates := roaring.BitmapOf(2, 4, 6, 8, 500, 2000)

	for _, bm := range []*roaring.Bitmap{
		roaring.BitmapOf(1, 2, 3),
		func() *roaring.Bitmap {
			b := roaring.New()
			for i := uint32(0); i < 5000; i += 2 {
				b.Add(i)
			}
			return b
		}(),
	} {
		data, err := EncodeBitmap(bm)
		require.NoError(t, err)

		fast, err := IntersectSerialized(data, candidates)
		require.NoError(t, err)

		want := roaring.And(bm, candidates)
		assert.True(t, fast.Equals(want))
	}
}

func TestSerializedCardinality(t *testing.T) {
	small, err := EncodeBitmap(roaring.BitmapOf(7, 9))
	require.NoError(t, err)
	n, err := SerializedCardinality(small)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestWordFieldKey_RoundTrip(t *testing.T) {
	key := WordFieldKey("héllo", 42)
	word, fid, err := SplitWordFieldKey(key)
	require.NoError(t, err)
	assert.Equal(t, "héllo", word)
	assert.Equal(t, uint16(42), fid)
}

func TestFacetKey_RoundTripAndOrdering(t *testing.T) {
	a := FacetKey{FieldID: 1, Level: 0, Bound: PutOrderedF64(nil, 10)}
	b := FacetKey{FieldID: 1, Level: 0, Bound: PutOrderedF64(nil, 20)}
	c := FacetKey{FieldID: 1, Level: 1, Bound: PutOrderedF64(nil, 10)}

	assert.Negative(t, bytes.Compare(a.Encode(), b.Encode()))
	assert.Negative(t, bytes.Compare(b.Encode(), c.Encode()))

	got, err := DecodeFacetKey(b.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint16(1), got.FieldID)
	assert.Equal(t, uint8(0), got.Level)
	assert.Equal(t, 20.0, OrderedF64(got.Bound))
}

func TestFacetGroupValue_RoundTrip(t *testing.T) {
	v := FacetGroupValue{Size: 4, Docids: roaring.BitmapOf(1, 2, 3)}
	data, err := EncodeFacetGroupValue(v)
	require.NoError(t, err)

	got, err := DecodeFacetGroupValue(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), got.Size)
	assert.True(t, got.Docids.Equals(v.Docids))

	size, err := FacetGroupSize(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), size)
}
