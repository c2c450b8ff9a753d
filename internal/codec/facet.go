package codec

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// FacetKey is the key of both facet level tables:
// (field id, level, left bound bytes). Level 0 bounds are exact values;
// higher-level bounds are the left bound of the first child group.
type FacetKey struct {
	FieldID uint16
	Level   uint8
	Bound   []byte
}

// Encode serialises the key as fid (2B, big-endian), level (1B), bound.
func (k FacetKey) Encode() []byte {
	out := make([]byte, 0, 3+len(k.Bound))
	out = PutU16(out, k.FieldID)
	out = append(out, k.Level)
	return append(out, k.Bound...)
}

// DecodeFacetKey parses a facet level table key.
func DecodeFacetKey(data []byte) (FacetKey, error) {
	if len(data) < 3 {
		return FacetKey{}, fmt.Errorf("facet key too short: %d bytes", len(data))
	}
	return FacetKey{
		FieldID: U16(data),
		Level:   data[2],
		Bound:   data[3:],
	}, nil
}

// FacetLevelPrefix is the (fid, level) prefix of a facet level table.
func FacetLevelPrefix(fid uint16, level uint8) []byte {
	out := make([]byte, 0, 3)
	out = PutU16(out, fid)
	return append(out, level)
}

// FacetGroupValue is the value of the facet level tables: the number of
// level-below entries the group summarises (1 at level 0) and the docids.
type FacetGroupValue struct {
	Size   uint8
	Docids *roaring.Bitmap
}

// EncodeFacetGroupValue serialises size then the bitmap.
func EncodeFacetGroupValue(v FacetGroupValue) ([]byte, error) {
	bm, err := EncodeBitmap(v.Docids)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(bm))
	out = append(out, v.Size)
	return append(out, bm...), nil
}

// DecodeFacetGroupValue deserialises a facet group value.
func DecodeFacetGroupValue(data []byte) (FacetGroupValue, error) {
	if len(data) < 1 {
		return FacetGroupValue{}, fmt.Errorf("empty facet group value")
	}
	bm, err := DecodeBitmap(data[1:])
	if err != nil {
		return FacetGroupValue{}, err
	}
	return FacetGroupValue{Size: data[0], Docids: bm}, nil
}

// FacetGroupSize reads only the group size byte of an encoded value.
func FacetGroupSize(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("empty facet group value")
	}
	return data[0], nil
}

// FacetGroupBitmapBytes returns the serialised bitmap portion of an encoded
// value, for use with IntersectSerialized.
func FacetGroupBitmapBytes(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty facet group value")
	}
	return data[1:], nil
}
