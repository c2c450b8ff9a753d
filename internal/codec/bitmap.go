package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Bitmap values use a two-shape encoding: sets of at most rawBitmapThreshold
// ids are stored as raw little-endian u32s, larger sets as a roaring
// serialization. A one-byte header tags the shape. The raw shape keeps the
// long tail of single-document postings at five bytes per id instead of a
// full roaring container.
const (
	rawBitmapThreshold = 7

	bitmapShapeRaw     = 0
	bitmapShapeRoaring = 1
)

// EncodeBitmap serialises a DocidSet.
func EncodeBitmap(bm *roaring.Bitmap) ([]byte, error) {
	if n := bm.GetCardinality(); n <= rawBitmapThreshold {
		out := make([]byte, 1, 1+4*n)
		out[0] = bitmapShapeRaw
		for _, id := range bm.ToArray() {
			out = binary.LittleEndian.AppendUint32(out, id)
		}
		return out, nil
	}
	var buf bytes.Buffer
	buf.WriteByte(bitmapShapeRoaring)
	if _, err := bm.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize bitmap: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBitmap deserialises a DocidSet.
func DecodeBitmap(data []byte) (*roaring.Bitmap, error) {
	if len(data) == 0 {
		return roaring.New(), nil
	}
	switch data[0] {
	case bitmapShapeRaw:
		body := data[1:]
		if len(body)%4 != 0 {
			return nil, fmt.Errorf("raw bitmap length %d not a multiple of 4", len(body))
		}
		bm := roaring.New()
		for i := 0; i < len(body); i += 4 {
			bm.Add(binary.LittleEndian.Uint32(body[i:]))
		}
		return bm, nil
	case bitmapShapeRoaring:
		bm := roaring.New()
		if _, err := bm.FromBuffer(append([]byte(nil), data[1:]...)); err != nil {
			return nil, fmt.Errorf("deserialize bitmap: %w", err)
		}
		return bm, nil
	default:
		return nil, fmt.Errorf("unknown bitmap shape %d", data[0])
	}
}

// IntersectSerialized intersects a serialised DocidSet with candidates
// without handing the raw shape to roaring at all. This is the facet
// iteration fast path: group bitmaps are only materialised when they
// actually overlap the candidate set.
func IntersectSerialized(data []byte, candidates *roaring.Bitmap) (*roaring.Bitmap, error) {
	if len(data) == 0 {
		return roaring.New(), nil
	}
	if data[0] == bitmapShapeRaw {
		body := data[1:]
		if len(body)%4 != 0 {
			return nil, fmt.Errorf("raw bitmap length %d not a multiple of 4", len(body))
		}
		out := roaring.New()
		for i := 0; i < len(body); i += 4 {
			if id := binary.LittleEndian.Uint32(body[i:]); candidates.Contains(id) {
				out.Add(id)
			}
		}
		return out, nil
	}
	bm, err := DecodeBitmap(data)
	if err != nil {
		return nil, err
	}
	bm.And(candidates)
	return bm, nil
}

// SerializedCardinality returns the cardinality of a serialised DocidSet
// without building the full in-memory set for the raw shape.
func SerializedCardinality(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if data[0] == bitmapShapeRaw {
		return uint64(len(data)-1) / 4, nil
	}
	bm, err := DecodeBitmap(data)
	if err != nil {
		return 0, err
	}
	return bm.GetCardinality(), nil
}
