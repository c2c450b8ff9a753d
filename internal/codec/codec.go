// Package codec defines the bit-exact encoders and decoders for every table
// key and value.
//
// All multi-byte integers are big-endian so lexicographic byte order matches
// numeric order. Facet floats use the sign-magnitude-flipped 64-bit pattern
// for the same reason.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PutU16 appends a big-endian u16 to dst.
func PutU16(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

// PutU32 appends a big-endian u32 to dst.
func PutU32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// PutU64 appends a big-endian u64 to dst.
func PutU64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

// U16 reads a big-endian u16.
func U16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// U32 reads a big-endian u32.
func U32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// U64 reads a big-endian u64.
func U64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// PutOrderedF64 appends the order-preserving encoding of an f64: the sign bit
// is flipped for positives and all bits for negatives, so byte comparison
// equals numeric comparison. NaN must be rejected before encoding.
func PutOrderedF64(dst []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(dst, bits)
}

// OrderedF64 decodes an order-preserving f64.
func OrderedF64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// ValidFacetNumber reports whether f may enter a facet key. NaN breaks key
// ordering and is rejected at ingestion.
func ValidFacetNumber(f float64) bool {
	return !math.IsNaN(f)
}

// WordFieldKey encodes the word-fid-docids key: word bytes, 0x00, fid.
// The separator keeps "ab"+fid from colliding with "a"+anything.
func WordFieldKey(word string, fid uint16) []byte {
	key := make([]byte, 0, len(word)+3)
	key = append(key, word...)
	key = append(key, 0)
	return PutU16(key, fid)
}

// SplitWordFieldKey decodes a word-fid-docids key.
func SplitWordFieldKey(key []byte) (word string, fid uint16, err error) {
	if len(key) < 3 {
		return "", 0, fmt.Errorf("word-fid key too short: %d bytes", len(key))
	}
	return string(key[:len(key)-3]), U16(key[len(key)-2:]), nil
}

// WordPositionKey encodes the word-position-docids key: word, 0x00, bucketed
// position.
func WordPositionKey(word string, position uint16) []byte {
	key := make([]byte, 0, len(word)+3)
	key = append(key, word...)
	key = append(key, 0)
	return PutU16(key, position)
}

// SplitWordPositionKey decodes a word-position-docids key.
func SplitWordPositionKey(key []byte) (word string, position uint16, err error) {
	if len(key) < 3 {
		return "", 0, fmt.Errorf("word-position key too short: %d bytes", len(key))
	}
	return string(key[:len(key)-3]), U16(key[len(key)-2:]), nil
}

// WordPairKey encodes the word-pair-proximity-docids key:
// distance byte, word1, 0x00, word2. Leading distance groups all pairs of the
// same proximity together for range scans.
func WordPairKey(distance uint8, w1, w2 string) []byte {
	key := make([]byte, 0, len(w1)+len(w2)+2)
	key = append(key, distance)
	key = append(key, w1...)
	key = append(key, 0)
	key = append(key, w2...)
	return key
}

// FieldWordCountKey encodes the field-id-word-count-docids key.
func FieldWordCountKey(fid uint16, count uint8) []byte {
	key := make([]byte, 0, 3)
	key = PutU16(key, fid)
	return append(key, count)
}

// FieldDocidFacetF64Key encodes the reverse numeric facet key
// (fid, docid, value) used by sort and distinct.
func FieldDocidFacetF64Key(fid uint16, docid uint32, value float64) []byte {
	key := make([]byte, 0, 14)
	key = PutU16(key, fid)
	key = PutU32(key, docid)
	return PutOrderedF64(key, value)
}

// FieldDocidFacetStringKey encodes the reverse string facet key.
func FieldDocidFacetStringKey(fid uint16, docid uint32, normalized string) []byte {
	key := make([]byte, 0, 6+len(normalized))
	key = PutU16(key, fid)
	key = PutU32(key, docid)
	return append(key, normalized...)
}

// FieldDocidPrefix is the (fid, docid) prefix of the reverse facet tables.
func FieldDocidPrefix(fid uint16, docid uint32) []byte {
	key := make([]byte, 0, 6)
	key = PutU16(key, fid)
	return PutU32(key, docid)
}
