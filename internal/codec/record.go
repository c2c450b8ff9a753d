package codec

import (
	"fmt"
	"sort"
)

// Documents are stored column-wise: a record is a sequence of
// (field id, value length, value bytes) triples ordered by field id.
// Values are raw JSON.

// EncodeRecord serialises fields into a record. The input map is not
// modified; fields are written in ascending field-id order.
func EncodeRecord(fields map[uint16][]byte) []byte {
	fids := make([]uint16, 0, len(fields))
	for fid := range fields {
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	size := 0
	for _, v := range fields {
		size += 6 + len(v)
	}
	out := make([]byte, 0, size)
	for _, fid := range fids {
		out = PutU16(out, fid)
		out = PutU32(out, uint32(len(fields[fid])))
		out = append(out, fields[fid]...)
	}
	return out
}

// DecodeRecord parses a record back into field id → raw JSON value.
func DecodeRecord(data []byte) (map[uint16][]byte, error) {
	fields := make(map[uint16][]byte)
	err := IterRecord(data, func(fid uint16, value []byte) error {
		fields[fid] = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fields, nil
}

// IterRecord walks the record in field-id order without copying values.
// The value slice passed to fn aliases data.
func IterRecord(data []byte, fn func(fid uint16, value []byte) error) error {
	for len(data) > 0 {
		if len(data) < 6 {
			return fmt.Errorf("truncated document record: %d trailing bytes", len(data))
		}
		fid := U16(data)
		n := U32(data[2:])
		data = data[6:]
		if uint32(len(data)) < n {
			return fmt.Errorf("truncated document record value: want %d, have %d", n, len(data))
		}
		if err := fn(fid, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// RecordField extracts a single field value from a record, or nil.
func RecordField(data []byte, fid uint16) ([]byte, error) {
	var found []byte
	err := IterRecord(data, func(f uint16, value []byte) error {
		if f == fid {
			found = append([]byte(nil), value...)
		}
		return nil
	})
	return found, err
}
