package index

import (
	"encoding/json"
	"sort"

	"github.com/quillsearch/quill/internal/quillerr"
)

// MaxFields bounds the field-id map. FieldId is a u16; exhausting it is a
// user error, never silent wraparound.
const MaxFields = 1 << 16

// FieldIDMap is the bidirectional name ↔ FieldId mapping of one index.
// It is append-only: an id, once assigned, is never re-used, even after
// every document carrying the field is deleted.
type FieldIDMap struct {
	byName map[string]uint16
	byID   map[uint16]string
	next   uint32
}

// NewFieldIDMap returns an empty map.
func NewFieldIDMap() *FieldIDMap {
	return &FieldIDMap{
		byName: make(map[string]uint16),
		byID:   make(map[uint16]string),
	}
}

// IDFor returns the id for name, assigning the next free id on first sight.
func (m *FieldIDMap) IDFor(name string) (uint16, error) {
	if id, ok := m.byName[name]; ok {
		return id, nil
	}
	if m.next >= MaxFields {
		return 0, quillerr.New(quillerr.CodeMaxFieldsLimitExceeded,
			"maximum number of fields reached (%d)", MaxFields)
	}
	id := uint16(m.next)
	m.next++
	m.byName[name] = id
	m.byID[id] = name
	return id, nil
}

// ID returns the id for name without assigning.
func (m *FieldIDMap) ID(name string) (uint16, bool) {
	id, ok := m.byName[name]
	return id, ok
}

// Name returns the name for id.
func (m *FieldIDMap) Name(id uint16) (string, bool) {
	name, ok := m.byID[id]
	return name, ok
}

// Len returns the number of assigned fields.
func (m *FieldIDMap) Len() int { return len(m.byName) }

// Names returns all field names in id order.
func (m *FieldIDMap) Names() []string {
	ids := make([]int, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, m.byID[uint16(id)])
	}
	return names
}

// Clone returns a deep copy, used to hand a read-only view to extraction
// workers while the writer keeps the original.
func (m *FieldIDMap) Clone() *FieldIDMap {
	c := NewFieldIDMap()
	for name, id := range m.byName {
		c.byName[name] = id
		c.byID[id] = name
	}
	c.next = m.next
	return c
}

type fieldMapEntry struct {
	Name string `json:"name"`
	ID   uint16 `json:"id"`
}

// MarshalJSON serialises entries in id order for byte-stable output.
func (m *FieldIDMap) MarshalJSON() ([]byte, error) {
	entries := make([]fieldMapEntry, 0, len(m.byName))
	for name, id := range m.byName {
		entries = append(entries, fieldMapEntry{Name: name, ID: id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return json.Marshal(entries)
}

// UnmarshalJSON restores the map, recomputing the next free id.
func (m *FieldIDMap) UnmarshalJSON(data []byte) error {
	var entries []fieldMapEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	m.byName = make(map[string]uint16, len(entries))
	m.byID = make(map[uint16]string, len(entries))
	m.next = 0
	for _, e := range entries {
		m.byName[e.Name] = e.ID
		m.byID[e.ID] = e.Name
		if uint32(e.ID)+1 > m.next {
			m.next = uint32(e.ID) + 1
		}
	}
	return nil
}
