// Package header implements the ordered "name=value" field map used both
// for per-record headers and for the file/connection metadata block, and
// its on-disk encoding as a sequence of length-prefixed entries.
package header

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Field is a single "name=value" header entry. Value is opaque bytes, not
// necessarily UTF-8 (e.g. binary-encoded ids and timestamps).
type Field struct {
	Name  string
	Value []byte
}

// Map is an ordered field_name -> bytes mapping. Field order is
// semantically irrelevant on disk (spec.md §6) but is preserved on decode
// so that re-encoding a Map read from disk is deterministic. Equal is the
// operation that actually matters semantically and ignores order.
type Map struct {
	fields []Field
}

// New returns an empty Map.
func New() *Map {
	return &Map{}
}

// FromPairs builds a Map from name/value string pairs, encoding each value
// as UTF-8 bytes, in the order given.
func FromPairs(pairs ...string) *Map {
	if len(pairs)%2 != 0 {
		panic("header: FromPairs requires an even number of arguments")
	}
	m := New()
	for i := 0; i < len(pairs); i += 2 {
		m.Set(pairs[i], []byte(pairs[i+1]))
	}
	return m
}

// Set appends or replaces the field named name.
func (m *Map) Set(name string, value []byte) {
	for i := range m.fields {
		if m.fields[i].Name == name {
			m.fields[i].Value = value
			return
		}
	}
	m.fields = append(m.fields, Field{Name: name, Value: value})
}

// SetString is Set with a string value.
func (m *Map) SetString(name, value string) {
	m.Set(name, []byte(value))
}

// Get returns the value stored for name and whether it was present.
func (m *Map) Get(name string) ([]byte, bool) {
	for _, f := range m.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// GetString is Get returning the value as a string.
func (m *Map) GetString(name string) (string, bool) {
	v, ok := m.Get(name)
	if !ok {
		return "", false
	}
	return string(v), true
}

// Fields returns the fields in insertion (or decode) order. The returned
// slice must not be mutated by the caller.
func (m *Map) Fields() []Field {
	return m.fields
}

// Len returns the number of fields.
func (m *Map) Len() int {
	return len(m.fields)
}

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	out := &Map{fields: make([]Field, len(m.fields))}
	for i, f := range m.fields {
		v := make([]byte, len(f.Value))
		copy(v, f.Value)
		out.fields[i] = Field{Name: f.Name, Value: v}
	}
	return out
}

// sortedCopy returns the fields sorted by name, for order-insensitive
// comparison and canonical hashing.
func (m *Map) sortedCopy() []Field {
	cp := make([]Field, len(m.fields))
	copy(cp, m.fields)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Name < cp[j].Name })
	return cp
}

// Equal reports whether m and other have the exact same set of
// name/value pairs, irrespective of field order. This backs the
// connection-uniqueness invariant of spec.md §3: two writes whose headers
// agree field-for-field (after the topic has been injected into both)
// share a connection id.
func (m *Map) Equal(other *Map) bool {
	if m.Len() != other.Len() {
		return false
	}
	a, b := m.sortedCopy(), other.sortedCopy()
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
		if string(a[i].Value) != string(b[i].Value) {
			return false
		}
	}
	return true
}

// Key returns a canonical string suitable for use as a map key that
// dedups Maps by Equal semantics: sorted "name\x00value\x00" concatenation.
func (m *Map) Key() string {
	sorted := m.sortedCopy()
	var out []byte
	for _, f := range sorted {
		out = append(out, f.Name...)
		out = append(out, 0)
		out = append(out, f.Value...)
		out = append(out, 0)
	}
	return string(out)
}

// Encode appends the on-disk representation of m — a sequence of
// <4-byte LE field_len><"name=value" bytes> entries — to dst and returns
// the extended slice.
func (m *Map) Encode(dst []byte) []byte {
	for _, f := range m.fields {
		entry := make([]byte, 0, len(f.Name)+1+len(f.Value))
		entry = append(entry, f.Name...)
		entry = append(entry, '=')
		entry = append(entry, f.Value...)

		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(entry)))
		dst = append(dst, lenBuf[:]...)
		dst = append(dst, entry...)
	}
	return dst
}

// EncodedLen returns the number of bytes Encode would append.
func (m *Map) EncodedLen() int {
	n := 0
	for _, f := range m.fields {
		n += 4 + len(f.Name) + 1 + len(f.Value)
	}
	return n
}

// Decode parses a sequence of length-prefixed "name=value" entries from
// buf, consuming exactly n bytes (the caller supplies n, typically read
// as a preceding header_len field). It returns an error on truncation or
// a malformed entry (missing '=').
func Decode(buf []byte, n int) (*Map, error) {
	if n < 0 || n > len(buf) {
		return nil, errors.Errorf("header: decode length %d exceeds buffer of %d bytes", n, len(buf))
	}
	m := New()
	region := buf[:n]
	for len(region) > 0 {
		if len(region) < 4 {
			return nil, errors.New("header: truncated field length prefix")
		}
		fieldLen := binary.LittleEndian.Uint32(region[:4])
		region = region[4:]
		if uint64(fieldLen) > uint64(len(region)) {
			return nil, errors.Errorf("header: field length %d exceeds remaining %d bytes", fieldLen, len(region))
		}
		entry := region[:fieldLen]
		region = region[fieldLen:]

		eq := indexByte(entry, '=')
		if eq < 0 {
			return nil, errors.New("header: field entry missing '=' separator")
		}
		name := string(entry[:eq])
		value := make([]byte, len(entry)-eq-1)
		copy(value, entry[eq+1:])
		m.fields = append(m.fields, Field{Name: name, Value: value})
	}
	return m, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// ValueOffset returns the byte offset (from the start of Encode's output)
// and length of name's value bytes, so a caller that has already written
// an encoded header to disk can patch that field's value in place later
// (spec.md §4.4's CHUNK-header size patch at stopWritingChunk) without
// re-encoding the whole block. ok is false if name is not present.
func (m *Map) ValueOffset(name string) (offset, length int, ok bool) {
	pos := 0
	for _, f := range m.fields {
		entryLen := len(f.Name) + 1 + len(f.Value)
		if f.Name == name {
			return pos + 4 + len(f.Name) + 1, len(f.Value), true
		}
		pos += 4 + entryLen
	}
	return 0, 0, false
}

// RequireString returns the string value of a required field, or a
// FormatError-flavored error naming the missing field.
func (m *Map) RequireString(name string) (string, error) {
	v, ok := m.GetString(name)
	if !ok {
		return "", fmt.Errorf("header: missing required field %q", name)
	}
	return v, nil
}
