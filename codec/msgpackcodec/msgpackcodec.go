// Package msgpackcodec is a reference codec.Codec implementation used by
// this module's own test suite. It
// serializes messages with github.com/vmihailenco/msgpack and derives a
// stable per-Go-type "datatype"/"md5sum"/"definition" triple via
// reflection, standing in for the kind of code-generated message
// registry a real caller of the bag engine would supply.
package msgpackcodec

import (
	"crypto/md5" //nolint:gosec // fingerprint, not a security boundary
	"fmt"
	"reflect"
	"sort"
	"strings"

	msgpack "github.com/vmihailenco/msgpack/v5"

	"github.com/seoulrobotics/rosbag-io/codec"
)

// Codec implements codec.Codec over encoding/gob-style Go structs via
// msgpack.
type Codec struct{}

// New returns a ready-to-use Codec.
func New() *Codec { return &Codec{} }

var _ codec.Codec = (*Codec)(nil)

// MetadataFor implements codec.Codec.
func (c *Codec) MetadataFor(msg interface{}) (codec.Metadata, error) {
	t := reflect.TypeOf(msg)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return codec.Metadata{
		DataType:   typeName(t),
		MD5Sum:     md5OfType(t),
		Definition: definitionOf(t),
	}, nil
}

// Marshal implements codec.Codec.
func (c *Codec) Marshal(msg interface{}) ([]byte, error) {
	return msgpack.Marshal(msg)
}

// Unmarshal implements codec.Codec.
func (c *Codec) Unmarshal(data []byte, out interface{}) error {
	return msgpack.Unmarshal(data, out)
}

// MD5SumOf implements codec.Codec.
func (c *Codec) MD5SumOf(out interface{}) (string, error) {
	t := reflect.TypeOf(out)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return md5OfType(t), nil
}

func typeName(t reflect.Type) string {
	return fmt.Sprintf("%s/%s", t.PkgPath(), t.Name())
}

// definitionOf renders a stable field-name:field-type listing, standing
// in for the textual message definition a real message system would
// provide.
func definitionOf(t reflect.Type) string {
	if t.Kind() != reflect.Struct {
		return t.String()
	}
	lines := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		lines = append(lines, fmt.Sprintf("%s %s", f.Type.String(), f.Name))
	}
	return strings.Join(lines, "\n")
}

// md5OfType hashes the type's name and field layout, giving a stable
// fingerprint that changes if and only if the Go struct shape changes —
// deliberately not a general schema-evolution mechanism (spec.md
// Non-goals: "no schema evolution or migration between message
// definitions").
func md5OfType(t reflect.Type) string {
	fields := definitionOf(t)
	sorted := strings.Split(fields, "\n")
	sort.Strings(sorted)
	sum := md5.Sum([]byte(typeName(t) + "\n" + strings.Join(sorted, "\n"))) //nolint:gosec
	return fmt.Sprintf("%x", sum)
}
