// Package codec defines the opaque message-type contract the bag engine
// delegates to: given a typed message it produces a serialized buffer and
// a datatype/md5sum/definition triple; given a buffer and a destination it
// deserializes. The bag engine treats every Codec as a black box — this
// package never inspects message contents.
package codec

// Metadata is the datatype/md5sum/definition triple a Codec must supply
// for every message type it can serialize. These three strings are what
// gets written into a CONNECTION record's data block (spec.md §6).
type Metadata struct {
	DataType   string
	MD5Sum     string
	Definition string
}

// Codec serializes and deserializes messages of some external message
// type system. It is provided by the caller of the bag engine, not by
// this module.
type Codec interface {
	// MetadataFor returns the Metadata describing msg's type.
	MetadataFor(msg interface{}) (Metadata, error)

	// Marshal serializes msg to bytes.
	Marshal(msg interface{}) ([]byte, error)

	// Unmarshal deserializes data into out, which must be a pointer to a
	// value of the target message type.
	Unmarshal(data []byte, out interface{}) error

	// MD5SumOf returns the MD5 sum a zero-value of the same Go type as
	// out would report, without needing an existing MD5. "*" is the
	// wildcard sum accepted by MessageInstance.Instantiate for any
	// connection.
	MD5SumOf(out interface{}) (string, error)
}
