package bag

import (
	"encoding/binary"

	"github.com/seoulrobotics/rosbag-io/header"
	"github.com/seoulrobotics/rosbag-io/stamp"
)

// Header field values for op/conn/index_pos/etc. are raw fixed-width
// binary, not decimal text — matching spec.md §6's u32/u64 field types.

func encodeOp(o Op) []byte { return []byte{byte(o)} }

func decodeOp(b []byte) (Op, error) {
	if len(b) != 1 {
		return 0, FormatError("bag: op field must be 1 byte")
	}
	return Op(b[0]), nil
}

func encodeU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func decodeU32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, FormatError("bag: expected 4-byte u32 field")
	}
	return binary.LittleEndian.Uint32(b), nil
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, FormatError("bag: expected 8-byte u64 field")
	}
	return binary.LittleEndian.Uint64(b), nil
}

func headerOp(hdr *header.Map) (Op, error) {
	v, ok := hdr.Get(FieldOp)
	if !ok {
		return 0, FormatError("bag: record missing op field")
	}
	return decodeOp(v)
}

func requireU32(hdr *header.Map, name string) (uint32, error) {
	v, ok := hdr.Get(name)
	if !ok {
		return 0, FormatError("bag: record missing " + name + " field")
	}
	return decodeU32(v)
}

func requireU64(hdr *header.Map, name string) (uint64, error) {
	v, ok := hdr.Get(name)
	if !ok {
		return 0, FormatError("bag: record missing " + name + " field")
	}
	return decodeU64(v)
}

func requireStamp(hdr *header.Map, name string) (stamp.Stamp, error) {
	v, ok := hdr.Get(name)
	if !ok {
		return stamp.Stamp{}, FormatError("bag: record missing " + name + " field")
	}
	return stamp.Decode(v)
}
