// Package encryptor defines the pluggable chunk/header encryption contract
// bag files use, plus the default no-op implementation.
package encryptor

import (
	"io"

	"github.com/seoulrobotics/rosbag-io/header"
)

// FieldName is the file-header field naming the active encryptor plugin.
// It is absent from the header entirely when NoOp is in effect, matching
// spec.md §6.
const FieldName = "encryptor"

// ChunkReadWriteSeeker is the positioned read/write surface an encryptor
// needs to rewrite chunk bytes in place; the bag passes the *os.File
// returned by ChunkedFile.File.
type ChunkReadWriteSeeker interface {
	io.ReaderAt
	io.WriterAt
}

// Plugin is the external contract a bag file's encryption hook must
// satisfy, matching spec.md §6 and original_source's encryptor.h.
type Plugin interface {
	// Initialize is called once, when the plugin is attached to a bag,
	// with a plugin-specific parameter string.
	Initialize(param string) error

	// EncryptChunk encrypts the chunkSize bytes at chunkDataPos in file
	// in place and returns the new (possibly different) size.
	EncryptChunk(chunkSize uint32, chunkDataPos int64, file ChunkReadWriteSeeker) (uint32, error)

	// DecryptChunk reads the encrypted chunk described by
	// (chunkDataPos, encryptedSize) from file and returns the decrypted
	// bytes.
	DecryptChunk(chunkDataPos int64, encryptedSize uint32, file ChunkReadWriteSeeker) ([]byte, error)

	// AddFieldsToFileHeader lets the plugin record whatever state it
	// needs (key ids, nonces, ...) into the bag's file header fields.
	AddFieldsToFileHeader(fields *header.Map)

	// ReadFieldsFromFileHeader restores plugin state from a file header
	// previously written by AddFieldsToFileHeader.
	ReadFieldsFromFileHeader(fields *header.Map) error

	// WriteEncryptedHeader transforms the encoded bytes of the bag's
	// FileHeaderLength-sized BAG_HEADER record header block immediately
	// before they are written to disk. The returned slice must be the
	// same length as encoded. index_pos/conn_count/chunk_count are
	// patched in place at Close by passing just the patched field's bytes
	// back through this same method as their own small buffer, so the
	// transform must depend only on each byte's own value, never on its
	// position or its neighbors, as NoOp and a fixed-key XOR cipher do; a
	// block cipher or a position-dependent stream cipher cannot satisfy
	// this contract.
	WriteEncryptedHeader(encoded []byte) ([]byte, error)

	// ReadEncryptedHeader is the inverse of WriteEncryptedHeader, applied
	// to the BAG_HEADER record's header block bytes right after they are
	// read from disk and before they are parsed as a header.Map.
	ReadEncryptedHeader(raw []byte) ([]byte, error)

	// Name identifies the plugin; it is the value written under
	// FieldName.
	Name() string
}

// NoOp is the default Plugin: chunk and header bytes pass through
// unchanged, and it never writes FieldName to the file header.
type NoOp struct{}

var _ Plugin = NoOp{}

// Initialize implements Plugin.
func (NoOp) Initialize(string) error { return nil }

// EncryptChunk implements Plugin: a pass-through, size unchanged.
func (NoOp) EncryptChunk(chunkSize uint32, _ int64, _ ChunkReadWriteSeeker) (uint32, error) {
	return chunkSize, nil
}

// DecryptChunk implements Plugin: reads the plain bytes back out.
func (NoOp) DecryptChunk(chunkDataPos int64, size uint32, file ChunkReadWriteSeeker) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := file.ReadAt(buf, chunkDataPos); err != nil {
		return nil, err
	}
	return buf, nil
}

// AddFieldsToFileHeader implements Plugin: NoOp writes nothing.
func (NoOp) AddFieldsToFileHeader(*header.Map) {}

// ReadFieldsFromFileHeader implements Plugin: NoOp reads nothing.
func (NoOp) ReadFieldsFromFileHeader(*header.Map) error { return nil }

// WriteEncryptedHeader implements Plugin: a pass-through, bytes unchanged.
func (NoOp) WriteEncryptedHeader(encoded []byte) ([]byte, error) { return encoded, nil }

// ReadEncryptedHeader implements Plugin: a pass-through, bytes unchanged.
func (NoOp) ReadEncryptedHeader(raw []byte) ([]byte, error) { return raw, nil }

// Name implements Plugin.
func (NoOp) Name() string { return "" }
