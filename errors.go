package bag

import (
	"fmt"

	"github.com/seoulrobotics/rosbag-io/internal/logging"
)

// IoError wraps an OS-level failure: a short read, a write failure, or an
// unexpected EOF (spec.md §4.8).
type IoError string

func (e IoError) Error() string { return string(e) }

// FormatError signals a malformed record, an unknown opcode, an unknown
// version, an unknown compression codec, or a missing required header
// field (spec.md §4.8).
type FormatError string

func (e FormatError) Error() string { return string(e) }

// UnindexedError signals a V2.0 bag whose index region is truncated or
// missing. ByteOffset records the file position parsing failed at, so an
// offline reindex tool can resume a tail scan from there (spec.md §4.8,
// §7 — reindex itself is out of scope of this engine).
type UnindexedError struct {
	Msg        string
	ByteOffset int64
}

func (e *UnindexedError) Error() string {
	return fmt.Sprintf("bag: unindexed at offset %d: %s", e.ByteOffset, e.Msg)
}

// EncryptionError wraps a failure inside an Encryptor plugin.
type EncryptionError string

func (e EncryptionError) Error() string { return string(e) }

// UsageError signals a mode mismatch, a double open, a write before open,
// or an operation unsupported for the bag's on-disk version.
type UsageError string

func (e UsageError) Error() string { return string(e) }

// errReport logs err at Error level, prefixed with op, and returns err
// itself unchanged: the op prefix appears only in the log line, not in the
// returned error.
func errReport(op string, err error) error {
	logging.Errorf("%s: %v", op, err)
	return err
}
