// Package bag implements the bag file storage engine: a self-describing,
// indexed, chunked container for timestamped, typed messages. See
// chunkedfile, header, record, index, codec, and encryptor for the leaf
// concerns this package composes.
package bag

import (
	"os"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/seoulrobotics/rosbag-io/buffer"
	"github.com/seoulrobotics/rosbag-io/chunkedfile"
	"github.com/seoulrobotics/rosbag-io/codec"
	"github.com/seoulrobotics/rosbag-io/encryptor"
	"github.com/seoulrobotics/rosbag-io/index"
)

// Mode is the mode a Bag was opened in.
type Mode int

// Open modes, spec.md §3/§6.
const (
	ModeRead Mode = iota
	ModeWrite
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeAppend:
		return "append"
	default:
		return "unknown"
	}
}

// defaultChunkThreshold matches the 768 KiB default a real rosbag writer
// uses before rolling to a new chunk.
const defaultChunkThreshold = 768 * 1024

// Option configures a Bag at Open time.
type Option func(*Bag)

// WithCodec supplies the Codec used to serialize/deserialize message
// payloads and derive CONNECTION metadata. Required for Write and Append.
// A Bag opened for Read never calls it itself, but
// view.MessageInstance.Instantiate deserializes through the Bag's Codec.
func WithCodec(c codec.Codec) Option {
	return func(b *Bag) { b.codec = c }
}

// WithCompression sets the chunk compression codec new chunks are written
// with. Default is chunkedfile.None.
func WithCompression(c chunkedfile.Compression) Option {
	return func(b *Bag) { b.compression = c }
}

// WithChunkThreshold sets the uncompressed chunk size, in bytes, past
// which a chunk is closed and a new one started. Default is 768 KiB.
func WithChunkThreshold(n uint32) Option {
	return func(b *Bag) { b.chunkThreshold = n }
}

// WithEncryptor attaches an encryptor.Plugin, initialized with param.
// Default is encryptor.NoOp{}.
func WithEncryptor(p encryptor.Plugin, param string) Option {
	return func(b *Bag) { b.pendingEncryptor = p; b.pendingEncryptorParam = param }
}

// Bag is the storage engine's open handle onto one bag file. It owns the
// file descriptor, the connection and chunk tables, and the two
// per-connection index tables (spec.md §3). A Bag is not safe for
// concurrent use (spec.md §5); the caller serializes.
type Bag struct {
	path string
	mode Mode
	lock *flock.Flock

	cf           *chunkedfile.ChunkedFile
	majorVersion int
	minorVersion int

	revision uint64

	codec           codec.Codec
	compression     chunkedfile.Compression
	chunkThreshold  uint32
	encryptorPlugin encryptor.Plugin

	pendingEncryptor      encryptor.Plugin
	pendingEncryptorParam string

	connections         map[uint32]*ConnectionInfo
	topicConnectionIDs  map[string]uint32
	headerConnectionIDs map[string]uint32
	nextConnID          uint32
	connectionIndexes   map[uint32]*index.Set

	chunks []ChunkInfo

	chunkOpen                  bool
	currChunk                  ChunkInfo
	currChunkConnectionIndexes map[uint32]*index.Set
	currChunkSizeAbsOffset     int64
	currChunkDataLenAbsOffset  int64
	currChunkDataPos           int64
	outgoingChunkBuffer        *buffer.Buffer

	fileHeaderPos            int64
	fileHeaderIndexPosAbs    int64
	fileHeaderConnCountAbs   int64
	fileHeaderChunkCountAbs  int64
	indexPos                 uint64

	cachedChunkPos      int64
	cachedChunkBytes    []byte
	cachedChunkRevision uint64

	closedErr error
	closed    bool
}

// Open opens path in the given mode, applying opts. Write truncates or
// creates the file; Read requires it to exist and be a well-formed bag;
// Append opens for read+write, rebuilding in-memory state from the
// existing index before accepting further writes.
func Open(path string, mode Mode, opts ...Option) (*Bag, error) {
	b := &Bag{
		path:                       path,
		mode:                       mode,
		compression:                chunkedfile.None,
		chunkThreshold:             defaultChunkThreshold,
		encryptorPlugin:            encryptor.NoOp{},
		connections:                make(map[uint32]*ConnectionInfo),
		topicConnectionIDs:         make(map[string]uint32),
		headerConnectionIDs:        make(map[string]uint32),
		connectionIndexes:          make(map[uint32]*index.Set),
		currChunkConnectionIndexes: make(map[uint32]*index.Set),
		outgoingChunkBuffer:        buffer.New(),
		cachedChunkPos:             -1,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.pendingEncryptor != nil {
		if err := b.pendingEncryptor.Initialize(b.pendingEncryptorParam); err != nil {
			return nil, errReport("bag: open", newEncryptionError(err))
		}
		b.encryptorPlugin = b.pendingEncryptor
	}

	var err error
	switch mode {
	case ModeWrite:
		err = b.openWrite()
	case ModeRead:
		err = b.openRead()
	case ModeAppend:
		err = b.openAppend()
	default:
		err = errReport("bag: open", UsageError("bag: unknown open mode"))
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// acquireLock takes an advisory, best-effort exclusive lock on the sibling
// file path+".lock" so a
// second process cannot open the same file for writing concurrently
// (spec.md §5 only speaks to intra-process serialization; this is an
// addition for the multi-process case, documented in DESIGN.md).
func (b *Bag) acquireLock() error {
	b.lock = flock.New(b.path + ".lock")
	ok, err := b.lock.TryLock()
	if err != nil {
		return errReport("bag: lock", errors.Wrap(err, "bag: acquiring write lock"))
	}
	if !ok {
		return errReport("bag: lock", UsageError("bag: file is already open for writing by another process"))
	}
	return nil
}

// IsOpen reports whether the Bag currently holds an open file handle.
func (b *Bag) IsOpen() bool { return b.cf != nil && !b.closed }

// GetFileName returns the path the Bag was opened with.
func (b *Bag) GetFileName() string { return b.path }

// GetMode returns the mode the Bag was opened in.
func (b *Bag) GetMode() Mode { return b.mode }

// GetMajorVersion returns the on-disk format major version (1 or 2).
func (b *Bag) GetMajorVersion() int { return b.majorVersion }

// GetMinorVersion returns the on-disk format minor version.
func (b *Bag) GetMinorVersion() int { return b.minorVersion }

// GetSize returns the current file size in bytes.
func (b *Bag) GetSize() (int64, error) {
	fi, err := os.Stat(b.path)
	if err != nil {
		return 0, errReport("bag: size", errors.Wrap(err, "bag: stat"))
	}
	return fi.Size(), nil
}

// SetCompression sets the codec new chunks are written with. Only legal
// in Write or Append mode.
func (b *Bag) SetCompression(c chunkedfile.Compression) error {
	if b.mode == ModeRead {
		return errReport("bag: set compression", UsageError("bag: cannot set compression on a read-only bag"))
	}
	b.compression = c
	return nil
}

// GetCompression returns the codec new chunks are written with.
func (b *Bag) GetCompression() chunkedfile.Compression { return b.compression }

// SetChunkThreshold sets the uncompressed-bytes threshold that triggers a
// chunk rollover.
func (b *Bag) SetChunkThreshold(n uint32) error {
	if b.mode == ModeRead {
		return errReport("bag: set chunk threshold", UsageError("bag: cannot set chunk threshold on a read-only bag"))
	}
	b.chunkThreshold = n
	return nil
}

// GetChunkThreshold returns the uncompressed-bytes chunk rollover
// threshold.
func (b *Bag) GetChunkThreshold() uint32 { return b.chunkThreshold }

// SetEncryptorPlugin swaps in a new Encryptor plugin, initializing it with
// param. Only legal before any chunk has been written.
func (b *Bag) SetEncryptorPlugin(p encryptor.Plugin, param string) error {
	if b.chunkOpen || len(b.chunks) > 0 {
		return errReport("bag: set encryptor", UsageError("bag: cannot change encryptor after writing has begun"))
	}
	if err := p.Initialize(param); err != nil {
		return errReport("bag: set encryptor", newEncryptionError(err))
	}
	b.encryptorPlugin = p
	return nil
}

// Swap exchanges the entire internal state of b and other. Both must be
// distinct, already-open (or both closed) Bags; useful for atomically
// replacing a Bag's identity without disturbing callers holding a pointer
// to one side, matching the Buffer.Swap idiom used throughout this
// module.
func (b *Bag) Swap(other *Bag) {
	*b, *other = *other, *b
}

// Close flushes any pending chunk, finalizes the index region (Write and
// Append modes), and releases the OS file handle and advisory lock. Close
// is idempotent: closing an already-closed Bag returns nil. Per spec.md
// §7, Close always runs its release steps even if a flush step failed;
// the first error encountered is returned.
func (b *Bag) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	if (b.mode == ModeWrite || b.mode == ModeAppend) && b.cf != nil {
		if err := b.closeWrite(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.cf != nil {
		if err := b.cf.Close(); err != nil && firstErr == nil {
			firstErr = errReport("bag: close", errors.Wrap(err, "bag: closing file"))
		}
	}
	if b.lock != nil {
		_ = b.lock.Unlock()
	}
	return firstErr
}

// newEncryptionError adapts an arbitrary encryptor failure to the
// bag.EncryptionError taxonomy member (spec.md §4.8/§7).
func newEncryptionError(cause error) EncryptionError {
	return EncryptionError("bag: encryptor: " + cause.Error())
}
