// Package chunkedfile provides positioned binary I/O over a single OS
// file, transparently switching between raw, BZ2, and LZ4 streams for a
// currently-open chunk (spec.md §4.2). Only one compressed stream — read
// or write — may be active at a time; while one is active, Seek is
// forbidden and Read/Write must be used strictly sequentially.
package chunkedfile

import (
	"bytes"
	"io"
	"os"

	"github.com/dsnet/compress/bzip2"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Compression identifies a chunk's on-disk compression codec.
type Compression string

// The three codecs spec.md §6 names.
const (
	None Compression = "none"
	BZ2  Compression = "bz2"
	LZ4  Compression = "lz4"
)

// Mode is the open mode for the underlying OS file.
type Mode int

// Open modes, matching spec.md §4.2.
const (
	ModeRead Mode = iota
	ModeWrite
	ModeAppend
	ModeReadWrite
)

// CorruptionError signals that a compressed stream reported malformed or
// corrupt data, distinct from an ordinary OS-level I/O failure, which this
// package returns as a plain wrapped error.
type CorruptionError struct {
	Compression Compression
	Err         error
}

func (e *CorruptionError) Error() string {
	return "chunkedfile: corrupt " + string(e.Compression) + " stream: " + e.Err.Error()
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// ChunkedFile wraps an *os.File with an optional active compressed
// stream. It is not safe for concurrent use (spec.md §5).
type ChunkedFile struct {
	file *os.File
	mode Mode

	writer       io.Writer
	writerCloser io.Closer
	countW       *countingWriter

	reader       io.Reader
	readerCloser io.Closer
	countR       *countingReader

	activeCompression Compression
}

// Open opens path in the given mode. ModeWrite truncates/creates; ModeRead
// requires the file to exist; ModeAppend and ModeReadWrite open for both
// reading and writing without truncation.
func Open(path string, mode Mode) (*ChunkedFile, error) {
	var flag int
	switch mode {
	case ModeRead:
		flag = os.O_RDONLY
	case ModeWrite:
		flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case ModeAppend, ModeReadWrite:
		flag = os.O_RDWR | os.O_CREATE
	default:
		return nil, errors.Errorf("chunkedfile: unknown mode %d", mode)
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "chunkedfile: open")
	}
	return &ChunkedFile{file: f, mode: mode}, nil
}

// Close closes the underlying file. It is idempotent: closing an
// already-closed ChunkedFile returns nil.
func (cf *ChunkedFile) Close() error {
	if cf.file == nil {
		return nil
	}
	err := cf.file.Close()
	cf.file = nil
	return errors.Wrap(err, "chunkedfile: close")
}

// Tell returns the current file offset.
func (cf *ChunkedFile) Tell() (int64, error) {
	pos, err := cf.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, errors.Wrap(err, "chunkedfile: tell")
	}
	return pos, nil
}

// Seek moves the file offset to pos from the start of the file. It fails
// if a compressed stream is currently active.
func (cf *ChunkedFile) Seek(pos int64) error {
	if cf.streamActive() {
		return errors.New("chunkedfile: seek while a compressed stream is active")
	}
	if _, err := cf.file.Seek(pos, io.SeekStart); err != nil {
		return errors.Wrap(err, "chunkedfile: seek")
	}
	return nil
}

// SeekEnd moves the file offset to the end of the file and returns the
// resulting offset (the file's current size).
func (cf *ChunkedFile) SeekEnd() (int64, error) {
	if cf.streamActive() {
		return 0, errors.New("chunkedfile: seek while a compressed stream is active")
	}
	pos, err := cf.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "chunkedfile: seek end")
	}
	return pos, nil
}

func (cf *ChunkedFile) streamActive() bool {
	return cf.writer != nil || cf.reader != nil
}

// WriteRaw writes p at the current position without going through any
// compressed stream. Used for record envelopes outside a chunk (the file
// header, CONNECTION, CHUNK, INDEX_DATA, and CHUNK_INFO records) which
// are never themselves compressed.
func (cf *ChunkedFile) WriteRaw(p []byte) error {
	if cf.streamActive() {
		return errors.New("chunkedfile: raw write while a compressed stream is active")
	}
	n, err := cf.file.Write(p)
	if err != nil {
		return errors.Wrap(err, "chunkedfile: raw write")
	}
	if n != len(p) {
		return errors.Errorf("chunkedfile: short raw write: wrote %d of %d bytes", n, len(p))
	}
	return nil
}

// ReadRaw reads exactly len(p) bytes at the current position.
func (cf *ChunkedFile) ReadRaw(p []byte) error {
	if cf.streamActive() {
		return errors.New("chunkedfile: raw read while a compressed stream is active")
	}
	if _, err := io.ReadFull(cf.file, p); err != nil {
		return errors.Wrap(err, "chunkedfile: raw read")
	}
	return nil
}

// ReadRawAt reads exactly len(p) bytes at the given absolute offset,
// without disturbing the file's current sequential position semantics
// otherwise (a plain positioned read).
func (cf *ChunkedFile) ReadRawAt(p []byte, offset int64) error {
	if _, err := cf.file.ReadAt(p, offset); err != nil {
		return errors.Wrap(err, "chunkedfile: positioned read")
	}
	return nil
}

// WriteRawAt writes p at the given absolute offset. Used to patch a
// previously-reserved header in place (e.g. the BAG_HEADER record at
// close, or a CHUNK header's compressed size once known).
func (cf *ChunkedFile) WriteRawAt(p []byte, offset int64) error {
	if _, err := cf.file.WriteAt(p, offset); err != nil {
		return errors.Wrap(err, "chunkedfile: positioned write")
	}
	return nil
}

// File exposes the underlying *os.File for callers (namely encryptor
// plugins) that need direct ReaderAt/WriterAt access to chunk bytes.
func (cf *ChunkedFile) File() *os.File { return cf.file }

// StartWrite begins a compressed output stream at the current file
// position using the given codec. Only one stream may be active.
func (cf *ChunkedFile) StartWrite(c Compression) error {
	if cf.streamActive() {
		return errors.New("chunkedfile: a stream is already active")
	}
	cf.countW = &countingWriter{w: cf.file}
	cf.activeCompression = c

	switch c {
	case None:
		cf.writer = cf.countW
	case BZ2:
		w, err := bzip2.NewWriter(cf.countW, nil)
		if err != nil {
			return errors.Wrap(err, "chunkedfile: creating bz2 writer")
		}
		cf.writer = w
		cf.writerCloser = w
	case LZ4:
		w := lz4.NewWriter(cf.countW)
		cf.writer = w
		cf.writerCloser = w
	default:
		return errors.Errorf("chunkedfile: unknown compression %q", c)
	}
	return nil
}

// Write feeds p into the active write stream.
func (cf *ChunkedFile) Write(p []byte) (int, error) {
	if cf.writer == nil {
		return 0, errors.New("chunkedfile: no active write stream")
	}
	n, err := cf.writer.Write(p)
	if err != nil {
		return n, classifyStreamErr(cf.activeCompression, err)
	}
	return n, nil
}

// StopWrite finalizes the active write stream, returning the number of
// compressed bytes actually written to the file (== uncompressed size for
// Compression None).
func (cf *ChunkedFile) StopWrite() (compressedSize uint32, err error) {
	if cf.writer == nil {
		return 0, errors.New("chunkedfile: no active write stream")
	}
	if cf.writerCloser != nil {
		if err := cf.writerCloser.Close(); err != nil {
			cf.resetWrite()
			return 0, classifyStreamErr(cf.activeCompression, err)
		}
	}
	n := cf.countW.n
	cf.resetWrite()
	return uint32(n), nil
}

func (cf *ChunkedFile) resetWrite() {
	cf.writer = nil
	cf.writerCloser = nil
	cf.countW = nil
	cf.activeCompression = ""
}

// StartRead begins a compressed input stream at the current file
// position, reading at most compressedSize bytes of underlying file data.
func (cf *ChunkedFile) StartRead(c Compression, compressedSize uint32) error {
	if cf.streamActive() {
		return errors.New("chunkedfile: a stream is already active")
	}
	limited := io.LimitReader(cf.file, int64(compressedSize))
	cf.countR = &countingReader{r: limited}
	cf.activeCompression = c

	switch c {
	case None:
		cf.reader = cf.countR
	case BZ2:
		r, err := bzip2.NewReader(cf.countR, nil)
		if err != nil {
			return errors.Wrap(err, "chunkedfile: creating bz2 reader")
		}
		cf.reader = r
		cf.readerCloser = r
	case LZ4:
		cf.reader = lz4.NewReader(cf.countR)
	default:
		return errors.Errorf("chunkedfile: unknown compression %q", c)
	}
	return nil
}

// Read reads from the active read stream.
func (cf *ChunkedFile) Read(p []byte) (int, error) {
	if cf.reader == nil {
		return 0, errors.New("chunkedfile: no active read stream")
	}
	n, err := cf.reader.Read(p)
	if err != nil && err != io.EOF {
		return n, classifyStreamErr(cf.activeCompression, err)
	}
	return n, err
}

// ReadFull reads exactly len(p) bytes from the active read stream.
func (cf *ChunkedFile) ReadFull(p []byte) error {
	_, err := io.ReadFull(cf, p)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return errors.Wrap(err, "chunkedfile: short read")
		}
		return err
	}
	return nil
}

// StopRead finalizes the active read stream.
func (cf *ChunkedFile) StopRead() error {
	if cf.reader == nil {
		return errors.New("chunkedfile: no active read stream")
	}
	var err error
	if cf.readerCloser != nil {
		err = cf.readerCloser.Close()
	}
	cf.reader = nil
	cf.readerCloser = nil
	cf.countR = nil
	cf.activeCompression = ""
	if err != nil {
		return errors.Wrap(err, "chunkedfile: closing read stream")
	}
	return nil
}

// BytesIn returns the number of compressed bytes consumed from the
// underlying file by the active stream so far (read side) or written to
// it (write side, where it equals the compressed size accrued).
func (cf *ChunkedFile) BytesIn() uint32 {
	switch {
	case cf.countR != nil:
		return uint32(cf.countR.n)
	case cf.countW != nil:
		return uint32(cf.countW.n)
	default:
		return 0
	}
}

// DecompressBuffer decompresses an in-memory compressed chunk body
// (already read off disk and, if applicable, already decrypted) into a
// buffer of exactly uncompressedSize bytes. Unlike StartRead/Read, this
// works against a byte slice rather than the file itself — the chunk
// reader already has the whole compressed body in hand once
// Encryptor.DecryptChunk has run.
func DecompressBuffer(c Compression, compressed []byte, uncompressedSize uint32) ([]byte, error) {
	var r io.Reader
	switch c {
	case None:
		if uint32(len(compressed)) != uncompressedSize {
			return nil, errors.Errorf("chunkedfile: raw chunk size mismatch: got %d, want %d", len(compressed), uncompressedSize)
		}
		return compressed, nil
	case BZ2:
		br, err := bzip2.NewReader(bytes.NewReader(compressed), nil)
		if err != nil {
			return nil, errors.Wrap(err, "chunkedfile: creating bz2 reader")
		}
		r = br
	case LZ4:
		r = lz4.NewReader(bytes.NewReader(compressed))
	default:
		return nil, errors.Errorf("chunkedfile: unknown compression %q", c)
	}

	out := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, &CorruptionError{Compression: c, Err: err}
	}
	return out, nil
}

func classifyStreamErr(c Compression, err error) error {
	if c == None {
		return errors.Wrap(err, "chunkedfile: raw stream I/O")
	}
	return &CorruptionError{Compression: c, Err: err}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
