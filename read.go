package bag

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/seoulrobotics/rosbag-io/chunkedfile"
	"github.com/seoulrobotics/rosbag-io/codec"
	"github.com/seoulrobotics/rosbag-io/header"
	"github.com/seoulrobotics/rosbag-io/index"
	"github.com/seoulrobotics/rosbag-io/record"
	"github.com/seoulrobotics/rosbag-io/stamp"
)

// openRead implements Open(path, ModeRead): detect the magic line and
// dispatch to the V1.2 or V2.0 open path (spec.md §4.5).
func (b *Bag) openRead() error {
	cf, err := chunkedfile.Open(b.path, chunkedfile.ModeRead)
	if err != nil {
		return errReport("bag: open read", errors.Wrap(err, "bag: opening file"))
	}
	b.cf = cf
	return b.detectVersionAndLoadIndex()
}

func (b *Bag) detectVersionAndLoadIndex() error {
	line, err := b.readMagicLine()
	if err != nil {
		return err
	}
	switch line {
	case MagicV2:
		b.majorVersion, b.minorVersion = 2, 0
		return b.openReadV2()
	case MagicV1:
		b.majorVersion, b.minorVersion = 1, 2
		return b.openReadV1()
	default:
		return errReport("bag: open read", FormatError("bag: unrecognized magic line"))
	}
}

// readMagicLine reads the file's first line, up to and including its
// trailing newline, bounding the scan so a headerless file surfaces a
// FormatError rather than reading forever.
func (b *Bag) readMagicLine() (string, error) {
	var line []byte
	tmp := make([]byte, 1)
	for i := 0; i < 64; i++ {
		if err := b.cf.ReadRaw(tmp); err != nil {
			return "", errReport("bag: open read", IoError(err.Error()))
		}
		line = append(line, tmp[0])
		if tmp[0] == '\n' {
			return string(line), nil
		}
	}
	return "", errReport("bag: open read", FormatError("bag: missing magic line"))
}

// readRecordHeader reads one record's header_len/header/data_len at the
// current position without consuming the data block, returning the
// header, the data block's length, and the file position the data block
// starts at.
func (b *Bag) readRecordHeader() (*header.Map, uint32, int64, error) {
	var lenBuf [4]byte
	if err := b.cf.ReadRaw(lenBuf[:]); err != nil {
		return nil, 0, 0, errors.Wrap(err, "bag: reading header_len")
	}
	headerLen := binary.LittleEndian.Uint32(lenBuf[:])

	headerBuf := make([]byte, headerLen)
	if err := b.cf.ReadRaw(headerBuf); err != nil {
		return nil, 0, 0, errors.Wrap(err, "bag: reading header block")
	}
	hdr, err := header.Decode(headerBuf, len(headerBuf))
	if err != nil {
		return nil, 0, 0, errors.Wrap(err, "bag: decoding header")
	}

	if err := b.cf.ReadRaw(lenBuf[:]); err != nil {
		return nil, 0, 0, errors.Wrap(err, "bag: reading data_len")
	}
	dataLen := binary.LittleEndian.Uint32(lenBuf[:])

	dataStart, err := b.cf.Tell()
	if err != nil {
		return nil, 0, 0, err
	}
	return hdr, dataLen, dataStart, nil
}

// readEnvelopeRaw reads one complete record (header and data) at the
// current position, outside any chunk stream.
func (b *Bag) readEnvelopeRaw() (*record.Envelope, error) {
	hdr, dataLen, _, err := b.readRecordHeader()
	if err != nil {
		return nil, err
	}
	data := make([]byte, dataLen)
	if dataLen > 0 {
		if err := b.cf.ReadRaw(data); err != nil {
			return nil, errors.Wrap(err, "bag: reading data block")
		}
	}
	return &record.Envelope{Header: hdr, Data: data}, nil
}

// readRawFileHeaderBlock reads one record's header_len/header/data_len/data
// framing at the current position, discarding the data block (the
// BAG_HEADER record's is just space padding) and returning the header
// block undecoded, so it can be run through the encryptor plugin's
// ReadEncryptedHeader before being parsed as a header.Map.
func (b *Bag) readRawFileHeaderBlock() ([]byte, error) {
	var lenBuf [4]byte
	if err := b.cf.ReadRaw(lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "bag: reading header_len")
	}
	headerLen := binary.LittleEndian.Uint32(lenBuf[:])

	headerBytes := make([]byte, headerLen)
	if err := b.cf.ReadRaw(headerBytes); err != nil {
		return nil, errors.Wrap(err, "bag: reading header block")
	}

	if err := b.cf.ReadRaw(lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "bag: reading data_len")
	}
	dataLen := binary.LittleEndian.Uint32(lenBuf[:])
	if dataLen > 0 {
		if err := b.cf.ReadRaw(make([]byte, dataLen)); err != nil {
			return nil, errors.Wrap(err, "bag: reading data block")
		}
	}
	return headerBytes, nil
}

// unindexed wraps err as an UnindexedError carrying the current file
// offset, matching spec.md §4.8's policy for failures while reading the
// index region.
func (b *Bag) unindexed(err error) error {
	pos, _ := b.cf.Tell()
	return errReport("bag: open read", &UnindexedError{Msg: err.Error(), ByteOffset: pos})
}

// openReadV2 implements spec.md §4.5's V2.0 path: read the BAG_HEADER,
// jump to the index region, rebuild connections_ and chunks_, then merge
// every chunk's INDEX_DATA records into connection_indexes_. No chunk
// body is decompressed.
func (b *Bag) openReadV2() error {
	fileHeaderPos, err := b.cf.Tell()
	if err != nil {
		return errReport("bag: open read", err)
	}
	rawHeaderBytes, err := b.readRawFileHeaderBlock()
	if err != nil {
		return errReport("bag: open read", FormatError(err.Error()))
	}
	decHeaderBytes, err := b.encryptorPlugin.ReadEncryptedHeader(rawHeaderBytes)
	if err != nil {
		return errReport("bag: open read", newEncryptionError(err))
	}
	hdr, err := header.Decode(decHeaderBytes, len(decHeaderBytes))
	if err != nil {
		return errReport("bag: open read", FormatError(err.Error()))
	}
	if op, err := headerOp(hdr); err != nil || op != OpBagHeader {
		return errReport("bag: open read", FormatError("bag: expected BAG_HEADER record"))
	}
	if err := b.encryptorPlugin.ReadFieldsFromFileHeader(hdr); err != nil {
		return errReport("bag: open read", newEncryptionError(err))
	}

	// Record the BAG_HEADER's field offsets so that, if this bag is
	// reopened for Append, closeWrite can patch index_pos/conn_count/
	// chunk_count in place exactly as writeFileHeaderRecord does on a
	// fresh Write bag.
	b.fileHeaderPos = fileHeaderPos
	if off, _, ok := hdr.ValueOffset(FieldIndexPos); ok {
		b.fileHeaderIndexPosAbs = fileHeaderPos + 4 + int64(off)
	}
	if off, _, ok := hdr.ValueOffset(FieldConnCount); ok {
		b.fileHeaderConnCountAbs = fileHeaderPos + 4 + int64(off)
	}
	if off, _, ok := hdr.ValueOffset(FieldChunkCount); ok {
		b.fileHeaderChunkCountAbs = fileHeaderPos + 4 + int64(off)
	}

	indexPos, err := requireU64(hdr, FieldIndexPos)
	if err != nil {
		return errReport("bag: open read", err)
	}
	connCount, err := requireU32(hdr, FieldConnCount)
	if err != nil {
		return errReport("bag: open read", err)
	}
	chunkCount, err := requireU32(hdr, FieldChunkCount)
	if err != nil {
		return errReport("bag: open read", err)
	}
	b.indexPos = indexPos
	if indexPos == 0 {
		// Close never patched the placeholder: there is no index region.
		return b.unindexed(FormatError("bag: index_pos was never written"))
	}

	if err := b.cf.Seek(int64(indexPos)); err != nil {
		return b.unindexed(err)
	}

	for i := uint32(0); i < connCount; i++ {
		if err := b.readConnectionRecord(); err != nil {
			return b.unindexed(err)
		}
	}
	for i := uint32(0); i < chunkCount; i++ {
		if err := b.readChunkInfoRecordAndIndex(); err != nil {
			return b.unindexed(err)
		}
	}
	return nil
}

func (b *Bag) readConnectionRecord() error {
	env, err := b.readEnvelopeRaw()
	if err != nil {
		return err
	}
	if op, err := headerOp(env.Header); err != nil || op != OpConnection {
		return FormatError("bag: expected CONNECTION record")
	}
	id, err := requireU32(env.Header, FieldConn)
	if err != nil {
		return err
	}
	topic, ok := env.Header.GetString(FieldTopic)
	if !ok {
		return FormatError("bag: CONNECTION record missing topic")
	}
	nested, err := header.Decode(env.Data, len(env.Data))
	if err != nil {
		return errors.Wrap(err, "bag: decoding connection header")
	}
	dataType, _ := nested.GetString(FieldType)
	md5sum, _ := nested.GetString(FieldMD5Sum)
	msgDef, _ := nested.GetString(FieldMessageDef)

	connInfo := &ConnectionInfo{
		ID: id, Topic: topic, DataType: dataType, MD5Sum: md5sum, MsgDef: msgDef, Header: nested,
	}
	b.connections[id] = connInfo
	b.topicConnectionIDs[topic] = id
	_, key := normalizedHeaderKey(topic, nested)
	b.headerConnectionIDs[key] = id
	if id >= b.nextConnID {
		b.nextConnID = id + 1
	}
	return nil
}

func (b *Bag) readChunkInfoRecordAndIndex() error {
	env, err := b.readEnvelopeRaw()
	if err != nil {
		return err
	}
	if op, err := headerOp(env.Header); err != nil || op != OpChunkInfo {
		return FormatError("bag: expected CHUNK_INFO record")
	}
	// The next CHUNK_INFO record starts here; come back to it once this
	// chunk's INDEX_DATA records have been read.
	nextInfoPos, err := b.cf.Tell()
	if err != nil {
		return err
	}
	chunkPos, err := requireU64(env.Header, FieldChunkPos)
	if err != nil {
		return err
	}
	startTime, err := requireStamp(env.Header, FieldStartTime)
	if err != nil {
		return err
	}
	endTime, err := requireStamp(env.Header, FieldEndTime)
	if err != nil {
		return err
	}
	count, err := requireU32(env.Header, FieldCount)
	if err != nil {
		return err
	}

	ci := ChunkInfo{Pos: int64(chunkPos), StartTime: startTime, EndTime: endTime, ConnectionCounts: make(map[uint32]uint32)}
	if uint64(count)*8 != uint64(len(env.Data)) {
		return FormatError("bag: CHUNK_INFO data length mismatch")
	}
	for i := uint32(0); i < count; i++ {
		off := i * 8
		connID := binary.LittleEndian.Uint32(env.Data[off : off+4])
		msgCount := binary.LittleEndian.Uint32(env.Data[off+4 : off+8])
		ci.ConnectionCounts[connID] = msgCount
	}
	b.chunks = append(b.chunks, ci)

	if err := b.cf.Seek(ci.Pos); err != nil {
		return err
	}
	chunkHdr, dataLen, dataStart, err := b.readRecordHeader()
	if err != nil {
		return err
	}
	if op, err := headerOp(chunkHdr); err != nil || op != OpChunk {
		return FormatError("bag: expected CHUNK record")
	}
	// Skip past the (opaque, possibly compressed) chunk body without
	// decompressing it — INDEX_DATA records for this chunk follow
	// immediately after.
	if err := b.cf.Seek(dataStart + int64(dataLen)); err != nil {
		return err
	}

	for _, connID := range connIDsSorted(ci.ConnectionCounts) {
		if err := b.readIndexDataRecord(connID, ci.Pos); err != nil {
			return err
		}
	}
	return b.cf.Seek(nextInfoPos)
}

func (b *Bag) readIndexDataRecord(expectConnID uint32, chunkPos int64) error {
	env, err := b.readEnvelopeRaw()
	if err != nil {
		return err
	}
	if op, err := headerOp(env.Header); err != nil || op != OpIndexData {
		return FormatError("bag: expected INDEX_DATA record")
	}
	connID, err := requireU32(env.Header, FieldConn)
	if err != nil {
		return err
	}
	if connID != expectConnID {
		return FormatError("bag: INDEX_DATA connection id mismatch")
	}
	count, err := requireU32(env.Header, FieldCount)
	if err != nil {
		return err
	}
	if uint64(count)*12 != uint64(len(env.Data)) {
		return FormatError("bag: INDEX_DATA data length mismatch")
	}

	set := b.bagIndexFor(connID)
	for i := uint32(0); i < count; i++ {
		off := i * 12
		t, err := stamp.Decode(env.Data[off : off+8])
		if err != nil {
			return err
		}
		offset := binary.LittleEndian.Uint32(env.Data[off+8 : off+12])
		set.Insert(index.Entry{Time: t, ChunkPos: chunkPos, Offset: offset})
	}
	return nil
}

// decompressChunk implements spec.md §4.5's decompressChunk: a size-one
// cache keyed by chunk position, invalidated whenever the bag's revision
// has advanced since the cached copy was produced (a concurrent write
// happened).
func (b *Bag) decompressChunk(chunkPos int64) ([]byte, error) {
	if b.cachedChunkPos == chunkPos && b.cachedChunkRevision == b.revision {
		return b.cachedChunkBytes, nil
	}

	if err := b.cf.Seek(chunkPos); err != nil {
		return nil, errReport("bag: read chunk", IoError(err.Error()))
	}
	hdr, dataLen, dataStart, err := b.readRecordHeader()
	if err != nil {
		return nil, errReport("bag: read chunk", FormatError(err.Error()))
	}
	if op, err := headerOp(hdr); err != nil || op != OpChunk {
		return nil, errReport("bag: read chunk", FormatError("bag: expected CHUNK record"))
	}
	compressionStr, _ := hdr.GetString(FieldCompression)
	uncompressedSize, err := requireU32(hdr, FieldSize)
	if err != nil {
		return nil, errReport("bag: read chunk", err)
	}

	ciphertext, err := b.encryptorPlugin.DecryptChunk(dataStart, dataLen, b.cf.File())
	if err != nil {
		return nil, errReport("bag: read chunk", newEncryptionError(err))
	}
	plaintext, err := chunkedfile.DecompressBuffer(chunkedfile.Compression(compressionStr), ciphertext, uncompressedSize)
	if err != nil {
		return nil, errReport("bag: read chunk", FormatError(err.Error()))
	}

	b.cachedChunkPos = chunkPos
	b.cachedChunkBytes = plaintext
	b.cachedChunkRevision = b.revision
	return plaintext, nil
}

// atEOF reports whether the file's current read position is at or past
// its end, used by the V1.2 sequential scan to know when to stop.
func (b *Bag) atEOF() (bool, error) {
	pos, err := b.cf.Tell()
	if err != nil {
		return false, err
	}
	size, err := b.GetSize()
	if err != nil {
		return false, err
	}
	return pos >= size, nil
}

// ReadMessage returns the connection and raw serialized payload for
// entry. Exported for the view package, which owns the N-way merge over
// a Bag's selected connections but has no access to its unexported chunk
// cache. Dispatches on format version: V2.0 entries address a chunk and
// an offset within it; V1.2 entries (spec.md §4.5, §9 Open Question on
// preserving the observed per-version asymmetry) address a standalone
// record directly.
func (b *Bag) ReadMessage(entry index.Entry) (*ConnectionInfo, []byte, error) {
	if b.majorVersion == 1 {
		return b.readMessageV1(entry)
	}
	return b.readMessageV2(entry)
}

func (b *Bag) readMessageV2(entry index.Entry) (*ConnectionInfo, []byte, error) {
	chunkBytes, err := b.decompressChunk(entry.ChunkPos)
	if err != nil {
		return nil, nil, err
	}
	env, _, err := record.ReadFromBuffer(chunkBytes, entry.Offset)
	if err != nil {
		return nil, nil, errReport("bag: read message", FormatError(err.Error()))
	}
	op, err := headerOp(env.Header)
	if err != nil || op != OpMessageData {
		return nil, nil, errReport("bag: read message", FormatError("bag: expected MESSAGE_DATA record"))
	}
	connID, err := requireU32(env.Header, FieldConn)
	if err != nil {
		return nil, nil, errReport("bag: read message", err)
	}
	connInfo, ok := b.connections[connID]
	if !ok {
		return nil, nil, errReport("bag: read message", FormatError("bag: message references unknown connection"))
	}
	return connInfo, env.Data, nil
}

// Connections returns the bag's connection table keyed by id. The
// returned map must not be mutated by the caller.
func (b *Bag) Connections() map[uint32]*ConnectionInfo { return b.connections }

// ConnectionIndex returns the whole-bag index set for a connection id.
func (b *Bag) ConnectionIndex(id uint32) (*index.Set, bool) {
	s, ok := b.connectionIndexes[id]
	return s, ok
}

// Revision returns the bag's write-revision counter, incremented by every
// Write that passes argument validation, before its message is written. The view package uses this to detect concurrent
// writes and re-seed its cursors.
func (b *Bag) Revision() uint64 { return b.revision }

// Codec returns the Codec the bag was opened with.
func (b *Bag) Codec() codec.Codec { return b.codec }
