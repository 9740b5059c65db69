package bag

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/seoulrobotics/rosbag-io/chunkedfile"
	"github.com/seoulrobotics/rosbag-io/encryptor"
	"github.com/seoulrobotics/rosbag-io/header"
	"github.com/seoulrobotics/rosbag-io/index"
	"github.com/seoulrobotics/rosbag-io/record"
	"github.com/seoulrobotics/rosbag-io/stamp"
)

// openWrite implements Open(path, ModeWrite): truncate/create, take the
// advisory write lock, and reserve the magic line and BAG_HEADER record
// (spec.md §4.4).
func (b *Bag) openWrite() error {
	if err := b.acquireLock(); err != nil {
		return err
	}
	cf, err := chunkedfile.Open(b.path, chunkedfile.ModeWrite)
	if err != nil {
		return errReport("bag: open write", errors.Wrap(err, "bag: opening file"))
	}
	b.cf = cf
	b.majorVersion, b.minorVersion = 2, 0

	if err := b.cf.WriteRaw([]byte(MagicV2)); err != nil {
		return errReport("bag: open write", err)
	}
	return b.writeFileHeaderRecord()
}

// writeFileHeaderRecord reserves the BAG_HEADER record: index_pos,
// conn_count, and chunk_count start as zeroed placeholders, patched in
// place by closeWrite once their real values are known. The whole record
// occupies exactly FileHeaderLength bytes, the remainder of its data block
// padded with spaces, so it never needs to move (spec.md §4.4/§6).
func (b *Bag) writeFileHeaderRecord() error {
	pos, err := b.cf.Tell()
	if err != nil {
		return errReport("bag: write file header", err)
	}
	b.fileHeaderPos = pos

	hdr := header.New()
	hdr.Set(FieldOp, encodeOp(OpBagHeader))
	hdr.Set(FieldIndexPos, encodeU64(0))
	hdr.Set(FieldConnCount, encodeU32(0))
	hdr.Set(FieldChunkCount, encodeU32(0))
	if name := b.encryptorPlugin.Name(); name != "" {
		hdr.SetString(encryptor.FieldName, name)
		b.encryptorPlugin.AddFieldsToFileHeader(hdr)
	}

	headerBytes := hdr.Encode(nil)
	encHeaderBytes, err := b.encryptorPlugin.WriteEncryptedHeader(headerBytes)
	if err != nil {
		return errReport("bag: write file header", newEncryptionError(err))
	}
	if len(encHeaderBytes) != len(headerBytes) {
		return errReport("bag: write file header", FormatError("bag: encryptor must preserve file header length"))
	}
	fixedOverhead := 4 + len(encHeaderBytes) + 4
	if fixedOverhead > FileHeaderLength {
		return errReport("bag: write file header", FormatError("bag: file header fields exceed FileHeaderLength"))
	}
	data := bytes.Repeat([]byte(" "), FileHeaderLength-fixedOverhead)

	if err := b.writeRawRecord(encHeaderBytes, data); err != nil {
		return err
	}

	indexPosOff, _, _ := hdr.ValueOffset(FieldIndexPos)
	connCountOff, _, _ := hdr.ValueOffset(FieldConnCount)
	chunkCountOff, _, _ := hdr.ValueOffset(FieldChunkCount)
	b.fileHeaderIndexPosAbs = pos + 4 + int64(indexPosOff)
	b.fileHeaderConnCountAbs = pos + 4 + int64(connCountOff)
	b.fileHeaderChunkCountAbs = pos + 4 + int64(chunkCountOff)
	return nil
}

// Write appends one message on topic at time t, optionally under a
// caller-supplied connection header (spec.md §4.4, §6's public surface).
// The bag must be open for Write or Append.
func (b *Bag) Write(topic string, t stamp.Stamp, msg interface{}, connHeader ...*header.Map) error {
	if b.closedErr != nil {
		return errReport("bag: write", UsageError("bag: bag is closed for writing after a prior write-path failure"))
	}
	if b.mode == ModeRead {
		return errReport("bag: write", UsageError("bag: bag is not open for writing"))
	}
	if b.codec == nil {
		return errReport("bag: write", UsageError("bag: no codec configured (see WithCodec)"))
	}
	if t.Compare(stamp.Min) < 0 {
		return errReport("bag: write", UsageError("bag: time is below TIME_MIN"))
	}
	var ch *header.Map
	if len(connHeader) > 0 {
		ch = connHeader[0]
	}

	if err := b.doWrite(topic, t, msg, ch); err != nil {
		b.failWrite()
		return err
	}
	return nil
}

// failWrite implements spec.md §7's write-path failure policy: the
// in-progress chunk is discarded by truncating the file back to its
// start, and the Bag stops accepting further writes.
func (b *Bag) failWrite() {
	if b.chunkOpen {
		_ = os.Truncate(b.path, b.currChunk.Pos)
		b.chunkOpen = false
	}
	b.closedErr = UsageError("bag: a prior write failed; bag is closed for further writes")
}

func (b *Bag) doWrite(topic string, t stamp.Stamp, msg interface{}, connHeader *header.Map) error {
	if topic == "" {
		return errReport("bag: write", UsageError("bag: topic must not be empty"))
	}
	b.revision++

	connID, existing, err := b.resolveConnection(topic, connHeader)
	if err != nil {
		return err
	}

	if _, err := b.cf.SeekEnd(); err != nil {
		return errReport("bag: write", IoError(err.Error()))
	}
	if !b.chunkOpen {
		if err := b.startWritingChunk(t); err != nil {
			return err
		}
	}

	connInfo := existing
	if connInfo == nil {
		meta, err := b.codec.MetadataFor(msg)
		if err != nil {
			return errReport("bag: write", errors.Wrap(err, "bag: codec metadata"))
		}
		connInfo = &ConnectionInfo{
			ID:       connID,
			Topic:    topic,
			DataType: meta.DataType,
			MD5Sum:   meta.MD5Sum,
			MsgDef:   meta.Definition,
			Header:   connectionHeader(connHeader, meta.DataType, meta.MD5Sum, meta.Definition),
		}
		b.connections[connID] = connInfo
		if err := b.writeConnectionRecord(connInfo); err != nil {
			return err
		}
		if err := b.appendConnectionRecordToChunk(connInfo); err != nil {
			return err
		}
	}

	entry, err := b.writeMessageDataRecord(connInfo.ID, t, msg)
	if err != nil {
		return err
	}

	b.chunkIndexFor(connInfo.ID).Insert(entry)
	if b.mode != ModeWrite {
		b.bagIndexFor(connInfo.ID).Insert(entry)
	}
	b.currChunk.ConnectionCounts[connInfo.ID]++
	b.currChunk.observe(t)

	if b.outgoingChunkBuffer.Size() > b.chunkThreshold {
		if err := b.stopWritingChunk(); err != nil {
			return err
		}
	}
	return nil
}

// resolveConnection implements spec.md §4.4 step 2: dedup by topic when
// no external header is supplied, otherwise by a topic-injected copy of
// the header (never mutating the caller's own Map).
func (b *Bag) resolveConnection(topic string, connHeader *header.Map) (id uint32, existing *ConnectionInfo, err error) {
	if connHeader == nil {
		if id, ok := b.topicConnectionIDs[topic]; ok {
			return id, b.connections[id], nil
		}
		id = b.nextConnID
		b.nextConnID++
		b.topicConnectionIDs[topic] = id
		return id, nil, nil
	}

	_, key := normalizedHeaderKey(topic, connHeader)
	if id, ok := b.headerConnectionIDs[key]; ok {
		return id, b.connections[id], nil
	}
	id = b.nextConnID
	b.nextConnID++
	b.headerConnectionIDs[key] = id
	return id, nil, nil
}

func (b *Bag) chunkIndexFor(id uint32) *index.Set {
	s, ok := b.currChunkConnectionIndexes[id]
	if !ok {
		s = index.NewSet()
		b.currChunkConnectionIndexes[id] = s
	}
	return s
}

func (b *Bag) bagIndexFor(id uint32) *index.Set {
	s, ok := b.connectionIndexes[id]
	if !ok {
		s = index.NewSet()
		b.connectionIndexes[id] = s
	}
	return s
}

// startWritingChunk implements spec.md §4.4 step 3: record the chunk's
// file position, write a placeholder CHUNK header, and start a compressed
// output stream. firstTime seeds the chunk's start/end time bounds.
func (b *Bag) startWritingChunk(firstTime stamp.Stamp) error {
	pos, err := b.cf.Tell()
	if err != nil {
		return errReport("bag: start chunk", err)
	}

	hdr := header.New()
	hdr.Set(FieldOp, encodeOp(OpChunk))
	hdr.SetString(FieldCompression, string(b.compression))
	hdr.Set(FieldSize, encodeU32(0))
	headerBytes := hdr.Encode(nil)

	preamble := make([]byte, 0, 4+len(headerBytes)+4)
	preamble = append(preamble, encodeU32(uint32(len(headerBytes)))...)
	preamble = append(preamble, headerBytes...)
	preamble = append(preamble, encodeU32(0)...)
	if err := b.cf.WriteRaw(preamble); err != nil {
		return errReport("bag: start chunk", err)
	}

	sizeOff, _, _ := hdr.ValueOffset(FieldSize)
	b.currChunkSizeAbsOffset = pos + 4 + int64(sizeOff)
	b.currChunkDataLenAbsOffset = pos + 4 + int64(len(headerBytes))
	b.currChunkDataPos = b.currChunkDataLenAbsOffset + 4

	if err := b.cf.StartWrite(b.compression); err != nil {
		return errReport("bag: start chunk", err)
	}

	b.currChunk = newChunkInfo(pos, firstTime)
	b.currChunkConnectionIndexes = make(map[uint32]*index.Set)
	b.outgoingChunkBuffer.Reset()
	b.chunkOpen = true
	return nil
}

// appendToChunk feeds p into both the active compressed stream and the
// in-memory outgoing_chunk_buffer_ replica used to compute offsets and
// (on stopWritingChunk) the uncompressed chunk size.
func (b *Bag) appendToChunk(p []byte) (offset uint32, err error) {
	offset = b.outgoingChunkBuffer.Append(p)
	if _, err := b.cf.Write(p); err != nil {
		return 0, errReport("bag: write chunk", err)
	}
	return offset, nil
}

// writeMessageDataRecord serializes msg via the configured Codec, appends
// the MESSAGE_DATA envelope to the chunk, and returns the resulting
// IndexEntry (spec.md §4.4 step 4).
func (b *Bag) writeMessageDataRecord(connID uint32, t stamp.Stamp, msg interface{}) (index.Entry, error) {
	payload, err := b.codec.Marshal(msg)
	if err != nil {
		return index.Entry{}, errReport("bag: write message", errors.Wrap(err, "bag: codec marshal"))
	}
	hdr := header.New()
	hdr.Set(FieldOp, encodeOp(OpMessageData))
	hdr.Set(FieldConn, encodeU32(connID))
	hdr.Set(FieldTime, t.Encode(nil))
	env := &record.Envelope{Header: hdr, Data: payload}

	var buf bytes.Buffer
	if _, err := env.WriteTo(&buf); err != nil {
		return index.Entry{}, errReport("bag: write message", err)
	}
	offset, err := b.appendToChunk(buf.Bytes())
	if err != nil {
		return index.Entry{}, err
	}
	return index.Entry{Time: t, ChunkPos: b.currChunk.Pos, Offset: offset}, nil
}

// buildConnectionEnvelope builds the CONNECTION record for connInfo: op
// and topic and conn in the outer header, the connection's own header map
// (type/md5sum/message_definition/...) as the data block (spec.md §6).
func buildConnectionEnvelope(connInfo *ConnectionInfo) *record.Envelope {
	hdr := header.New()
	hdr.Set(FieldOp, encodeOp(OpConnection))
	hdr.SetString(FieldTopic, connInfo.Topic)
	hdr.Set(FieldConn, encodeU32(connInfo.ID))
	return &record.Envelope{Header: hdr, Data: connInfo.Header.Encode(nil)}
}

// writeConnectionRecord writes connInfo's CONNECTION record outside any
// chunk, directly at the file's current position.
func (b *Bag) writeConnectionRecord(connInfo *ConnectionInfo) error {
	return b.writeEnvelopeRaw(buildConnectionEnvelope(connInfo))
}

// appendConnectionRecordToChunk writes an in-chunk replica of connInfo's
// CONNECTION record so the chunk remains self-describing (spec.md §4.4
// step 2).
func (b *Bag) appendConnectionRecordToChunk(connInfo *ConnectionInfo) error {
	var buf bytes.Buffer
	if _, err := buildConnectionEnvelope(connInfo).WriteTo(&buf); err != nil {
		return errReport("bag: write connection", err)
	}
	_, err := b.appendToChunk(buf.Bytes())
	return err
}

func (b *Bag) writeEnvelopeRaw(env *record.Envelope) error {
	var buf bytes.Buffer
	if _, err := env.WriteTo(&buf); err != nil {
		return errReport("bag: write record", err)
	}
	if err := b.cf.WriteRaw(buf.Bytes()); err != nil {
		return errReport("bag: write record", err)
	}
	return nil
}

// writeRawRecord writes one record's framing around an already-encoded
// header block, bypassing record.Envelope.WriteTo (which always re-encodes
// its Header field). Used for the BAG_HEADER record, whose header block
// may have already been run through the encryptor plugin.
func (b *Bag) writeRawRecord(headerBytes, data []byte) error {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
	if err := b.cf.WriteRaw(buf.Bytes()); err != nil {
		return errReport("bag: write record", err)
	}
	return nil
}

// stopWritingChunk implements spec.md §4.4's stopWritingChunk: close the
// compressed stream, patch the CHUNK header's size fields, optionally
// encrypt the chunk in place, flush per-connection INDEX_DATA records,
// and retire the chunk into chunks_.
func (b *Bag) stopWritingChunk() error {
	compressedSize, err := b.cf.StopWrite()
	if err != nil {
		return errReport("bag: stop chunk", err)
	}
	uncompressedSize := b.outgoingChunkBuffer.Size()

	finalSize, err := b.encryptorPlugin.EncryptChunk(compressedSize, b.currChunkDataPos, b.cf.File())
	if err != nil {
		return errReport("bag: stop chunk", newEncryptionError(err))
	}

	if err := b.cf.WriteRawAt(encodeU32(uncompressedSize), b.currChunkSizeAbsOffset); err != nil {
		return errReport("bag: stop chunk", err)
	}
	if err := b.cf.WriteRawAt(encodeU32(finalSize), b.currChunkDataLenAbsOffset); err != nil {
		return errReport("bag: stop chunk", err)
	}

	if _, err := b.cf.SeekEnd(); err != nil {
		return errReport("bag: stop chunk", err)
	}

	ids := connIDsSorted(b.currChunk.ConnectionCounts)
	for _, id := range ids {
		if err := b.writeIndexDataRecord(id); err != nil {
			return err
		}
	}

	b.chunks = append(b.chunks, b.currChunk)
	b.chunkOpen = false
	b.outgoingChunkBuffer.Reset()
	b.currChunkConnectionIndexes = make(map[uint32]*index.Set)
	return nil
}

// writeIndexDataRecord writes the INDEX_DATA record for one connection's
// entries within the chunk currently being closed, sorted by time
// (spec.md §6).
func (b *Bag) writeIndexDataRecord(connID uint32) error {
	entries := b.chunkIndexFor(connID).Entries()

	hdr := header.New()
	hdr.Set(FieldOp, encodeOp(OpIndexData))
	hdr.Set(FieldVer, encodeU32(1))
	hdr.Set(FieldConn, encodeU32(connID))
	hdr.Set(FieldCount, encodeU32(uint32(len(entries))))

	data := make([]byte, 0, len(entries)*12)
	for _, e := range entries {
		data = e.Time.Encode(data)
		data = append(data, encodeU32(e.Offset)...)
	}
	return b.writeEnvelopeRaw(&record.Envelope{Header: hdr, Data: data})
}

// closeWrite implements spec.md §4.4's close (write mode): flush any open
// chunk, then re-emit every CONNECTION record followed by every
// CHUNK_INFO record at the file tail, and patch the BAG_HEADER with the
// resulting index_pos/conn_count/chunk_count.
func (b *Bag) closeWrite() error {
	if b.chunkOpen {
		if err := b.stopWritingChunk(); err != nil {
			return err
		}
	}
	indexPos, err := b.cf.SeekEnd()
	if err != nil {
		return errReport("bag: close", err)
	}

	connIDs := connIDsSorted(b.connections)
	for _, id := range connIDs {
		if err := b.writeConnectionRecord(b.connections[id]); err != nil {
			return err
		}
	}
	for _, ci := range b.chunks {
		if err := b.writeChunkInfoRecord(ci); err != nil {
			return err
		}
	}

	return b.patchFileHeader(uint64(indexPos), uint32(len(connIDs)), uint32(len(b.chunks)))
}

func (b *Bag) writeChunkInfoRecord(ci ChunkInfo) error {
	hdr := header.New()
	hdr.Set(FieldOp, encodeOp(OpChunkInfo))
	hdr.Set(FieldVer, encodeU32(1))
	hdr.Set(FieldChunkPos, encodeU64(uint64(ci.Pos)))
	hdr.Set(FieldStartTime, ci.StartTime.Encode(nil))
	hdr.Set(FieldEndTime, ci.EndTime.Encode(nil))
	hdr.Set(FieldCount, encodeU32(uint32(len(ci.ConnectionCounts))))

	ids := connIDsSorted(ci.ConnectionCounts)
	data := make([]byte, 0, len(ids)*8)
	for _, id := range ids {
		data = append(data, encodeU32(id)...)
		data = append(data, encodeU32(ci.ConnectionCounts[id])...)
	}
	return b.writeEnvelopeRaw(&record.Envelope{Header: hdr, Data: data})
}

// patchFileHeader overwrites index_pos/conn_count/chunk_count in place at
// their previously recorded offsets. Each field is run back through
// WriteEncryptedHeader before the write, matching the transform originally
// applied by writeFileHeaderRecord, so an encrypted BAG_HEADER record
// remains decryptable after patching.
func (b *Bag) patchFileHeader(indexPos uint64, connCount, chunkCount uint32) error {
	indexPosBytes, err := b.encryptorPlugin.WriteEncryptedHeader(encodeU64(indexPos))
	if err != nil {
		return errReport("bag: close", newEncryptionError(err))
	}
	if err := b.cf.WriteRawAt(indexPosBytes, b.fileHeaderIndexPosAbs); err != nil {
		return errReport("bag: close", err)
	}
	connCountBytes, err := b.encryptorPlugin.WriteEncryptedHeader(encodeU32(connCount))
	if err != nil {
		return errReport("bag: close", newEncryptionError(err))
	}
	if err := b.cf.WriteRawAt(connCountBytes, b.fileHeaderConnCountAbs); err != nil {
		return errReport("bag: close", err)
	}
	chunkCountBytes, err := b.encryptorPlugin.WriteEncryptedHeader(encodeU32(chunkCount))
	if err != nil {
		return errReport("bag: close", newEncryptionError(err))
	}
	if err := b.cf.WriteRawAt(chunkCountBytes, b.fileHeaderChunkCountAbs); err != nil {
		return errReport("bag: close", err)
	}
	b.indexPos = indexPos
	return nil
}

func connIDsSorted[V any](m map[uint32]V) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
