package bag

import (
	"github.com/seoulrobotics/rosbag-io/header"
	"github.com/seoulrobotics/rosbag-io/index"
)

// openReadV1 implements spec.md §4.5's V1.2 path: an older, unchunked,
// topic-indexed layout supported for reading only. Connection ids are
// synthesized from topic order on first encounter by a single forward
// scan of MESSAGE_DATA records to EOF; there is no separate index region
// to jump to.
func (b *Bag) openReadV1() error {
	for {
		eof, err := b.atEOF()
		if err != nil {
			return errReport("bag: open read", IoError(err.Error()))
		}
		if eof {
			return nil
		}

		pos, err := b.cf.Tell()
		if err != nil {
			return errReport("bag: open read", err)
		}
		hdr, dataLen, dataStart, err := b.readRecordHeader()
		if err != nil {
			return errReport("bag: open read", FormatError(err.Error()))
		}
		op, err := headerOp(hdr)
		if err != nil {
			return errReport("bag: open read", err)
		}
		if op != OpMessageData {
			if err := b.cf.Seek(dataStart + int64(dataLen)); err != nil {
				return errReport("bag: open read", err)
			}
			continue
		}

		topic, ok := hdr.GetString(FieldTopic)
		if !ok {
			return errReport("bag: open read", FormatError("bag: v1.2 message record missing topic"))
		}
		t, err := requireStamp(hdr, FieldTime)
		if err != nil {
			return errReport("bag: open read", err)
		}

		id, ok := b.topicConnectionIDs[topic]
		if !ok {
			id = b.nextConnID
			b.nextConnID++
			b.topicConnectionIDs[topic] = id
			b.connections[id] = &ConnectionInfo{ID: id, Topic: topic, Header: header.New()}
		}
		b.bagIndexFor(id).Insert(index.Entry{Time: t, ChunkPos: pos, Offset: 0})

		if err := b.cf.Seek(dataStart + int64(dataLen)); err != nil {
			return errReport("bag: open read", err)
		}
	}
}

// readMessageV1 re-reads the standalone record entry.ChunkPos points at
// (V1.2 has no chunks; ChunkPos is the record's own file offset and
// Offset is always 0). latching and callerid, if present, travel folded
// into the record's own header rather than the connection's; this method
// folds them back into a fresh per-message header cloned from the
// connection's base header, matching original_source's
// readMessageDataRecord102/instantiateBuffer and the source layout's
// per-version inconsistency (spec.md §9). latching defaults to "0" when
// absent, as the original does.
func (b *Bag) readMessageV1(entry index.Entry) (*ConnectionInfo, []byte, error) {
	if err := b.cf.Seek(entry.ChunkPos); err != nil {
		return nil, nil, errReport("bag: read message", IoError(err.Error()))
	}
	hdr, dataLen, _, err := b.readRecordHeader()
	if err != nil {
		return nil, nil, errReport("bag: read message", FormatError(err.Error()))
	}
	if op, err := headerOp(hdr); err != nil || op != OpMessageData {
		return nil, nil, errReport("bag: read message", FormatError("bag: expected v1.2 message record"))
	}
	topic, ok := hdr.GetString(FieldTopic)
	if !ok {
		return nil, nil, errReport("bag: read message", FormatError("bag: v1.2 message record missing topic"))
	}
	id, ok := b.topicConnectionIDs[topic]
	if !ok {
		return nil, nil, errReport("bag: read message", FormatError("bag: unknown v1.2 topic"))
	}
	connInfo := b.connections[id]

	latching, ok := hdr.GetString(FieldLatching)
	if !ok {
		latching = "0"
	}
	callerID, _ := hdr.GetString(FieldCallerID)

	msgHeader := connInfo.Header.Clone()
	msgHeader.SetString(FieldLatching, latching)
	msgHeader.SetString(FieldCallerID, callerID)
	msgConnInfo := &ConnectionInfo{
		ID:       connInfo.ID,
		Topic:    connInfo.Topic,
		DataType: connInfo.DataType,
		MD5Sum:   connInfo.MD5Sum,
		MsgDef:   connInfo.MsgDef,
		Header:   msgHeader,
	}

	data := make([]byte, dataLen)
	if dataLen > 0 {
		if err := b.cf.ReadRaw(data); err != nil {
			return nil, nil, errReport("bag: read message", IoError(err.Error()))
		}
	}
	return msgConnInfo, data, nil
}
