// Package record implements the on-disk record envelope shared by every
// bag record: a length-prefixed header block followed by a length-prefixed
// data block.
//
//	<4-byte LE header_len><header block><4-byte LE data_len><data>
package record

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/seoulrobotics/rosbag-io/header"
)

// Envelope is one framed record: a header map plus an opaque data payload.
type Envelope struct {
	Header *header.Map
	Data   []byte
}

// WriteTo writes the envelope to w in wire format and returns the number
// of bytes written.
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	headerLen := e.Header.EncodedLen()
	buf := make([]byte, 0, 4+headerLen+4)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(headerLen))
	buf = append(buf, lenBuf[:]...)
	buf = e.Header.Encode(buf)

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.Data)))
	buf = append(buf, lenBuf[:]...)

	n1, err := w.Write(buf)
	if err != nil {
		return int64(n1), errors.Wrap(err, "record: writing header block")
	}
	n2, err := w.Write(e.Data)
	if err != nil {
		return int64(n1 + n2), errors.Wrap(err, "record: writing data block")
	}
	return int64(n1 + n2), nil
}

// ReadHeaderLength reads the leading header_len field and returns it
// without consuming the header block. Used by callers that need to know
// how large a buffer to allocate before reading the rest of the record.
func ReadHeaderLength(r io.Reader) (uint32, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, errors.Wrap(err, "record: reading header_len")
	}
	return binary.LittleEndian.Uint32(lenBuf[:]), nil
}

// ReadFrom reads one full envelope from r: the header_len prefix, the
// header block, the data_len prefix, and the data block. It returns
// io.EOF unmodified if the stream ends exactly at a record boundary (no
// bytes of a new record were read); any other truncation is a FormatError
// candidate the caller should annotate.
func ReadFrom(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "record: reading header_len")
	}
	headerLen := binary.LittleEndian.Uint32(lenBuf[:])

	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, errors.Wrap(err, "record: reading header block")
	}
	hdr, err := header.Decode(headerBuf, len(headerBuf))
	if err != nil {
		return nil, errors.Wrap(err, "record: decoding header")
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "record: reading data_len")
	}
	dataLen := binary.LittleEndian.Uint32(lenBuf[:])

	data := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, errors.Wrap(err, "record: reading data block")
		}
	}

	return &Envelope{Header: hdr, Data: data}, nil
}

// ReadFromBuffer parses one envelope from buf starting at offset, returning
// the envelope and the number of bytes consumed. Used by the chunk reader,
// which works against an in-memory decompressed chunk rather than a
// stream.
func ReadFromBuffer(buf []byte, offset uint32) (*Envelope, uint32, error) {
	if uint64(offset)+4 > uint64(len(buf)) {
		return nil, 0, errors.New("record: offset overruns buffer reading header_len")
	}
	headerLen := binary.LittleEndian.Uint32(buf[offset : offset+4])
	pos := offset + 4

	if uint64(pos)+uint64(headerLen) > uint64(len(buf)) {
		return nil, 0, errors.New("record: header_len overruns buffer")
	}
	hdr, err := header.Decode(buf[pos:pos+headerLen], int(headerLen))
	if err != nil {
		return nil, 0, errors.Wrap(err, "record: decoding header")
	}
	pos += headerLen

	if uint64(pos)+4 > uint64(len(buf)) {
		return nil, 0, errors.New("record: offset overruns buffer reading data_len")
	}
	dataLen := binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4

	if uint64(pos)+uint64(dataLen) > uint64(len(buf)) {
		return nil, 0, errors.New("record: data_len overruns buffer")
	}
	data := buf[pos : pos+dataLen]
	pos += dataLen

	return &Envelope{Header: hdr, Data: data}, pos - offset, nil
}
