package bag

import "github.com/seoulrobotics/rosbag-io/header"

// ConnectionInfo uniquely identifies a message stream: a topic plus the
// metadata a Codec reports for the messages published on it (spec.md
// §3). Two writes whose normalized header maps compare equal (topic
// injected into both) share a ConnectionInfo; the Bag is the sole owner
// of every ConnectionInfo it creates.
type ConnectionInfo struct {
	ID       uint32
	Topic    string
	DataType string
	MD5Sum   string
	MsgDef   string
	Header   *header.Map
}

// normalizedHeaderKey returns the connection-header a caller supplied,
// with topic injected, and its dedup key — without mutating the caller's
// own header.Map (original_source's doWrite makes an explicit copy for
// exactly this reason, to avoid the injected topic leaking into the map
// the caller still holds a reference to).
func normalizedHeaderKey(topic string, callerHeader *header.Map) (*header.Map, string) {
	normalized := callerHeader.Clone()
	normalized.SetString(FieldTopic, topic)
	return normalized, normalized.Key()
}

// connectionHeader builds the header.Map written into a CONNECTION
// record's data block for a brand new connection: either the caller's
// own header (if one was supplied) or a synthesized one carrying just
// the type/md5sum/message_definition triple.
func connectionHeader(callerHeader *header.Map, dataType, md5sum, msgDef string) *header.Map {
	if callerHeader != nil {
		return callerHeader
	}
	m := header.New()
	m.SetString(FieldType, dataType)
	m.SetString(FieldMD5Sum, md5sum)
	m.SetString(FieldMessageDef, msgDef)
	return m
}
