package bag

import "github.com/seoulrobotics/rosbag-io/stamp"

// ChunkInfo describes one written chunk: its file position, the time
// range it covers, and a per-connection message count (spec.md §3).
// Invariant: StartTime <= every recorded timestamp <= EndTime within the
// chunk.
type ChunkInfo struct {
	Pos              int64
	StartTime        stamp.Stamp
	EndTime          stamp.Stamp
	ConnectionCounts map[uint32]uint32
}

// newChunkInfo opens a chunk at pos whose first recorded message has time
// firstTime: both bounds start at firstTime, matching startWritingChunk
// in original_source, which is handed the opening message's timestamp
// before writeMessageDataRecord's bound-tightening ever runs.
func newChunkInfo(pos int64, firstTime stamp.Stamp) ChunkInfo {
	return ChunkInfo{
		Pos:              pos,
		StartTime:        firstTime,
		EndTime:          firstTime,
		ConnectionCounts: make(map[uint32]uint32),
	}
}

// observe folds t into the chunk's time bounds. Mirrors
// original_source's writeMessageDataRecord exactly: extend EndTime
// forward, or else pull StartTime backward — never both for the same
// message.
func (ci *ChunkInfo) observe(t stamp.Stamp) {
	if t.Compare(ci.EndTime) > 0 {
		ci.EndTime = t
	} else if t.Compare(ci.StartTime) < 0 {
		ci.StartTime = t
	}
}
