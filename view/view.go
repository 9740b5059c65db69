// Package view implements the read-side query cursor described in
// spec.md §4.7: an N-way merge over the IndexEntry streams of a set of
// connections selected out of a bag.Bag, tolerant of concurrent writes
// on the underlying bag.
package view

import (
	"io"
	"sort"

	bag "github.com/seoulrobotics/rosbag-io"
	"github.com/seoulrobotics/rosbag-io/index"
	"github.com/seoulrobotics/rosbag-io/stamp"
)

// Query selects which of a Bag's connections a View iterates. A nil
// Topics selects every topic; Predicate, if set, further filters by
// ConnectionInfo. Start/End bound the window as [Start, End); the zero
// Stamp is never a legal message time (stamp.Zero), so leaving either
// unset means "unbounded" on that side.
type Query struct {
	Topics    []string
	Predicate func(*bag.ConnectionInfo) bool
	Start     stamp.Stamp
	End       stamp.Stamp
}

func (q Query) matches(ci *bag.ConnectionInfo) bool {
	if len(q.Topics) > 0 {
		found := false
		for _, t := range q.Topics {
			if t == ci.Topic {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Predicate != nil && !q.Predicate(ci) {
		return false
	}
	return true
}

func (q Query) inWindow(t stamp.Stamp) bool {
	if q.Start != stamp.Zero && t.Less(q.Start) {
		return false
	}
	if q.End != stamp.Zero && !t.Less(q.End) {
		return false
	}
	return true
}

// stream is one connection's sorted IndexEntry cursor.
type stream struct {
	conn      *bag.ConnectionInfo
	entries   []index.Entry
	pos       int
	lastEntry *index.Entry
}

// reseed replaces entries with a freshly-read snapshot, resuming just
// past whatever this stream had already yielded rather than restarting
// from the beginning.
func (s *stream) reseed(entries []index.Entry) {
	if s.lastEntry == nil {
		s.entries = entries
		s.pos = 0
		return
	}
	idx := sort.Search(len(entries), func(i int) bool {
		return !entries[i].Less(*s.lastEntry)
	})
	if idx < len(entries) && entries[idx] == *s.lastEntry {
		idx++
	}
	s.entries = entries
	s.pos = idx
}

// View is a forward-only N-way merge cursor over the connections a
// Query selects out of a Bag. It is not safe for concurrent use, in
// keeping with the Bag it reads from (spec.md §5).
type View struct {
	b        *bag.Bag
	query    Query
	streams  []*stream
	revision uint64
	begin    stamp.Stamp
	end      stamp.Stamp
	hasRange bool
}

// New collects every (ConnectionInfo, IndexEntry) pair the query selects
// into per-connection sorted streams and prepares the merge cursor.
func New(b *bag.Bag, q Query) *View {
	v := &View{b: b, query: q}
	v.seed()
	return v
}

func (v *View) seed() {
	v.revision = v.b.Revision()
	v.streams = v.streams[:0]

	for _, id := range sortedConnIDs(v.b.Connections()) {
		ci := v.b.Connections()[id]
		if !v.query.matches(ci) {
			continue
		}
		set, ok := v.b.ConnectionIndex(id)
		if !ok {
			continue
		}
		entries := v.filterWindow(set.Entries())
		if len(entries) == 0 {
			continue
		}
		v.streams = append(v.streams, &stream{conn: ci, entries: entries})
	}
	v.computeRange()
}

// reseedAll implements spec.md §4.7's "tolerates concurrent write by
// tracking revision and re-seeding cursors" — every stream's entries are
// re-read from the (possibly grown) index, but each stream resumes past
// what it already yielded instead of replaying from its start.
func (v *View) reseedAll() {
	v.revision = v.b.Revision()
	existing := make(map[uint32]*stream, len(v.streams))
	for _, s := range v.streams {
		existing[s.conn.ID] = s
	}

	rebuilt := v.streams[:0]
	for _, id := range sortedConnIDs(v.b.Connections()) {
		ci := v.b.Connections()[id]
		if !v.query.matches(ci) {
			continue
		}
		set, ok := v.b.ConnectionIndex(id)
		if !ok {
			continue
		}
		entries := v.filterWindow(set.Entries())
		s, seen := existing[id]
		if !seen {
			s = &stream{conn: ci}
		}
		s.reseed(entries)
		if s.pos < len(s.entries) {
			rebuilt = append(rebuilt, s)
		}
	}
	v.streams = rebuilt
	v.computeRange()
}

func (v *View) filterWindow(entries []index.Entry) []index.Entry {
	out := make([]index.Entry, 0, len(entries))
	for _, e := range entries {
		if v.query.inWindow(e.Time) {
			out = append(out, e)
		}
	}
	return out
}

func (v *View) computeRange() {
	v.hasRange = false
	for _, s := range v.streams {
		if len(s.entries) == 0 {
			continue
		}
		lo, hi := s.entries[0].Time, s.entries[len(s.entries)-1].Time
		if !v.hasRange {
			v.begin, v.end, v.hasRange = lo, hi, true
			continue
		}
		if lo.Less(v.begin) {
			v.begin = lo
		}
		if v.end.Less(hi) {
			v.end = hi
		}
	}
}

// BeginTime returns the minimum time across every selected stream, and
// false if the view selects nothing.
func (v *View) BeginTime() (stamp.Stamp, bool) { return v.begin, v.hasRange }

// EndTime returns the maximum time across every selected stream, and
// false if the view selects nothing.
func (v *View) EndTime() (stamp.Stamp, bool) { return v.end, v.hasRange }

// Next advances the merge cursor and returns the next MessageInstance in
// (time, chunk_pos, offset) order, or (nil, false) once every selected
// stream is exhausted. The number of connections a View typically spans
// is small, so a linear scan for the minimum head is preferred here over
// a heap for its simplicity.
func (v *View) Next() (*MessageInstance, bool) {
	if v.b.Revision() != v.revision {
		v.reseedAll()
	}

	var best *stream
	for _, s := range v.streams {
		if s.pos >= len(s.entries) {
			continue
		}
		if best == nil || s.entries[s.pos].Less(best.entries[best.pos]) {
			best = s
		}
	}
	if best == nil {
		return nil, false
	}

	e := best.entries[best.pos]
	best.pos++
	best.lastEntry = &e
	return &MessageInstance{bag: v.b, conn: best.conn, entry: e}, true
}

func sortedConnIDs(conns map[uint32]*bag.ConnectionInfo) []uint32 {
	ids := make([]uint32, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MessageInstance is a lightweight (bag, connection, index entry) triple
// yielded by View.Next. It is only valid until the bag's shared chunk
// buffer is invalidated by the next Next call or a concurrent write.
type MessageInstance struct {
	bag   *bag.Bag
	conn  *bag.ConnectionInfo
	entry index.Entry
}

// Connection returns the connection the message was published on.
func (m *MessageInstance) Connection() *bag.ConnectionInfo { return m.conn }

// Time returns the message's timestamp.
func (m *MessageInstance) Time() stamp.Stamp { return m.entry.Time }

// Instantiate deserializes the message into out via the bag's codec. It
// returns (false, nil) rather than an error when out's MD5 (per
// Codec.MD5SumOf) is neither "*" nor the connection's own MD5Sum — a
// type mismatch is not a read failure (spec.md §4.7, supplemented from
// original_source/message_instance.h's soft-fail instantiate).
func (m *MessageInstance) Instantiate(out interface{}) (bool, error) {
	md5, err := m.bag.Codec().MD5SumOf(out)
	if err != nil {
		return false, err
	}
	if md5 != "*" && md5 != m.conn.MD5Sum {
		return false, nil
	}
	_, data, err := m.bag.ReadMessage(m.entry)
	if err != nil {
		return false, err
	}
	if err := m.bag.Codec().Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// WriteTo copies the message's raw serialized payload to w without
// deserializing it.
func (m *MessageInstance) WriteTo(w io.Writer) (int64, error) {
	_, data, err := m.bag.ReadMessage(m.entry)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}
