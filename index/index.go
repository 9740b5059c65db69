// Package index implements the per-connection sorted IndexEntry
// collections described in spec.md §3: a total order by
// (time, chunk_pos, offset), backed by a B-tree so both point queries and
// ordered iteration (needed by the View merge) are efficient.
package index

import (
	"github.com/google/btree"

	"github.com/seoulrobotics/rosbag-io/stamp"
)

// degree is the B-tree branching factor. It has no correctness
// implications, only cache-line locality; 32 matches typical B-tree
// defaults used elsewhere in the retrieval pack.
const degree = 32

// Entry is one (time, chunk_pos, offset) index record: a message's time,
// the file position of the CHUNK header it lives in, and its byte offset
// within that chunk's uncompressed body.
type Entry struct {
	Time     stamp.Stamp
	ChunkPos int64
	Offset   uint32
}

// Less implements the total order spec.md §3 requires: primary by Time,
// ties broken by (ChunkPos, Offset).
func (e Entry) Less(other Entry) bool {
	if e.Time != other.Time {
		return e.Time.Less(other.Time)
	}
	if e.ChunkPos != other.ChunkPos {
		return e.ChunkPos < other.ChunkPos
	}
	return e.Offset < other.Offset
}

// Set is a sorted multiset of Entry values for a single connection,
// ordered per Entry.Less. Because two distinct messages may legally share
// an identical Entry only in the degenerate case of a zero-length write,
// duplicates are permitted by carrying a per-insertion tiebreaker via
// insertion order tracked outside the tree (see insertSeq).
type Set struct {
	tree *btree.BTree
	// insertSeq disambiguates btree.Item equality (google/btree is a
	// unique-key tree; ReplaceOrInsert on an item comparing equal to an
	// existing one replaces it) by folding a monotonically increasing
	// sequence number into comparisons once two entries tie exactly.
	insertSeq uint64
}

type dedupKey struct {
	Entry
	seq uint64
}

func (k dedupKey) Less(than btree.Item) bool {
	o := than.(dedupKey)
	if k.Entry != o.Entry {
		return k.Entry.Less(o.Entry)
	}
	return k.seq < o.seq
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{tree: btree.New(degree)}
}

// Insert adds e to the set. Set tolerates exact duplicates (same time,
// chunk_pos, offset) by tagging each insertion with a sequence number
// internally, so Len grows by exactly one per Insert call regardless of
// collisions.
func (s *Set) Insert(e Entry) {
	s.tree.ReplaceOrInsert(dedupKey{Entry: e, seq: s.insertSeq})
	s.insertSeq++
}

// Len returns the number of entries in the set.
func (s *Set) Len() int {
	return s.tree.Len()
}

// Ascend calls fn for every entry in ascending order until fn returns
// false or entries are exhausted.
func (s *Set) Ascend(fn func(Entry) bool) {
	s.tree.Ascend(func(it btree.Item) bool {
		return fn(it.(dedupKey).Entry)
	})
}

// Entries returns every entry in ascending order as a slice.
func (s *Set) Entries() []Entry {
	out := make([]Entry, 0, s.Len())
	s.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Min returns the smallest entry and true, or the zero Entry and false if
// the set is empty.
func (s *Set) Min() (Entry, bool) {
	item := s.tree.Min()
	if item == nil {
		return Entry{}, false
	}
	return item.(dedupKey).Entry, true
}

// Max returns the largest entry and true, or the zero Entry and false if
// the set is empty.
func (s *Set) Max() (Entry, bool) {
	item := s.tree.Max()
	if item == nil {
		return Entry{}, false
	}
	return item.(dedupKey).Entry, true
}
