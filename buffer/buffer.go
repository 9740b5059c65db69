// Package buffer implements a grow-only byte buffer used to assemble
// record headers, record bodies, and chunk payloads before they are
// written to disk.
package buffer

// Buffer is a growable append buffer with an explicit size distinct from
// its capacity. It never shrinks: SetSize only grows the backing array,
// doubling capacity as needed. Buffer is single-owner; callers that need
// to hand a Buffer's storage to another owner should use Swap rather than
// copying it.
type Buffer struct {
	data []byte
	size uint32
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Data returns the buffer's storage, sized to Size(). The slice aliases
// the Buffer's internal array and is only valid until the next SetSize
// call grows the array.
func (b *Buffer) Data() []byte {
	return b.data[:b.size]
}

// Size returns the number of valid bytes currently in the buffer.
func (b *Buffer) Size() uint32 {
	return b.size
}

// Capacity returns the size of the underlying array.
func (b *Buffer) Capacity() uint32 {
	return uint32(len(b.data))
}

// SetSize grows the buffer's capacity if necessary and sets its logical
// size to n. Newly exposed bytes are not zeroed beyond what Go's append
// already guarantees for freshly allocated memory.
func (b *Buffer) SetSize(n uint32) {
	b.ensureCapacity(n)
	b.size = n
}

func (b *Buffer) ensureCapacity(n uint32) {
	if uint32(len(b.data)) >= n {
		return
	}
	newCap := uint32(len(b.data)) * 2
	if newCap < n {
		newCap = n
	}
	grown := make([]byte, newCap)
	copy(grown, b.data[:b.size])
	b.data = grown
}

// Append grows the buffer by len(p) and copies p into the new space,
// returning the offset at which p was written.
func (b *Buffer) Append(p []byte) uint32 {
	offset := b.size
	b.SetSize(offset + uint32(len(p)))
	copy(b.data[offset:], p)
	return offset
}

// Swap exchanges the contents of b and other.
func (b *Buffer) Swap(other *Buffer) {
	b.data, other.data = other.data, b.data
	b.size, other.size = other.size, b.size
}

// Reset sets the buffer's logical size to zero without releasing its
// backing array.
func (b *Buffer) Reset() {
	b.size = 0
}
