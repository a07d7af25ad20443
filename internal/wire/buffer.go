package wire

// BufferCapacity is the fixed scratch size for a single DNS/UDP
// message: 512 bytes, the classic DNS-over-UDP payload limit.
const BufferCapacity = 512

// Mode tracks which side of a Buffer is currently valid. A buffer is
// always exactly one of Reading, Writing, or Idle, and the mode
// decides which slice ReadableSlice/WritableSlice will hand back.
type Mode int

const (
	Idle Mode = iota
	Reading
	Writing
)

// Buffer is a fixed-capacity scratch area with read/write-mode
// discipline: a cursor and limit over a fixed backing array, plus an
// explicit mode flag so that a writer slice and a reader slice can
// never be held over the same bytes at once.
type Buffer struct {
	mem      [BufferCapacity]byte
	position int
	limit    int
	mark     int
	hasMark  bool
	mode     Mode
}

// NewBuffer returns an empty buffer in Writing mode.
func NewBuffer() *Buffer {
	b := &Buffer{}
	b.SetWriting()
	return b
}

// Capacity always reports BufferCapacity.
func (b *Buffer) Capacity() int { return BufferCapacity }

// Position returns the current cursor.
func (b *Buffer) Position() int { return b.position }

// Limit returns the current limit.
func (b *Buffer) Limit() int { return b.limit }

// Remaining returns the number of bytes between position and limit.
func (b *Buffer) Remaining() int { return b.limit - b.position }

// Mode reports the buffer's current mode.
func (b *Buffer) Mode() Mode { return b.mode }

// SetWriting resets the buffer to an empty Writing state: position 0,
// limit at capacity, mark cleared.
func (b *Buffer) SetWriting() {
	b.position = 0
	b.limit = BufferCapacity
	b.hasMark = false
	b.mode = Writing
}

// SetReading switches to Reading mode without otherwise touching
// position/limit (used when the caller has already placed the cursor,
// e.g. after a raw socket read followed by Advance).
func (b *Buffer) SetReading() {
	b.hasMark = false
	b.mode = Reading
}

// Clear is an alias for SetWriting.
func (b *Buffer) Clear() { b.SetWriting() }

// Flip swaps mode: Writing -> Reading sets limit := position and
// position := 0, making the just-written bytes visible for reading.
// Reading -> Writing (or any other mode) resets to an empty Writing
// buffer. Mark is always cleared by Flip.
func (b *Buffer) Flip() {
	b.hasMark = false
	if b.mode == Writing {
		b.limit = b.position
		b.position = 0
		b.mode = Reading
		return
	}
	b.SetWriting()
}

// Mark records the current position for a later Reset.
func (b *Buffer) Mark() {
	b.mark = b.position
	b.hasMark = true
}

// Reset restores position to the previously Mark-ed value. Calling
// Reset without a prior Mark is a precondition failure, surfaced as
// ErrNoMark rather than a panic.
func (b *Buffer) Reset() error {
	if !b.hasMark {
		return ErrNoMark
	}
	b.position = b.mark
	b.hasMark = false
	return nil
}

// ReadableSlice returns the visible bytes for the current mode: in
// Reading mode that's [position, limit); in Writing mode it's
// [0, position), the bytes written so far.
func (b *Buffer) ReadableSlice() []byte {
	if b.mode == Reading {
		return b.mem[b.position:b.limit]
	}
	return b.mem[:b.position]
}

// WritableSlice returns [position, limit) and is only valid in
// Writing mode.
func (b *Buffer) WritableSlice() []byte {
	if b.mode != Writing {
		panic("wire: WritableSlice called outside Writing mode")
	}
	return b.mem[b.position:b.limit]
}

// Advance moves position forward by n, saturating at Remaining so the
// cursor never runs past the limit.
func (b *Buffer) Advance(n int) {
	if n > b.Remaining() {
		n = b.Remaining()
	}
	if n < 0 {
		n = 0
	}
	b.position += n
}

// WriteAll copies src into the writable slice and advances past it.
// It fails with ErrShort if src doesn't fit in Remaining(), leaving
// the buffer untouched.
func (b *Buffer) WriteAll(src []byte) error {
	if len(src) > b.Remaining() {
		return ErrShort
	}
	copy(b.mem[b.position:], src)
	b.position += len(src)
	return nil
}

// raw exposes the full backing array, not just the current readable
// window. Nothing in the package calls it; readName decodes
// compressed names from the message's byte slice directly.
func (b *Buffer) raw() *[BufferCapacity]byte { return &b.mem }
