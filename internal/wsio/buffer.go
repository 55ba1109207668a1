// Package wsio implements the chunked, pool-backed byte streams that back
// every connection: fixed-size slabs, a capped free list, and an input/output
// queue pair built on top of them.
package wsio

// DefaultBufferSize is the fixed slab capacity B.
const DefaultBufferSize = 4096

// Buffer is a single fixed-capacity slab with a readable window
// [begin, end) and a writable tail [end, len(data)). Buffers are not safe
// for concurrent use and are always owned by exactly one stream or the pool.
type Buffer struct {
	data  []byte
	begin int
	end   int
}

func newBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Readable returns the current readable window. Empty when begin == end.
func (b *Buffer) Readable() []byte {
	return b.data[b.begin:b.end]
}

// Writable returns the current writable tail.
func (b *Buffer) Writable() []byte {
	return b.data[b.end:]
}

// AdvanceRead drops n bytes from the front of the readable window, clamped
// to the available readable count.
func (b *Buffer) AdvanceRead(n int) {
	b.begin += n
	if b.begin > b.end {
		b.begin = b.end
	}
}

// AdvanceWrite commits n newly written bytes at the tail, clamped to the
// available writable count.
func (b *Buffer) AdvanceWrite(n int) {
	b.end += n
	if b.end > len(b.data) {
		b.end = len(b.data)
	}
}

// Len returns the number of readable bytes.
func (b *Buffer) Len() int {
	return b.end - b.begin
}

// Clear resets both cursors to the start of the slab; it does not zero the
// backing array.
func (b *Buffer) Clear() {
	b.begin = 0
	b.end = 0
}
