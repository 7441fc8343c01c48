package protocol

import (
	"bytes"
	"fmt"
)

// Buffer is a length-bounded byte accumulator with append and left-trim.
// Trimmed bytes are released by compacting in place, so slices returned by
// Bytes are only valid until the next call that mutates the buffer.
type Buffer struct {
	data  []byte
	limit int
}

// NewBuffer creates a buffer holding at most limit bytes.
func NewBuffer(limit int) (*Buffer, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid buffer limit: %d", limit)
	}
	return &Buffer{limit: limit}, nil
}

// Append adds p to the end of the buffer. It fails without modifying the
// buffer if the result would exceed the limit.
func (b *Buffer) Append(p []byte) error {
	if len(b.data)+len(p) > b.limit {
		return fmt.Errorf("buffer overflow: %d + %d bytes exceeds limit %d", len(b.data), len(p), b.limit)
	}
	b.data = append(b.data, p...)
	return nil
}

// TrimLeft drops the first n bytes. n larger than Len clears the buffer.
func (b *Buffer) TrimLeft(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	k := copy(b.data, b.data[n:])
	b.data = b.data[:k]
}

// IndexByte returns the index of the first c in the buffer, or -1.
func (b *Buffer) IndexByte(c byte) int {
	return bytes.IndexByte(b.data, c)
}

// Bytes returns the buffered bytes without copying.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Free returns how many more bytes can be appended.
func (b *Buffer) Free() int {
	return b.limit - len(b.data)
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}
