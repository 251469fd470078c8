// File: pool/iobuffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IOBuffer: growable byte buffer with independent read and write cursors.
// Multi-byte values use big-endian order.

package pool

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-tpc/api"
)

// IOBuffer holds bytes in data[readPos:writePos]. A buffer borrowed by an
// in-flight kernel operation panics on mutation and refuses Release.
type IOBuffer struct {
	data     []byte
	readPos  int
	writePos int

	alloc    Allocator
	borrowed atomic.Bool
	released atomic.Bool
}

// NewIOBuffer returns an unpooled buffer with the given capacity.
func NewIOBuffer(capacity int) *IOBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &IOBuffer{data: make([]byte, capacity)}
}

// WrapIOBuffer returns an unpooled buffer whose readable bytes are p.
func WrapIOBuffer(p []byte) *IOBuffer {
	return &IOBuffer{data: p, writePos: len(p)}
}

// Bytes returns the unread bytes. The slice aliases the buffer.
func (b *IOBuffer) Bytes() []byte { return b.data[b.readPos:b.writePos] }

// Len returns the number of unread bytes.
func (b *IOBuffer) Len() int { return b.writePos - b.readPos }

// Cap returns the capacity of the backing storage.
func (b *IOBuffer) Cap() int { return len(b.data) }

// Writable returns the free space after the write cursor.
func (b *IOBuffer) Writable() int { return len(b.data) - b.writePos }

func (b *IOBuffer) ReadPos() int  { return b.readPos }
func (b *IOBuffer) WritePos() int { return b.writePos }

// SetReadPos moves the read cursor within [0, WritePos].
func (b *IOBuffer) SetReadPos(pos int) {
	if pos < 0 || pos > b.writePos {
		panic(fmt.Sprintf("pool: read position %d out of range [0,%d]", pos, b.writePos))
	}
	b.readPos = pos
}

// Skip consumes n unread bytes.
func (b *IOBuffer) Skip(n int) { b.SetReadPos(b.readPos + n) }

// Reset drops all content.
func (b *IOBuffer) Reset() {
	b.mustOwn()
	b.readPos, b.writePos = 0, 0
}

// Compact moves the unread bytes to the front of the buffer.
func (b *IOBuffer) Compact() {
	b.mustOwn()
	if b.readPos == 0 {
		return
	}
	n := copy(b.data, b.data[b.readPos:b.writePos])
	b.readPos, b.writePos = 0, n
}

// EnsureWritable makes room for n more bytes, compacting or growing.
func (b *IOBuffer) EnsureWritable(n int) {
	b.mustOwn()
	if b.Writable() >= n {
		return
	}
	if b.readPos > 0 && len(b.data)-b.Len() >= n {
		b.Compact()
		return
	}
	need := b.Len() + n
	newCap := 2 * len(b.data)
	if newCap < need {
		newCap = need
	}
	grown := make([]byte, newCap)
	m := copy(grown, b.data[b.readPos:b.writePos])
	b.data = grown
	b.readPos, b.writePos = 0, m
}

// WritableSlice exposes the free tail for a direct fill; Advance commits it.
func (b *IOBuffer) WritableSlice() []byte { return b.data[b.writePos:] }

// Advance moves the write cursor after a direct fill of WritableSlice.
func (b *IOBuffer) Advance(n int) {
	if n < 0 || b.writePos+n > len(b.data) {
		panic(fmt.Sprintf("pool: advance %d exceeds writable %d", n, b.Writable()))
	}
	b.writePos += n
}

// Write implements io.Writer.
func (b *IOBuffer) Write(p []byte) (int, error) {
	b.EnsureWritable(len(p))
	n := copy(b.data[b.writePos:], p)
	b.writePos += n
	return n, nil
}

// WriteByte implements io.ByteWriter.
func (b *IOBuffer) WriteByte(c byte) error {
	b.EnsureWritable(1)
	b.data[b.writePos] = c
	b.writePos++
	return nil
}

func (b *IOBuffer) WriteInt32(v int32) {
	b.EnsureWritable(4)
	binary.BigEndian.PutUint32(b.data[b.writePos:], uint32(v))
	b.writePos += 4
}

func (b *IOBuffer) WriteInt64(v int64) {
	b.EnsureWritable(8)
	binary.BigEndian.PutUint64(b.data[b.writePos:], uint64(v))
	b.writePos += 8
}

// PutInt32 overwrites 4 already written bytes at absolute offset at.
// Used to patch a length prefix once the frame is complete.
func (b *IOBuffer) PutInt32(at int, v int32) {
	b.mustOwn()
	if at < 0 || at+4 > b.writePos {
		panic(fmt.Sprintf("pool: put at %d out of written range %d", at, b.writePos))
	}
	binary.BigEndian.PutUint32(b.data[at:], uint32(v))
}

// ReadInt32 consumes 4 bytes; panics when fewer are unread.
func (b *IOBuffer) ReadInt32() int32 {
	b.mustHave(4)
	v := int32(binary.BigEndian.Uint32(b.data[b.readPos:]))
	b.readPos += 4
	return v
}

// ReadInt64 consumes 8 bytes; panics when fewer are unread.
func (b *IOBuffer) ReadInt64() int64 {
	b.mustHave(8)
	v := int64(binary.BigEndian.Uint64(b.data[b.readPos:]))
	b.readPos += 8
	return v
}

// Borrow marks the buffer as owned by an in-flight operation.
func (b *IOBuffer) Borrow() error {
	if b.released.Load() {
		return fmt.Errorf("%w: buffer already released", api.ErrIllegalState)
	}
	if !b.borrowed.CompareAndSwap(false, true) {
		return api.ErrBufferBorrowed
	}
	return nil
}

// Unborrow hands the buffer back once the completion was observed.
func (b *IOBuffer) Unborrow() { b.borrowed.Store(false) }

// Borrowed reports whether an in-flight operation owns the buffer.
func (b *IOBuffer) Borrowed() bool { return b.borrowed.Load() }

// Release returns the buffer to its allocator. Unpooled buffers are simply
// dropped. The buffer must not be used afterwards.
func (b *IOBuffer) Release() error {
	if b.borrowed.Load() {
		return api.ErrBufferBorrowed
	}
	if !b.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: buffer already released", api.ErrIllegalState)
	}
	if b.alloc != nil {
		b.readPos, b.writePos = 0, 0
		b.alloc.Recycle(b)
	}
	return nil
}

// reuse is called by an allocator handing a recycled buffer out again.
func (b *IOBuffer) reuse(minSize int) {
	b.released.Store(false)
	b.readPos, b.writePos = 0, 0
	if len(b.data) < minSize {
		b.data = make([]byte, minSize)
	}
}

func (b *IOBuffer) mustOwn() {
	if b.borrowed.Load() {
		panic(api.ErrBufferBorrowed)
	}
}

func (b *IOBuffer) mustHave(n int) {
	if b.Len() < n {
		panic(fmt.Sprintf("pool: need %d unread bytes, have %d", n, b.Len()))
	}
}
