package pool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tpc/api"
	"github.com/momentics/hioload-tpc/pool"
)

func TestIOBuffer_FrameRoundTrip(t *testing.T) {
	b := pool.NewIOBuffer(4)
	b.WriteInt32(-1)
	b.WriteInt64(42)
	b.PutInt32(0, 12)

	require.Equal(t, 12, b.Len())
	assert.Equal(t, int32(12), b.ReadInt32())
	assert.Equal(t, int64(42), b.ReadInt64())
	assert.Equal(t, 0, b.Len())
}

func TestIOBuffer_CompactKeepsRemainder(t *testing.T) {
	b := pool.NewIOBuffer(8)
	_, _ = b.Write([]byte("abcdefgh"))
	b.Skip(5)
	b.Compact()
	assert.Equal(t, 0, b.ReadPos())
	assert.Equal(t, []byte("fgh"), b.Bytes())
	assert.Equal(t, 5, b.Writable())
}

func TestIOBuffer_GrowPreservesUnread(t *testing.T) {
	b := pool.NewIOBuffer(4)
	_, _ = b.Write([]byte("wxyz"))
	b.Skip(1)
	b.EnsureWritable(10)
	assert.GreaterOrEqual(t, b.Writable(), 10)
	assert.Equal(t, []byte("xyz"), b.Bytes())
}

func TestIOBuffer_DirectFill(t *testing.T) {
	b := pool.NewIOBuffer(16)
	n := copy(b.WritableSlice(), "hello")
	b.Advance(n)
	assert.Equal(t, "hello", string(b.Bytes()))
	assert.Panics(t, func() { b.Advance(100) })
}

func TestIOBuffer_BorrowGuards(t *testing.T) {
	a := pool.NewNonConcurrentAllocator(64, 4)
	b := a.Allocate(0)
	require.NoError(t, b.Borrow())
	assert.ErrorIs(t, b.Borrow(), api.ErrBufferBorrowed)
	assert.ErrorIs(t, b.Release(), api.ErrBufferBorrowed)
	assert.Panics(t, func() { b.WriteInt32(1) })

	b.Unborrow()
	require.NoError(t, b.Release())
	assert.ErrorIs(t, b.Release(), api.ErrIllegalState)
	assert.ErrorIs(t, b.Borrow(), api.ErrIllegalState)
}

func TestIOBuffer_ShortReadPanics(t *testing.T) {
	b := pool.WrapIOBuffer([]byte{1, 2, 3})
	assert.Panics(t, func() { b.ReadInt32() })
	assert.Equal(t, 3, b.Len())
}
