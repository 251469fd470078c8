// File: pool/allocator.go
// Package pool implements IOBuffer allocators.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-tpc/api"
	"github.com/momentics/hioload-tpc/internal/concurrency"
)

// Allocator hands out IOBuffers and takes released ones back.
type Allocator interface {
	// Allocate returns a buffer with capacity of at least minSize.
	Allocate(minSize int) *IOBuffer
	// Recycle is called by IOBuffer.Release.
	Recycle(b *IOBuffer)
	Stats() api.BufferPoolStats
}

const (
	defaultBufferSize   = 16 * 1024
	defaultPoolCapacity = 4096
)

// NonConcurrentAllocator serves a single thread, typically a reactor.
type NonConcurrentAllocator struct {
	size    int
	maxFree int
	free    *queue.Queue

	totalAlloc int64
	totalFree  int64
	dropped    int64
}

// NewNonConcurrentAllocator creates an allocator of size-byte buffers that
// keeps up to maxFree released buffers for reuse.
func NewNonConcurrentAllocator(size, maxFree int) *NonConcurrentAllocator {
	if size <= 0 {
		size = defaultBufferSize
	}
	if maxFree <= 0 {
		maxFree = defaultPoolCapacity
	}
	return &NonConcurrentAllocator{size: size, maxFree: maxFree, free: queue.New()}
}

func (a *NonConcurrentAllocator) Allocate(minSize int) *IOBuffer {
	if minSize < a.size {
		minSize = a.size
	}
	if a.free.Length() > 0 {
		b := a.free.Remove().(*IOBuffer)
		b.reuse(minSize)
		return b
	}
	a.totalAlloc++
	b := NewIOBuffer(minSize)
	b.alloc = a
	return b
}

func (a *NonConcurrentAllocator) Recycle(b *IOBuffer) {
	if a.free.Length() >= a.maxFree {
		a.dropped++
		return
	}
	a.totalFree++
	a.free.Add(b)
}

func (a *NonConcurrentAllocator) Stats() api.BufferPoolStats {
	return api.BufferPoolStats{
		TotalAlloc: a.totalAlloc,
		TotalFree:  a.totalFree,
		InUse:      a.totalAlloc - int64(a.free.Length()) - a.dropped,
		Dropped:    a.dropped,
	}
}

// ConcurrentAllocator is safe for use from any thread; released buffers go
// through a bounded lock-free free list.
type ConcurrentAllocator struct {
	size  int
	queue api.BoundedQueue[*IOBuffer]

	totalAlloc atomic.Int64
	totalFree  atomic.Int64
	dropped    atomic.Int64
}

// NewConcurrentAllocator creates an allocator of size-byte buffers with a
// free list of the given capacity.
func NewConcurrentAllocator(size, capacity int) *ConcurrentAllocator {
	if size <= 0 {
		size = defaultBufferSize
	}
	if capacity <= 0 {
		capacity = defaultPoolCapacity
	}
	return &ConcurrentAllocator{
		size:  size,
		queue: concurrency.NewLockFreeQueue[*IOBuffer](capacity),
	}
}

func (a *ConcurrentAllocator) Allocate(minSize int) *IOBuffer {
	if minSize < a.size {
		minSize = a.size
	}
	if b, ok := a.queue.Dequeue(); ok {
		b.reuse(minSize)
		return b
	}
	a.totalAlloc.Add(1)
	b := NewIOBuffer(minSize)
	b.alloc = a
	return b
}

func (a *ConcurrentAllocator) Recycle(b *IOBuffer) {
	if a.queue.Enqueue(b) {
		a.totalFree.Add(1)
		return
	}
	a.dropped.Add(1)
}

func (a *ConcurrentAllocator) Stats() api.BufferPoolStats {
	totalAlloc := a.totalAlloc.Load()
	dropped := a.dropped.Load()
	return api.BufferPoolStats{
		TotalAlloc: totalAlloc,
		TotalFree:  a.totalFree.Load(),
		InUse:      totalAlloc - int64(a.queue.Len()) - dropped,
		Dropped:    dropped,
	}
}

var (
	_ Allocator = (*NonConcurrentAllocator)(nil)
	_ Allocator = (*ConcurrentAllocator)(nil)
)
