// File: pool/sizeclass.go
// Author: momentics <momentics@gmail.com>
//
// Size-class allocator: one concurrent slab per power-of-two class.
// Requests above the largest class get unpooled buffers.

package pool

import (
	"github.com/momentics/hioload-tpc/api"
)

var sizeClasses = []int{
	2 * 1024, 4 * 1024, 8 * 1024, 16 * 1024, 32 * 1024,
	64 * 1024, 128 * 1024, 256 * 1024, 512 * 1024, 1024 * 1024,
}

// SizeClassManager routes allocations to per-class ConcurrentAllocators.
type SizeClassManager struct {
	classes []*ConcurrentAllocator
}

// NewSizeClassManager creates a slab per size class, each keeping up to
// perClass free buffers.
func NewSizeClassManager(perClass int) *SizeClassManager {
	m := &SizeClassManager{classes: make([]*ConcurrentAllocator, len(sizeClasses))}
	for i, size := range sizeClasses {
		m.classes[i] = NewConcurrentAllocator(size, perClass)
	}
	return m
}

func classIndex(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// Allocate picks the smallest class that fits minSize.
func (m *SizeClassManager) Allocate(minSize int) *IOBuffer {
	idx := classIndex(minSize)
	if idx < 0 {
		return NewIOBuffer(minSize)
	}
	return m.classes[idx].Allocate(sizeClasses[idx])
}

// Recycle files the buffer under the largest class its capacity covers.
func (m *SizeClassManager) Recycle(b *IOBuffer) {
	idx := -1
	for i, c := range sizeClasses {
		if b.Cap() >= c {
			idx = i
		}
	}
	if idx < 0 {
		return
	}
	b.alloc = m.classes[idx]
	m.classes[idx].Recycle(b)
}

func (m *SizeClassManager) Stats() api.BufferPoolStats {
	var out api.BufferPoolStats
	for _, c := range m.classes {
		s := c.Stats()
		out.TotalAlloc += s.TotalAlloc
		out.TotalFree += s.TotalFree
		out.InUse += s.InUse
		out.Dropped += s.Dropped
	}
	return out
}

var _ Allocator = (*SizeClassManager)(nil)
