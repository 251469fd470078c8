// Package api
// Author: momentics
//
// Accounting contract shared by the IOBuffer allocators.
//
// A buffer handed to the kernel queue is borrowed until its completion is
// observed; allocators never recycle a borrowed buffer.

package api

// BufferPoolStats aggregates buffer allocation/reuse stats.
type BufferPoolStats struct {
	TotalAlloc int64 // buffers created by the allocator
	TotalFree  int64 // buffers returned for reuse
	InUse      int64
	Dropped    int64 // returned while the free list was full
}
