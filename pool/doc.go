// Package pool
// Author: momentics <momentics@gmail.com>
//
// IOBuffer and its allocators. A NonConcurrentAllocator belongs to one reactor
// thread; ConcurrentAllocator and SizeClassManager may be shared. Buffers
// borrowed by an in-flight kernel operation are never recycled.
package pool
