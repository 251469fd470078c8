// Package api
// Author: momentics@gmail.com
//
// Bounded multi-producer multi-consumer queue contract.

package api

// BoundedQueue is a fixed-capacity FIFO safe for concurrent producers and
// consumers.
type BoundedQueue[T any] interface {
	// Enqueue adds an item, returns false if full.
	Enqueue(item T) bool
	// Dequeue removes the oldest item, returns false if empty.
	Dequeue() (T, bool)
	// Len returns an approximate number of items.
	Len() int
	// Cap returns the capacity.
	Cap() int
}
