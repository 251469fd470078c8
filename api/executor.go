// Package api
// Author: momentics
//
// Executor contract for handing work to a reactor thread.

package api

// Executor runs tasks on a single owning thread.
type Executor interface {
	// Execute enqueues task, waiting for queue space if needed.
	Execute(task func()) error

	// Offer enqueues task without waiting; false when the queue refused it.
	Offer(task func()) bool
}
