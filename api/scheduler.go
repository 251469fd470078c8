// Package api
// Author: momentics
//
// Scheduler contract for deadline-based task execution on a reactor.

package api

import "time"

// Cancelable is a handle for a scheduled task.
type Cancelable interface {
	// Cancel prevents the task from running. Returns false if it already ran
	// or was cancelled before.
	Cancel() bool
}

// Scheduler runs tasks once their deadline elapsed.
type Scheduler interface {
	// Schedule runs fn after delay on the scheduler's thread.
	Schedule(delay time.Duration, fn func()) (Cancelable, error)
}
