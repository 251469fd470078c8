// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown stops a component and releases everything it owns.
type GracefulShutdown interface {
	// Shutdown is safe to call more than once; later calls are no-ops.
	Shutdown() error
}

// Closeable is a resource a reactor closes when it shuts down.
type Closeable interface {
	Close() error
}
