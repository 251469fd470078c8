//go:build !linux
// +build !linux

// File: reactor/reactor_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"fmt"

	"github.com/momentics/hioload-tpc/api"
)

// Reactor needs io_uring and exists only on Linux.
type Reactor struct{}

// New always fails outside Linux.
func New(cfg *Config, opts ...Option) (*Reactor, error) {
	return nil, fmt.Errorf("reactor: %w: io_uring requires linux", api.ErrNotSupported)
}
