//go:build !linux
// +build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub for platforms without thread affinity support.

package affinity

import "github.com/momentics/hioload-tpc/api"

const maxCPUs = 1024

func setAffinityPlatform([]int) error { return api.ErrNotSupported }

// Current is not supported on this platform.
func Current() ([]int, error) { return nil, api.ErrNotSupported }
