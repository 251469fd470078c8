// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_stub.go) guarded by build tags.

package affinity

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-tpc/api"
)

// SetAffinity pins the calling OS thread to the given CPUs. The caller must
// have locked the goroutine to its thread with runtime.LockOSThread.
func SetAffinity(cpus ...int) error {
	if len(cpus) == 0 {
		return nil
	}
	for _, cpu := range cpus {
		if cpu < 0 || cpu >= maxCPUs {
			return fmt.Errorf("%w: cpu %d out of range [0,%d)", api.ErrInvalidArgument, cpu, maxCPUs)
		}
	}
	return setAffinityPlatform(cpus)
}

// CPUFor picks the CPU for the i-th reactor from a configured set, cycling
// through it. An empty set yields -1 (no pinning).
func CPUFor(set []int, i int) int {
	if len(set) == 0 {
		return -1
	}
	return set[i%len(set)]
}

// NumCPU is the number of logical CPUs usable by the process.
func NumCPU() int { return runtime.NumCPU() }
