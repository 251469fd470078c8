//go:build linux
// +build linux

package affinity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momentics/hioload-tpc/api"
)

func TestCPUFor(t *testing.T) {
	assert.Equal(t, -1, CPUFor(nil, 3))
	assert.Equal(t, 2, CPUFor([]int{0, 2}, 1))
	assert.Equal(t, 0, CPUFor([]int{0, 2}, 2))
}

func TestSetAffinity_RejectsOutOfRange(t *testing.T) {
	assert.ErrorIs(t, SetAffinity(-1), api.ErrInvalidArgument)
	assert.ErrorIs(t, SetAffinity(maxCPUs), api.ErrInvalidArgument)
	assert.NoError(t, SetAffinity())
}

func TestSetAffinity_PinsThread(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		allowed, err := Current()
		if !assert.NoError(t, err) || !assert.NotEmpty(t, allowed) {
			return
		}
		target := allowed[0]

		if !assert.NoError(t, SetAffinity(target)) {
			return
		}
		now, err := Current()
		assert.NoError(t, err)
		assert.Equal(t, []int{target}, now)

		// restore so the thread returned to the runtime is not left pinned
		assert.NoError(t, SetAffinity(allowed...))
	}()
	<-done
}
