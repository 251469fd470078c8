package pool_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tpc/pool"
)

func TestNonConcurrentAllocator_Reuse(t *testing.T) {
	a := pool.NewNonConcurrentAllocator(128, 2)
	b1 := a.Allocate(0)
	assert.Equal(t, 128, b1.Cap())
	b1.WriteInt64(7)
	require.NoError(t, b1.Release())

	b2 := a.Allocate(64)
	assert.Same(t, b1, b2, "released buffer should be reused")
	assert.Equal(t, 0, b2.Len(), "reused buffer must be empty")

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.TotalAlloc)
	assert.Equal(t, int64(1), stats.InUse)
}

func TestNonConcurrentAllocator_DropsBeyondMaxFree(t *testing.T) {
	a := pool.NewNonConcurrentAllocator(16, 1)
	x, y := a.Allocate(0), a.Allocate(0)
	require.NoError(t, x.Release())
	require.NoError(t, y.Release())
	assert.Equal(t, int64(1), a.Stats().Dropped)
}

func TestConcurrentAllocator_Parallel(t *testing.T) {
	a := pool.NewConcurrentAllocator(256, 64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b := a.Allocate(0)
				b.WriteInt32(int32(i))
				if err := b.Release(); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	stats := a.Stats()
	assert.LessOrEqual(t, stats.TotalAlloc, int64(8+64), "free list should absorb churn")
	assert.Equal(t, int64(0), stats.InUse)
}

func TestSizeClassManager_Classes(t *testing.T) {
	m := pool.NewSizeClassManager(8)
	small := m.Allocate(100)
	assert.Equal(t, 2*1024, small.Cap())
	mid := m.Allocate(5000)
	assert.Equal(t, 8*1024, mid.Cap())
	huge := m.Allocate(4 * 1024 * 1024)
	assert.Equal(t, 4*1024*1024, huge.Cap())

	require.NoError(t, small.Release())
	again := m.Allocate(1)
	assert.Same(t, small, again)
	require.NoError(t, huge.Release())
}
