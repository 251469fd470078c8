package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFreeQueue_MPMC(t *testing.T) {
	q := NewLockFreeQueue[int](1024)
	producers := 8
	consumers := 8
	itemsPerProducer := 10000

	var wg sync.WaitGroup
	var sentSum, receivedSum, receivedCount int64
	totalItems := int64(producers * itemsPerProducer)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				val := pid*itemsPerProducer + i + 1
				for !q.Enqueue(val) {
					runtime.Gosched()
				}
				atomic.AddInt64(&sentSum, int64(val))
			}
		}(p)
	}

	var consumerWg sync.WaitGroup
	for c := 0; c < consumers; c++ {
		consumerWg.Add(1)
		go func() {
			defer consumerWg.Done()
			for atomic.LoadInt64(&receivedCount) < totalItems {
				if val, ok := q.Dequeue(); ok {
					atomic.AddInt64(&receivedSum, int64(val))
					atomic.AddInt64(&receivedCount, 1)
				} else {
					runtime.Gosched()
				}
			}
		}()
	}

	wg.Wait()
	done := make(chan struct{})
	go func() {
		consumerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		assert.Equal(t, sentSum, receivedSum, "checksum mismatch")
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for consumers, received %d/%d", atomic.LoadInt64(&receivedCount), totalItems)
	}
}

func TestLockFreeQueue_FullRejects(t *testing.T) {
	q := NewLockFreeQueue[int](4)
	require.Equal(t, 4, q.Cap())
	for i := 0; i < 4; i++ {
		require.True(t, q.Enqueue(i))
	}
	assert.False(t, q.Enqueue(99), "full queue must reject")
	assert.Equal(t, 4, q.Len())

	v, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 0, v)
	assert.True(t, q.Enqueue(4), "slot freed by dequeue must be reusable")
}

func TestLockFreeQueue_FIFOPerProducer(t *testing.T) {
	q := NewLockFreeQueue[[2]int](4096)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				for !q.Enqueue([2]int{pid, i}) {
					runtime.Gosched()
				}
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for {
		v, ok := q.Dequeue()
		if !ok {
			break
		}
		assert.Greater(t, v[1], last[v[0]], "producer %d reordered", v[0])
		last[v[0]] = v[1]
	}
	for p, i := range last {
		assert.Equal(t, 499, i, "producer %d lost items", p)
	}
}
