// File: reactor/future.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"context"
	"sync"
)

// Future is the result of an asynchronous reactor operation. It is completed
// exactly once, on the reactor thread, and may be awaited from any thread.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	f.fail(err)
	return f
}

func (f *Future[T]) complete(v T) bool {
	ok := false
	f.once.Do(func() {
		f.value = v
		close(f.done)
		ok = true
	})
	return ok
}

func (f *Future[T]) fail(err error) bool {
	ok := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		ok = true
	})
	return ok
}

// Done is closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsDone reports completion without blocking.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Join blocks until the future completes.
func (f *Future[T]) Join() (T, error) {
	<-f.done
	return f.value, f.err
}

// Await is Join bounded by ctx.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
