//go:build linux
// +build linux

// File: reactor/eventloop_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Eventloop cycle: run tasks, run due deadlines, submit, wait or spin,
// harvest completions and dispatch them by token.

package reactor

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tpc/api"
	"github.com/momentics/hioload-tpc/internal/concurrency"
	"github.com/momentics/hioload-tpc/internal/uring"
	"github.com/momentics/hioload-tpc/pool"
)

const shutdownDrainTimeout = time.Second

// eventloop state is touched only by the reactor thread.
type eventloop struct {
	r         *Reactor
	ring      *uring.Ring
	reg       *registry
	local     *queue.Queue
	deadlines *concurrency.DeadlineQueue
	recvAlloc *pool.NonConcurrentAllocator
	log       *zap.Logger
	metrics   *reactorMetrics
	spin      bool
	batch     int

	// inflight counts offered operations whose completion was not seen yet.
	inflight   int
	dispatchFn func(token uint64, res int32, flags uint32)

	wakeToken uint64
	wakeArmed bool
	wakeBuf   [8]byte

	timeoutToken uint64
	timeoutAt    time.Time
	timeouts     map[uint64]struct{}
}

func newEventloop(r *Reactor) (*eventloop, error) {
	ring, err := uring.New(uring.Params{
		Entries:        r.cfg.Entries,
		Flags:          r.cfg.SetupFlags,
		RegisterRingFd: r.cfg.RegisterRingFd,
	})
	if err != nil {
		return nil, err
	}
	el := &eventloop{
		r:         r,
		ring:      ring,
		reg:       newRegistry(1024),
		local:     queue.New(),
		deadlines: concurrency.NewDeadlineQueue(),
		recvAlloc: pool.NewNonConcurrentAllocator(r.cfg.ReceiveBufferSize, 1024),
		log:       r.log,
		metrics:   r.metrics,
		spin:      r.cfg.Spin,
		batch:     r.cfg.TaskBatch,
		timeouts:  make(map[uint64]struct{}),
	}
	el.dispatchFn = el.dispatch
	el.wakeToken = el.reg.register(el.onWake, nil, true)
	if err := el.armWake(); err != nil {
		_ = ring.Close()
		return nil, fmt.Errorf("arm wakeup: %w", err)
	}
	return el, nil
}

func (el *eventloop) run() {
	r := el.r
	for !r.stop.Load() {
		el.runTasks(el.batch)
		el.deadlines.RunDue(time.Now(), el.safeRun)
		if !el.wakeArmed {
			el.rearmWake()
		}
		if el.spin {
			el.poll()
		} else {
			el.block()
		}
		el.harvest()
	}
	el.shutdown()
}

// idle reports whether nothing can run without waiting for the kernel.
func (el *eventloop) idle() bool {
	if el.local.Length() > 0 || !el.r.tasks.IsEmpty() || el.ring.Ready() > 0 {
		return false
	}
	if next, ok := el.deadlines.Next(); ok && !next.After(time.Now()) {
		return false
	}
	return true
}

func (el *eventloop) poll() {
	el.submit()
	if el.idle() {
		runtime.Gosched()
	}
}

func (el *eventloop) block() {
	if !el.idle() {
		el.submit()
		return
	}
	r := el.r
	r.wakeupNeeded.Store(true)
	if !r.tasks.IsEmpty() || r.stop.Load() {
		r.wakeupNeeded.Store(false)
		el.submit()
		return
	}
	el.armTimeout()
	n, err := el.ring.SubmitAndWait(1)
	r.wakeupNeeded.Store(false)
	if err != nil {
		el.log.Error("submit and wait", zap.Error(err))
		return
	}
	if n > 0 {
		el.metrics.submitted.Add(n)
	}
}

func (el *eventloop) submit() {
	n, err := el.ring.Submit()
	if err != nil {
		if !errors.Is(err, uring.ErrClosed) {
			el.log.Error("submit", zap.Error(err))
		}
		return
	}
	if n > 0 {
		el.metrics.submitted.Add(n)
	}
}

func (el *eventloop) harvest() int {
	return el.ring.Harvest(el.dispatchFn)
}

func (el *eventloop) dispatch(token uint64, res int32, flags uint32) {
	el.inflight--
	el.metrics.completions.Inc()
	h, owner, found := el.reg.take(token)
	switch found {
	case tokenRetired:
		el.metrics.staleCompletions.Inc()
		if ce := el.log.Check(zap.DebugLevel, "completion for retired token"); ce != nil {
			ce.Write(zap.Uint64("token", token), zap.Int32("res", res))
		}
		return
	case tokenUnknown:
		el.metrics.staleCompletions.Inc()
		el.log.Warn("completion for unknown token", zap.Uint64("token", token), zap.Int32("res", res))
		return
	}
	el.invoke(h, owner, res, flags)
}

func (el *eventloop) invoke(h CompletionHandler, owner api.Closeable, res int32, flags uint32) {
	defer func() {
		if p := recover(); p != nil {
			el.metrics.handlerPanics.Inc()
			el.log.Error("completion handler panic", zap.Any("panic", p), zap.Stack("stack"))
			if owner != nil {
				el.r.closeQuietly(owner)
			}
		}
	}()
	h(res, flags)
}

// offer queues one operation. A full submission queue is flushed to the
// kernel once before the offer is retried.
func (el *eventloop) offer(op func() error) error {
	err := op()
	if errors.Is(err, uring.ErrSQFull) {
		el.metrics.sqFull.Inc()
		el.submit()
		err = op()
	}
	if err == nil {
		el.inflight++
	}
	return err
}

// later runs fn on a following cycle.
func (el *eventloop) later(fn func()) { el.local.Add(fn) }

// cancel asks the kernel to cancel the operation behind target.
func (el *eventloop) cancel(target uint64) {
	tok := el.reg.register(func(int32, uint32) {}, nil, false)
	if err := el.offer(func() error { return el.ring.OfferCancel(target, tok) }); err != nil {
		el.reg.retire(tok)
	}
}

// closeFd closes a descriptor the reactor owns through the ring, falling
// back to close(2) when the ring takes no more operations.
func (el *eventloop) closeFd(fd int) {
	tok := el.reg.register(func(res int32, _ uint32) {
		if res < 0 {
			el.log.Warn("close descriptor", zap.Int("fd", fd), zap.Error(api.NewIOError("close", res)))
		}
	}, nil, false)
	if err := el.offer(func() error { return el.ring.OfferClose(fd, tok) }); err != nil {
		el.reg.retire(tok)
		_ = unix.Close(fd)
	}
}

func (el *eventloop) runTasks(limit int) int {
	n := 0
	for n < limit {
		task, ok := el.r.tasks.Dequeue()
		if !ok {
			break
		}
		el.safeRun(task)
		n++
	}
	// Only the tasks present now; tasks they queue run next cycle.
	for i := el.local.Length(); i > 0; i-- {
		el.safeRun(el.local.Remove().(func()))
		n++
	}
	if n > 0 {
		el.metrics.tasks.Add(n)
	}
	return n
}

func (el *eventloop) drainTasks() {
	for el.runTasks(math.MaxInt) > 0 {
	}
}

func (el *eventloop) safeRun(task func()) {
	defer func() {
		if p := recover(); p != nil {
			el.metrics.taskPanics.Inc()
			el.log.Error("task panic", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	task()
}

func (el *eventloop) armWake() error {
	err := el.offer(func() error {
		return el.ring.OfferRead(el.r.wakeFd, el.wakeBuf[:], ^uint64(0), el.wakeToken)
	})
	if err == nil {
		el.wakeArmed = true
	}
	return err
}

func (el *eventloop) rearmWake() {
	if err := el.armWake(); err != nil {
		el.log.Warn("re-arm wakeup", zap.Error(err))
	}
}

func (el *eventloop) onWake(res int32, _ uint32) {
	el.wakeArmed = false
	el.metrics.wakeups.Inc()
	if res < 0 && res != -int32(unix.ECANCELED) {
		el.log.Warn("wakeup read failed", zap.Error(api.NewIOError("eventfd read", res)))
	}
	if !el.r.stop.Load() {
		el.rearmWake()
	}
}

// armTimeout bounds the coming wait by the earliest deadline. A timeout
// already armed for an earlier or equal deadline is left in place.
func (el *eventloop) armTimeout() {
	next, ok := el.deadlines.Next()
	if !ok {
		return
	}
	if el.timeoutToken != 0 && !next.Before(el.timeoutAt) {
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	ts := new(unix.Timespec)
	*ts = unix.NsecToTimespec(int64(d))

	var token uint64
	token = el.reg.register(func(int32, uint32) {
		runtime.KeepAlive(ts)
		delete(el.timeouts, token)
		if el.timeoutToken == token {
			el.timeoutToken = 0
		}
	}, nil, false)
	if err := el.offer(func() error { return el.ring.OfferTimeout(ts, 0, 0, token) }); err != nil {
		el.reg.retire(token)
		el.log.Warn("arm timeout", zap.Error(err))
		return
	}
	el.timeouts[token] = struct{}{}
	el.timeoutToken, el.timeoutAt = token, next
}

func (el *eventloop) shutdown() {
	r := el.r
	r.log.Info("reactor shutting down")
	r.closeAll()
	el.drainTasks()

	if el.wakeArmed {
		el.cancel(el.wakeToken)
	}
	for target := range el.timeouts {
		tok := el.reg.register(func(int32, uint32) {}, nil, false)
		if err := el.offer(func() error { return el.ring.OfferTimeoutRemove(target, tok) }); err != nil {
			el.reg.retire(tok)
		}
	}
	el.awaitInflight(shutdownDrainTimeout)

	r.lifecycle.Lock()
	r.state.Store(int32(StateTerminated))
	r.lifecycle.Unlock()
	el.drainTasks()
	r.closeAll()
	el.awaitInflight(shutdownDrainTimeout)

	if el.inflight > 0 {
		r.log.Warn("ring closed with operations in flight", zap.Int("inflight", el.inflight))
	}
	if err := el.ring.Close(); err != nil {
		r.log.Warn("ring close", zap.Error(err))
	}
	r.finish()
	r.log.Info("reactor terminated")
}

// awaitInflight harvests until every offered operation completed or the
// timeout passed.
func (el *eventloop) awaitInflight(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for el.inflight > 0 && time.Now().Before(deadline) {
		el.submit()
		if el.harvest() == 0 {
			time.Sleep(50 * time.Microsecond)
		}
		el.drainTasks()
	}
}
