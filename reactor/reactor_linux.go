//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor: one locked OS thread running one eventloop over an io_uring
// instance. Other threads reach it only through its task queue.

package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tpc/affinity"
	"github.com/momentics/hioload-tpc/api"
	"github.com/momentics/hioload-tpc/control"
	"github.com/momentics/hioload-tpc/internal/concurrency"
	"github.com/momentics/hioload-tpc/logger"
	"github.com/momentics/hioload-tpc/pool"
)

// State is the reactor lifecycle state.
type State int32

const (
	StateNew State = iota
	StateRunning
	StateShutdown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateRunning:
		return "RUNNING"
	case StateShutdown:
		return "SHUTDOWN"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	_ api.Executor         = (*Reactor)(nil)
	_ api.Scheduler        = (*Reactor)(nil)
	_ api.GracefulShutdown = (*Reactor)(nil)
	_ api.Closeable        = (*AsyncSocket)(nil)
	_ api.Closeable        = (*AsyncServerSocket)(nil)
)

// Reactor owns one thread, one ring and the sockets opened through it.
type Reactor struct {
	cfg     *Config
	name    string
	log     *zap.Logger
	metrics *reactorMetrics
	alloc   pool.Allocator

	// lifecycle orders state changes against enqueues: a task accepted before
	// the reactor terminates is always run.
	lifecycle sync.RWMutex
	state     atomic.Int32

	tasks      *concurrency.LockFreeQueue[func()]
	closeables *xsync.MapOf[api.Closeable, struct{}]

	wakeFd       int
	wakeupNeeded atomic.Bool
	stop         atomic.Bool

	tid atomic.Int32
	el  *eventloop

	releaseGauges func()

	shutdownOnce sync.Once
	termOnce     sync.Once
	terminated   chan struct{}
}

// New creates a reactor in state NEW. cfg may be nil for DefaultConfig;
// opts are applied on a copy.
func New(cfg *Config, opts ...Option) (*Reactor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg = cfg.clone()
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	log = log.With(zap.String("reactor", cfg.Name))
	reg := cfg.Metrics
	if reg == nil {
		reg = control.DefaultRegistry()
	}
	alloc := cfg.Allocator
	if alloc == nil {
		alloc = pool.DefaultManager()
	}
	if cfg.StorageDevices != nil {
		cfg.StorageDevices.freeze()
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor %s: eventfd: %w", cfg.Name, err)
	}

	r := &Reactor{
		cfg:        cfg,
		name:       cfg.Name,
		log:        log,
		metrics:    newReactorMetrics(reg, cfg.Name),
		alloc:      alloc,
		tasks:      concurrency.NewLockFreeQueue[func()](cfg.TaskQueueCapacity),
		closeables: xsync.NewMapOf[api.Closeable, struct{}](),
		wakeFd:     wakeFd,
		terminated: make(chan struct{}),
	}
	r.releaseGauges = reg.Gauge("tpc_reactor_closeables", func() float64 { return float64(r.closeables.Size()) }, "reactor", cfg.Name)
	return r, nil
}

func (r *Reactor) Name() string { return r.name }

// State returns the current lifecycle state.
func (r *Reactor) State() State { return State(r.state.Load()) }

// Config returns a copy of the configuration the reactor was built with.
func (r *Reactor) Config() Config { return *r.cfg.clone() }

// Allocator serves buffers for Write.
func (r *Reactor) Allocator() pool.Allocator { return r.alloc }

// StorageDevices returns the frozen registry, or nil when none was configured.
func (r *Reactor) StorageDevices() *StorageDeviceRegistry { return r.cfg.StorageDevices }

func (r *Reactor) Logger() *zap.Logger { return r.log }

// Terminated is closed when the reactor reaches TERMINATED.
func (r *Reactor) Terminated() <-chan struct{} { return r.terminated }

// InReactorThread reports whether the caller runs on the reactor thread.
func (r *Reactor) InReactorThread() bool {
	tid := r.tid.Load()
	return tid != 0 && tid == int32(unix.Gettid())
}

// Start launches the reactor thread and returns once the ring is set up.
// A ring setup failure is returned and leaves the reactor TERMINATED.
func (r *Reactor) Start() error {
	r.lifecycle.Lock()
	if st := r.State(); st != StateNew {
		r.lifecycle.Unlock()
		return fmt.Errorf("%w: reactor %s cannot start in state %s", api.ErrIllegalState, r.name, st)
	}
	r.state.Store(int32(StateRunning))
	r.lifecycle.Unlock()

	ready := make(chan error, 1)
	go r.run(ready)
	return <-ready
}

func (r *Reactor) run(ready chan<- error) {
	// Never unlocked: the thread exits with the goroutine, taking its
	// affinity mask along.
	runtime.LockOSThread()
	r.tid.Store(int32(unix.Gettid()))

	if len(r.cfg.AffinityCPUs) > 0 {
		if err := affinity.SetAffinity(r.cfg.AffinityCPUs...); err != nil {
			r.log.Warn("cpu affinity not applied", zap.Ints("cpus", r.cfg.AffinityCPUs), zap.Error(err))
		}
	}

	el, err := newEventloop(r)
	if err != nil {
		r.log.Error("ring setup failed", zap.Error(err))
		r.lifecycle.Lock()
		r.state.Store(int32(StateTerminated))
		r.lifecycle.Unlock()
		r.closeAll()
		if dropped := r.tasks.Len(); dropped > 0 {
			r.log.Warn("tasks dropped", zap.Int("count", dropped))
		}
		r.finish()
		ready <- fmt.Errorf("reactor %s: ring setup: %w", r.name, err)
		return
	}
	r.el = el
	var devices []StorageDevice
	if r.cfg.StorageDevices != nil {
		devices = r.cfg.StorageDevices.Devices()
	}
	r.log.Info("reactor started",
		zap.Uint32("entries", el.ring.Entries()),
		zap.Uint32("setup_flags", el.ring.Flags()),
		zap.Bool("ring_fd_registered", el.ring.RingFdRegistered()),
		zap.Bool("spin", r.cfg.Spin),
		zap.Int("storage_devices", len(devices)))
	ready <- nil
	el.run()
}

// finish releases what the reactor owns outside the ring and marks it
// terminated. Runs once, on the reactor thread or in place of it.
func (r *Reactor) finish() {
	r.lifecycle.Lock()
	r.state.Store(int32(StateTerminated))
	if r.wakeFd >= 0 {
		_ = unix.Close(r.wakeFd)
		r.wakeFd = -1
	}
	r.lifecycle.Unlock()
	r.tid.Store(0)
	r.releaseGauges()
	r.termOnce.Do(func() { close(r.terminated) })
}

// Execute queues task for the reactor thread, waiting while the queue is
// full. On the reactor thread it queues locally and never waits.
func (r *Reactor) Execute(task func()) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", api.ErrInvalidArgument)
	}
	if r.InReactorThread() {
		return r.executeLocal(task)
	}
	return r.executeBlocking(task, false)
}

// Offer queues task without waiting. It returns false when the queue is full
// or the reactor is not running.
func (r *Reactor) Offer(task func()) bool {
	if task == nil {
		return false
	}
	if r.InReactorThread() {
		return r.State() == StateRunning && r.executeLocal(task) == nil
	}
	return r.enqueue(task, false) == nil
}

func (r *Reactor) executeLocal(task func()) error {
	if r.State() == StateTerminated {
		return api.ErrReactorNotRunning
	}
	r.el.local.Add(task)
	return nil
}

// executeInternal is Execute for the reactor's own resources; it keeps
// accepting work while the reactor shuts down.
func (r *Reactor) executeInternal(task func()) error {
	if r.InReactorThread() {
		return r.executeLocal(task)
	}
	return r.executeBlocking(task, true)
}

func (r *Reactor) executeBlocking(task func(), internal bool) error {
	for spins := 0; ; spins++ {
		err := r.enqueue(task, internal)
		if !errors.Is(err, api.ErrQueueFull) {
			return err
		}
		backoff(spins)
	}
}

func backoff(spins int) {
	if spins < 16 {
		runtime.Gosched()
		return
	}
	shift := spins - 16
	if shift > 10 {
		shift = 10
	}
	time.Sleep(time.Microsecond << shift)
}

func (r *Reactor) enqueue(task func(), internal bool) error {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()
	switch r.State() {
	case StateRunning:
	case StateShutdown:
		if !internal {
			return api.ErrReactorNotRunning
		}
	default:
		return api.ErrReactorNotRunning
	}
	if !r.tasks.Enqueue(task) {
		return api.ErrQueueFull
	}
	if r.wakeupNeeded.Load() && r.wakeupNeeded.CompareAndSwap(true, false) {
		r.signal()
	}
	return nil
}

// signal bumps the wakeup eventfd. Callers hold lifecycle.
func (r *Reactor) signal() {
	if r.wakeFd < 0 {
		return
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	for {
		if _, err := unix.Write(r.wakeFd, one[:]); err != unix.EINTR {
			return
		}
	}
}

// call runs fn on the reactor thread and waits for its result.
func (r *Reactor) call(fn func() error) error {
	if r.InReactorThread() {
		return fn()
	}
	f := newFuture[struct{}]()
	err := r.Execute(func() {
		if err := fn(); err != nil {
			f.fail(err)
			return
		}
		f.complete(struct{}{})
	})
	if err != nil {
		return err
	}
	select {
	case <-f.Done():
	case <-r.terminated:
		if !f.IsDone() {
			return api.ErrReactorNotRunning
		}
	}
	_, err = f.Join()
	return err
}

// onReactor runs fn on the reactor thread, or in place when the reactor is
// gone and nothing can race with fn anymore.
func (r *Reactor) onReactor(fn func()) {
	if r.InReactorThread() {
		fn()
		return
	}
	if err := r.executeInternal(fn); err != nil {
		<-r.terminated
		fn()
	}
}

// Schedule runs fn on the reactor thread once delay elapsed.
func (r *Reactor) Schedule(delay time.Duration, fn func()) (api.Cancelable, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil task", api.ErrInvalidArgument)
	}
	if delay < 0 {
		delay = 0
	}
	t := concurrency.NewDeadlineTask(time.Now().Add(delay), fn)
	if err := r.Execute(func() { r.el.deadlines.Add(t) }); err != nil {
		return nil, err
	}
	return t, nil
}

// RegisterCloseable has c closed when the reactor shuts down.
func (r *Reactor) RegisterCloseable(c api.Closeable) error {
	if c == nil {
		return fmt.Errorf("%w: nil closeable", api.ErrInvalidArgument)
	}
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()
	if r.State() >= StateShutdown {
		return fmt.Errorf("%w: reactor %s is shutting down", api.ErrIllegalState, r.name)
	}
	r.closeables.Store(c, struct{}{})
	return nil
}

func (r *Reactor) DeregisterCloseable(c api.Closeable) {
	if c != nil {
		r.closeables.Delete(c)
	}
}

func (r *Reactor) closeAll() {
	r.closeables.Range(func(c api.Closeable, _ struct{}) bool {
		r.closeables.Delete(c)
		r.closeQuietly(c)
		return true
	})
}

func (r *Reactor) closeQuietly(c api.Closeable) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic while closing", zap.Any("panic", p))
		}
	}()
	if err := c.Close(); err != nil {
		r.log.Warn("close failed", zap.Error(err))
	}
}

// Shutdown stops the reactor, closing every registered closeable on the
// reactor thread, and waits for the thread to exit unless called from it.
func (r *Reactor) Shutdown() error {
	r.shutdownOnce.Do(func() {
		r.lifecycle.Lock()
		prev := r.State()
		if prev == StateNew || prev == StateRunning {
			r.state.Store(int32(StateShutdown))
		}
		r.lifecycle.Unlock()

		if prev == StateNew {
			r.closeAll()
			r.finish()
			r.log.Info("reactor terminated before start")
			return
		}
		r.stop.Store(true)
		r.lifecycle.RLock()
		r.signal()
		r.lifecycle.RUnlock()
	})
	if !r.InReactorThread() {
		<-r.terminated
	}
	return nil
}

// AwaitTermination waits until the reactor is TERMINATED or ctx ends.
func (r *Reactor) AwaitTermination(ctx context.Context) error {
	select {
	case <-r.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reactor) String() string {
	return fmt.Sprintf("Reactor[%s %s]", r.name, r.State())
}
