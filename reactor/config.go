// File: reactor/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reactor configuration with defaults, functional options and validation.

package reactor

import (
	"go.uber.org/zap"

	"github.com/momentics/hioload-tpc/api"
	"github.com/momentics/hioload-tpc/control"
	"github.com/momentics/hioload-tpc/internal/uring"
	"github.com/momentics/hioload-tpc/pool"
)

// Config is read once when a reactor is created and never changes afterwards.
type Config struct {
	// Name labels the reactor in logs and metrics.
	Name string
	// Entries is the requested submission queue size; the kernel rounds it up
	// to a power of two and clamps it.
	Entries uint32
	// SetupFlags are extra io_uring setup flags (uring.Setup*).
	SetupFlags uint32
	// RegisterRingFd registers the ring descriptor to save a lookup per enter.
	RegisterRingFd bool
	// Spin polls the completion queue instead of blocking in the kernel.
	Spin bool
	// AffinityCPUs pins the reactor thread. Empty means no pinning.
	AffinityCPUs []int
	// TaskQueueCapacity bounds the cross-thread task queue.
	TaskQueueCapacity int
	// TaskBatch caps the cross-thread tasks run per loop cycle.
	TaskBatch int
	// WriteQueueCapacity bounds each socket's unflushed write queue.
	WriteQueueCapacity int
	// ReceiveBufferSize is the initial size of a socket's receive buffer.
	ReceiveBufferSize int
	// StorageDevices describes block devices for file I/O. Frozen when the
	// reactor is created.
	StorageDevices *StorageDeviceRegistry
	// Allocator serves buffers to applications writing to sockets.
	Allocator pool.Allocator
	Logger    *zap.Logger
	Metrics   *control.MetricsRegistry
}

// DefaultConfig returns the default reactor configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:               "reactor",
		Entries:            8192,
		TaskQueueCapacity:  65536,
		TaskBatch:          4096,
		WriteQueueCapacity: 16384,
		ReceiveBufferSize:  64 * 1024,
	}
}

// Option adjusts a Config.
type Option func(*Config)

func WithName(name string) Option { return func(c *Config) { c.Name = name } }

func WithEntries(n uint32) Option { return func(c *Config) { c.Entries = n } }

func WithSetupFlags(flags uint32) Option { return func(c *Config) { c.SetupFlags = flags } }

func WithRegisterRingFd(on bool) Option { return func(c *Config) { c.RegisterRingFd = on } }

// WithSpin switches the loop between busy polling and blocking waits.
func WithSpin(on bool) Option { return func(c *Config) { c.Spin = on } }

func WithAffinity(cpus ...int) Option {
	return func(c *Config) { c.AffinityCPUs = append([]int(nil), cpus...) }
}

func WithTaskQueueCapacity(n int) Option { return func(c *Config) { c.TaskQueueCapacity = n } }

func WithWriteQueueCapacity(n int) Option { return func(c *Config) { c.WriteQueueCapacity = n } }

func WithReceiveBufferSize(n int) Option { return func(c *Config) { c.ReceiveBufferSize = n } }

func WithStorageDevices(r *StorageDeviceRegistry) Option {
	return func(c *Config) { c.StorageDevices = r }
}

func WithAllocator(a pool.Allocator) Option { return func(c *Config) { c.Allocator = a } }

func WithLogger(l *zap.Logger) Option { return func(c *Config) { c.Logger = l } }

func WithMetrics(m *control.MetricsRegistry) Option { return func(c *Config) { c.Metrics = m } }

// Validate reports the first invalid field as a structured error.
func (c *Config) Validate() error {
	invalid := func(field string, value any, msg string) error {
		return api.NewError(api.ErrCodeInvalidArgument, "reactor config: "+msg).
			WithContext("field", field).
			WithContext("value", value)
	}
	switch {
	case c.Entries == 0:
		return invalid("Entries", c.Entries, "entries must be positive")
	case c.SetupFlags&^uring.KnownSetupFlags != 0:
		return invalid("SetupFlags", c.SetupFlags, "unknown setup flags")
	case c.SetupFlags&uring.UnsupportedSetupFlags != 0:
		return invalid("SetupFlags", c.SetupFlags, "setup flags not supported for sockets")
	case c.TaskQueueCapacity <= 0:
		return invalid("TaskQueueCapacity", c.TaskQueueCapacity, "task queue capacity must be positive")
	case c.TaskBatch <= 0:
		return invalid("TaskBatch", c.TaskBatch, "task batch must be positive")
	case c.WriteQueueCapacity <= 0:
		return invalid("WriteQueueCapacity", c.WriteQueueCapacity, "write queue capacity must be positive")
	case c.ReceiveBufferSize < minReceiveBuffer:
		return invalid("ReceiveBufferSize", c.ReceiveBufferSize, "receive buffer too small")
	}
	for _, cpu := range c.AffinityCPUs {
		if cpu < 0 {
			return invalid("AffinityCPUs", c.AffinityCPUs, "negative cpu")
		}
	}
	return nil
}

// clone copies c so later edits by the caller do not reach a running reactor.
func (c *Config) clone() *Config {
	cp := *c
	cp.AffinityCPUs = append([]int(nil), c.AffinityCPUs...)
	return &cp
}

const minReceiveBuffer = 256
