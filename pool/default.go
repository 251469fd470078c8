package pool

import "sync"

var (
	defaultOnce sync.Once
	defaultMgr  *SizeClassManager
)

// DefaultManager returns the process-wide size-class allocator so components
// that need a thread-safe allocator share the same slabs.
func DefaultManager() *SizeClassManager {
	defaultOnce.Do(func() {
		defaultMgr = NewSizeClassManager(defaultPoolCapacity)
	})
	return defaultMgr
}
