// File: reactor/storage.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/momentics/hioload-tpc/api"
)

// StorageDevice bounds the file I/O a reactor issues against one device.
type StorageDevice struct {
	Path          string
	MaxConcurrent int
	MaxPending    int
}

// StorageDeviceRegistry maps path prefixes to devices. It accepts
// registrations until a reactor is created with it.
type StorageDeviceRegistry struct {
	mu      sync.RWMutex
	devices []StorageDevice
	frozen  bool
}

func NewStorageDeviceRegistry() *StorageDeviceRegistry {
	return &StorageDeviceRegistry{}
}

// Register adds a device rooted at path.
func (r *StorageDeviceRegistry) Register(path string, maxConcurrent, maxPending int) error {
	if path == "" || !filepath.IsAbs(path) {
		return fmt.Errorf("%w: storage path %q must be absolute", api.ErrInvalidArgument, path)
	}
	if maxConcurrent <= 0 {
		return fmt.Errorf("%w: maxConcurrent must be positive, got %d", api.ErrInvalidArgument, maxConcurrent)
	}
	if maxPending <= 0 {
		return fmt.Errorf("%w: maxPending must be positive, got %d", api.ErrInvalidArgument, maxPending)
	}
	path = filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: storage registry is in use by a reactor", api.ErrIllegalState)
	}
	for _, d := range r.devices {
		if d.Path == path {
			return fmt.Errorf("%w: storage device %s already registered", api.ErrInvalidArgument, path)
		}
	}
	r.devices = append(r.devices, StorageDevice{Path: path, MaxConcurrent: maxConcurrent, MaxPending: maxPending})
	// Longest path first so Find returns the most specific device.
	sort.Slice(r.devices, func(i, j int) bool { return len(r.devices[i].Path) > len(r.devices[j].Path) })
	return nil
}

// Find returns the device whose path is the longest prefix of path.
func (r *StorageDeviceRegistry) Find(path string) (StorageDevice, bool) {
	path = filepath.Clean(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if path == d.Path || d.Path == "/" || strings.HasPrefix(path, d.Path+"/") {
			return d, true
		}
	}
	return StorageDevice{}, false
}

// Devices returns a copy of the registered devices, longest path first.
func (r *StorageDeviceRegistry) Devices() []StorageDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]StorageDevice(nil), r.devices...)
}

func (r *StorageDeviceRegistry) freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}
