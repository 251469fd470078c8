//go:build linux
// +build linux

// File: reactor/group_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-tpc/affinity"
)

// Group runs one reactor per core and hands them out round-robin.
type Group struct {
	reactors []*Reactor
	next     atomic.Uint64
}

// NewGroup creates n reactors from cfg. Reactor i is named "<name>-i" and,
// when cfg lists CPUs, pinned to cpus[i % len(cpus)]. n <= 0 means one
// reactor per CPU.
func NewGroup(n int, cfg *Config, opts ...Option) (*Group, error) {
	if n <= 0 {
		n = affinity.NumCPU()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	base := cfg.clone()
	for _, opt := range opts {
		opt(base)
	}
	g := &Group{reactors: make([]*Reactor, 0, n)}
	for i := 0; i < n; i++ {
		c := base.clone()
		c.Name = fmt.Sprintf("%s-%d", base.Name, i)
		if cpu := affinity.CPUFor(base.AffinityCPUs, i); cpu >= 0 {
			c.AffinityCPUs = []int{cpu}
		}
		r, err := New(c)
		if err != nil {
			_ = g.Shutdown()
			return nil, err
		}
		g.reactors = append(g.reactors, r)
	}
	return g, nil
}

// Start starts every reactor; on failure the started ones are shut down.
func (g *Group) Start() error {
	for _, r := range g.reactors {
		if err := r.Start(); err != nil {
			_ = g.Shutdown()
			return err
		}
	}
	return nil
}

// Next returns the reactors in rotation.
func (g *Group) Next() *Reactor {
	i := g.next.Add(1) - 1
	return g.reactors[i%uint64(len(g.reactors))]
}

// Reactors returns the members in creation order.
func (g *Group) Reactors() []*Reactor {
	return append([]*Reactor(nil), g.reactors...)
}

func (g *Group) Len() int { return len(g.reactors) }

// Shutdown shuts every reactor down and waits for all of them.
func (g *Group) Shutdown() error {
	var errs []error
	for _, r := range g.reactors {
		if err := r.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
