// File: reactor/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion token registry. A token is generation<<32 | slot; a slot is
// reused only with a bumped generation, so a completion for a retired token
// never resolves to the handler that took the slot over.

package reactor

import "github.com/momentics/hioload-tpc/api"

// CompletionHandler receives the kernel result (negative errno on failure)
// and completion flags of one operation.
type CompletionHandler func(res int32, flags uint32)

type lookupResult int

const (
	tokenFound lookupResult = iota
	// tokenRetired: the token was issued and has since been retired.
	tokenRetired
	// tokenUnknown: the token was never issued by this registry.
	tokenUnknown
)

type tokenSlot struct {
	gen       uint32
	live      bool
	permanent bool
	handler   CompletionHandler
	owner     api.Closeable
}

// registry is owned by the reactor thread.
type registry struct {
	slots []tokenSlot
	free  []uint32
}

func newRegistry(capacity int) *registry {
	return &registry{slots: make([]tokenSlot, 0, capacity)}
}

func splitToken(token uint64) (slot, gen uint32) {
	return uint32(token), uint32(token >> 32)
}

// register issues a token for h. Permanent tokens survive their completions;
// one-shot tokens are retired when taken. owner is closed if h panics.
func (r *registry) register(h CompletionHandler, owner api.Closeable, permanent bool) uint64 {
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, tokenSlot{})
	}
	s := &r.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.permanent = permanent
	s.handler = h
	s.owner = owner
	return uint64(s.gen)<<32 | uint64(idx)
}

func (r *registry) lookup(token uint64) (*tokenSlot, lookupResult) {
	idx, gen := splitToken(token)
	if gen == 0 || int(idx) >= len(r.slots) {
		return nil, tokenUnknown
	}
	s := &r.slots[idx]
	switch {
	case gen > s.gen:
		return nil, tokenUnknown
	case gen < s.gen || !s.live:
		return nil, tokenRetired
	}
	return s, tokenFound
}

// take resolves token for dispatch, retiring it when it is one-shot.
func (r *registry) take(token uint64) (CompletionHandler, api.Closeable, lookupResult) {
	s, res := r.lookup(token)
	if res != tokenFound {
		return nil, nil, res
	}
	h, owner := s.handler, s.owner
	if !s.permanent {
		r.release(token)
	}
	return h, owner, tokenFound
}

// retire drops token; later completions carrying it are ignored.
func (r *registry) retire(token uint64) bool {
	if _, res := r.lookup(token); res != tokenFound {
		return false
	}
	r.release(token)
	return true
}

// drain swaps token's handler for h and makes it one-shot, so the completion
// of an operation still in the kernel runs h once instead of the owner's
// handler.
func (r *registry) drain(token uint64, h CompletionHandler) bool {
	s, res := r.lookup(token)
	if res != tokenFound {
		return false
	}
	s.handler = h
	s.owner = nil
	s.permanent = false
	return true
}

func (r *registry) release(token uint64) {
	idx, _ := splitToken(token)
	s := &r.slots[idx]
	s.live = false
	s.handler = nil
	s.owner = nil
	r.free = append(r.free, idx)
}

// live returns the number of registered tokens.
func (r *registry) live() int { return len(r.slots) - len(r.free) }
