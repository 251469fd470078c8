// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor is a thread-per-core networking engine over io_uring.
//
// A Reactor owns one locked OS thread, one ring and the sockets opened
// through it. Other threads talk to it only through Execute, Offer and
// Schedule; every completion handler, read handler and accept consumer runs
// on the reactor thread. A Group runs one reactor per core.
//
// Operations travel to the kernel with a 64-bit completion token. Tokens of
// closed sockets are retired, so late completions are dropped rather than
// dispatched to a handler that no longer owns the slot.
package reactor
