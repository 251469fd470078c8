// File: internal/uring/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package uring wraps the io_uring submission/completion queue pair: ring
// setup and mapping, typed Offer helpers per opcode, submit/wait and
// completion harvesting. Every completion carries back the 64-bit token given
// at offer time and a result that is negative errno on failure.
package uring
