//go:build linux
// +build linux

// File: cmd/tpcbench/frames.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Countdown frames: [size int32 = 8][value int64], big-endian.

package main

import (
	"github.com/momentics/hioload-tpc/pool"
	"github.com/momentics/hioload-tpc/reactor"
)

const (
	frameHeader  = 4
	framePayload = 8
	frameSize    = frameHeader + framePayload
)

// countdownDecoder calls onValue for every complete frame and leaves a
// partial one in the buffer for the next read.
func countdownDecoder(onValue func(v int64)) reactor.ReadHandlerFunc {
	return func(buf *pool.IOBuffer) {
		for buf.Len() >= frameSize {
			mark := buf.ReadPos()
			if size := buf.ReadInt32(); size != framePayload {
				// Not a countdown peer; drop what is there.
				buf.SetReadPos(mark)
				buf.Skip(buf.Len())
				return
			}
			onValue(buf.ReadInt64())
		}
	}
}

func newFrame(s *reactor.AsyncSocket, v int64) *pool.IOBuffer {
	b := s.Reactor().Allocator().Allocate(frameSize)
	b.WriteInt32(framePayload)
	b.WriteInt64(v)
	return b
}
