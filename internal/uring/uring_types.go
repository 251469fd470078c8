// File: internal/uring/uring_types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// io_uring ABI: opcodes, flags and the structures shared with the kernel.

package uring

import (
	"fmt"
	"unsafe"
)

// Opcodes (enum io_uring_op).
const (
	OpNop           uint8 = 0
	OpReadv         uint8 = 1
	OpWritev        uint8 = 2
	OpFsync         uint8 = 3
	OpSendmsg       uint8 = 9
	OpRecvmsg       uint8 = 10
	OpTimeout       uint8 = 11
	OpTimeoutRemove uint8 = 12
	OpAccept        uint8 = 13
	OpAsyncCancel   uint8 = 14
	OpConnect       uint8 = 16
	OpClose         uint8 = 19
	OpRead          uint8 = 22
	OpWrite         uint8 = 23
	OpSend          uint8 = 26
	OpRecv          uint8 = 27
)

// Setup flags.
const (
	SetupIOPoll       uint32 = 1 << 0
	SetupSQPoll       uint32 = 1 << 1
	SetupSQAff        uint32 = 1 << 2
	SetupCQSize       uint32 = 1 << 3
	SetupClamp        uint32 = 1 << 4
	SetupAttachWQ     uint32 = 1 << 5
	SetupRDisabled    uint32 = 1 << 6
	SetupSubmitAll    uint32 = 1 << 7
	SetupCoopTaskrun  uint32 = 1 << 8
	SetupTaskrunFlag  uint32 = 1 << 9
	SetupSQE128       uint32 = 1 << 10
	SetupCQE32        uint32 = 1 << 11
	SetupSingleIssuer uint32 = 1 << 12
	SetupDeferTaskrun uint32 = 1 << 13

	// KnownSetupFlags is the union of the flags this package understands.
	KnownSetupFlags = SetupDeferTaskrun<<1 - 1
	// UnsupportedSetupFlags change the entry layout or need setup steps Ring
	// does not perform.
	UnsupportedSetupFlags = SetupIOPoll | SetupAttachWQ | SetupRDisabled | SetupSQE128 | SetupCQE32
)

const (
	enterGetEvents      = 1 << 0
	enterSQWakeup       = 1 << 1
	enterRegisteredRing = 1 << 4

	sqNeedWakeup = 1 << 0
	sqCQOverflow = 1 << 1

	registerRingFds = 20

	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000

	sqeSize = 64
	cqeSize = 16
)

// TimeoutAbs interprets a timeout timespec as absolute CLOCK_MONOTONIC time.
const TimeoutAbs uint32 = 1 << 0

type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

type params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqringOffsets
	CqOff        cqringOffsets
}

// sqe mirrors struct io_uring_sqe. Off doubles as addr2; OpFlags is the
// per-opcode flags union (msg_flags, accept_flags, timeout_flags, ...).
type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	Pad         uint64
}

type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type rsrcUpdate struct {
	Offset uint32
	Resv   uint32
	Data   uint64
}

func init() {
	if sz := unsafe.Sizeof(sqe{}); sz != sqeSize {
		panic(fmt.Sprintf("io_uring SQE size mismatch: expected %d, got %d", sqeSize, sz))
	}
	if sz := unsafe.Sizeof(cqe{}); sz != cqeSize {
		panic(fmt.Sprintf("io_uring CQE size mismatch: expected %d, got %d", cqeSize, sz))
	}
}
