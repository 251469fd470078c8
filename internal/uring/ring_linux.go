//go:build linux
// +build linux

// File: internal/uring/ring_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Submission/completion queue pair over io_uring. A Ring is owned by one
// thread; none of its methods are safe for concurrent use.

package uring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrSQFull is returned by the Offer methods when every submission slot is
// taken. The caller must submit and retry; the entry was not queued.
var ErrSQFull = errors.New("uring: submission queue full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("uring: ring closed")

const minEntries = 2

// Params configures a Ring.
type Params struct {
	Entries        uint32
	Flags          uint32
	RegisterRingFd bool
}

// Ring is one io_uring instance.
type Ring struct {
	fd      int
	flags   uint32
	feature uint32

	sqRing  []byte
	cqRing  []byte
	sqesMap []byte
	sqes    []sqe
	cqes    []cqe

	sqHead    *uint32
	sqTail    *uint32
	sqFlags   *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32
	sqeTail   uint32

	cqHead    *uint32
	cqTail    *uint32
	cqMask    uint32
	cqEntries uint32

	enterFd    int
	enterFlags uintptr
	closed     bool
}

func alignUint32(v, alignment uint32) uint32 {
	if alignment == 0 {
		return v
	}
	if mod := v % alignment; mod != 0 {
		return v + alignment - mod
	}
	return v
}

// New sets up a ring. Unsupported optional flags are dropped on EINVAL and the
// entry count is halved on ENOMEM before giving up.
func New(p Params) (*Ring, error) {
	if bad := p.Flags & (UnsupportedSetupFlags | ^KnownSetupFlags); bad != 0 {
		return nil, fmt.Errorf("uring: unsupported setup flags %#x: %w", bad, unix.EINVAL)
	}
	entries := p.Entries
	if entries < minEntries {
		entries = minEntries
	}
	flagSets := []uint32{p.Flags | SetupClamp}
	if optional := p.Flags & (SetupCoopTaskrun | SetupSingleIssuer | SetupDeferTaskrun); optional != 0 {
		flagSets = append(flagSets, (p.Flags&^optional)|SetupClamp)
	}
	flagIdx := 0

	for {
		prm := params{Flags: flagSets[flagIdx]}
		fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&prm)), 0)
		if errno != 0 {
			if errno == unix.EINVAL && flagIdx < len(flagSets)-1 {
				flagIdx++
				continue
			}
			if errno == unix.ENOMEM && entries > minEntries {
				entries /= 2
				continue
			}
			return nil, fmt.Errorf("io_uring_setup(%d): %w", entries, errno)
		}

		r := &Ring{
			fd:        int(fd),
			flags:     prm.Flags,
			feature:   prm.Features,
			sqEntries: prm.SqEntries,
			cqEntries: prm.CqEntries,
			enterFd:   int(fd),
		}
		if err := r.mapRings(&prm); err != nil {
			_ = r.Close()
			if errors.Is(err, unix.ENOMEM) && entries > minEntries {
				entries /= 2
				continue
			}
			return nil, err
		}
		if p.RegisterRingFd {
			// Older kernels lack ring fd registration; the plain fd keeps working.
			_ = r.registerRingFd()
		}
		return r, nil
	}
}

func (r *Ring) mapRings(prm *params) error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := alignUint32(prm.SqOff.Array+prm.SqEntries*4, pageSize)
	cqRingSize := alignUint32(prm.CqOff.Cqes+prm.CqEntries*cqeSize, pageSize)
	sqesSize := alignUint32(prm.SqEntries*sqeSize, pageSize)

	var err error
	if r.sqRing, err = unix.Mmap(r.fd, offSQRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	if r.cqRing, err = unix.Mmap(r.fd, offCQRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	if r.sqesMap, err = unix.Mmap(r.fd, offSQEs, int(sqesSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE); err != nil {
		return fmt.Errorf("mmap sqes: %w", err)
	}

	sqBase := unsafe.Pointer(&r.sqRing[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, prm.SqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, prm.SqOff.Tail))
	r.sqFlags = (*uint32)(unsafe.Add(sqBase, prm.SqOff.Flags))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, prm.SqOff.RingMask))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Add(sqBase, prm.SqOff.Array)), int(prm.SqEntries))
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&r.sqesMap[0])), int(prm.SqEntries))
	r.sqeTail = atomic.LoadUint32(r.sqTail)

	cqBase := unsafe.Pointer(&r.cqRing[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, prm.CqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, prm.CqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, prm.CqOff.RingMask))
	r.cqes = unsafe.Slice((*cqe)(unsafe.Add(cqBase, prm.CqOff.Cqes)), int(prm.CqEntries))
	return nil
}

func (r *Ring) registerRingFd() error {
	upd := rsrcUpdate{Offset: ^uint32(0), Data: uint64(r.fd)}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), registerRingFds,
		uintptr(unsafe.Pointer(&upd)), 1, 0, 0)
	if errno != 0 {
		return errno
	}
	r.enterFd = int(upd.Offset)
	r.enterFlags = enterRegisteredRing
	return nil
}

// Fd returns the ring descriptor.
func (r *Ring) Fd() int { return r.fd }

// Entries returns the submission queue size granted by the kernel.
func (r *Ring) Entries() uint32 { return r.sqEntries }

// Flags returns the setup flags the ring was created with.
func (r *Ring) Flags() uint32 { return r.flags }

// RingFdRegistered reports whether io_uring_enter goes through a registered index.
func (r *Ring) RingFdRegistered() bool { return r.enterFlags&enterRegisteredRing != 0 }

// Pending returns the number of queued entries the kernel has not consumed.
func (r *Ring) Pending() uint32 { return r.sqeTail - atomic.LoadUint32(r.sqHead) }

// Free returns the number of submission slots available to Offer.
func (r *Ring) Free() uint32 { return r.sqEntries - r.Pending() }

func (r *Ring) nextSqe() (*sqe, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if r.sqeTail-atomic.LoadUint32(r.sqHead) >= r.sqEntries {
		return nil, ErrSQFull
	}
	idx := r.sqeTail & r.sqMask
	e := &r.sqes[idx]
	*e = sqe{}
	r.sqArray[idx] = idx
	r.sqeTail++
	return e, nil
}

// OfferNop queues a no-op; the completion carries res 0.
func (r *Ring) OfferNop(token uint64) error {
	e, err := r.nextSqe()
	if err != nil {
		return err
	}
	e.Opcode = OpNop
	e.Fd = -1
	e.UserData = token
	return nil
}

// OfferAccept queues an accept on a listening socket. addr and addrLen may be
// nil; when set they must stay valid until the completion.
func (r *Ring) OfferAccept(fd int, addr *unix.RawSockaddrAny, addrLen *uint32, flags uint32, token uint64) error {
	e, err := r.nextSqe()
	if err != nil {
		return err
	}
	e.Opcode = OpAccept
	e.Fd = int32(fd)
	if addr != nil {
		e.Addr = uint64(uintptr(unsafe.Pointer(addr)))
		e.Off = uint64(uintptr(unsafe.Pointer(addrLen)))
	}
	e.OpFlags = flags
	e.UserData = token
	return nil
}

// OfferConnect queues a connect. addr must stay valid until the completion.
func (r *Ring) OfferConnect(fd int, addr unsafe.Pointer, addrLen uint32, token uint64) error {
	e, err := r.nextSqe()
	if err != nil {
		return err
	}
	e.Opcode = OpConnect
	e.Fd = int32(fd)
	e.Addr = uint64(uintptr(addr))
	e.Off = uint64(addrLen)
	e.UserData = token
	return nil
}

// OfferRecv queues a recv into buf.
func (r *Ring) OfferRecv(fd int, buf []byte, flags uint32, token uint64) error {
	return r.offerBuf(OpRecv, fd, buf, 0, flags, token)
}

// OfferSend queues a send of buf.
func (r *Ring) OfferSend(fd int, buf []byte, flags uint32, token uint64) error {
	return r.offerBuf(OpSend, fd, buf, 0, flags, token)
}

// OfferRead queues a read at offset; ^uint64(0) reads at the file position.
func (r *Ring) OfferRead(fd int, buf []byte, offset uint64, token uint64) error {
	return r.offerBuf(OpRead, fd, buf, offset, 0, token)
}

// OfferWrite queues a write at offset; ^uint64(0) writes at the file position.
func (r *Ring) OfferWrite(fd int, buf []byte, offset uint64, token uint64) error {
	return r.offerBuf(OpWrite, fd, buf, offset, 0, token)
}

// OfferWritev queues a gathered write of iovs. The iovec array and every
// buffer it points to must stay valid until the completion.
func (r *Ring) OfferWritev(fd int, iovs []unix.Iovec, token uint64) error {
	if len(iovs) == 0 {
		return fmt.Errorf("uring: writev with no iovecs")
	}
	e, err := r.nextSqe()
	if err != nil {
		return err
	}
	e.Opcode = OpWritev
	e.Fd = int32(fd)
	e.Addr = uint64(uintptr(unsafe.Pointer(&iovs[0])))
	e.Len = uint32(len(iovs))
	e.UserData = token
	return nil
}

func (r *Ring) offerBuf(op uint8, fd int, buf []byte, offset uint64, flags uint32, token uint64) error {
	e, err := r.nextSqe()
	if err != nil {
		return err
	}
	e.Opcode = op
	e.Fd = int32(fd)
	if len(buf) > 0 {
		e.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	e.Len = uint32(len(buf))
	e.Off = offset
	e.OpFlags = flags
	e.UserData = token
	return nil
}

// OfferClose queues a close of fd.
func (r *Ring) OfferClose(fd int, token uint64) error {
	e, err := r.nextSqe()
	if err != nil {
		return err
	}
	e.Opcode = OpClose
	e.Fd = int32(fd)
	e.UserData = token
	return nil
}

// OfferTimeout queues a timeout that completes with -ETIME once ts elapses,
// or with 0 after count other completions. ts must stay valid until then.
func (r *Ring) OfferTimeout(ts *unix.Timespec, count uint32, flags uint32, token uint64) error {
	e, err := r.nextSqe()
	if err != nil {
		return err
	}
	e.Opcode = OpTimeout
	e.Fd = -1
	e.Addr = uint64(uintptr(unsafe.Pointer(ts)))
	e.Len = 1
	e.Off = uint64(count)
	e.OpFlags = flags
	e.UserData = token
	return nil
}

// OfferTimeoutRemove cancels the timeout queued with target.
func (r *Ring) OfferTimeoutRemove(target, token uint64) error {
	e, err := r.nextSqe()
	if err != nil {
		return err
	}
	e.Opcode = OpTimeoutRemove
	e.Fd = -1
	e.Addr = target
	e.UserData = token
	return nil
}

// OfferCancel asks the kernel to cancel the request queued with target.
func (r *Ring) OfferCancel(target, token uint64) error {
	e, err := r.nextSqe()
	if err != nil {
		return err
	}
	e.Opcode = OpAsyncCancel
	e.Fd = -1
	e.Addr = target
	e.UserData = token
	return nil
}

// Submit hands queued entries to the kernel without waiting.
func (r *Ring) Submit() (int, error) {
	return r.enter(0)
}

// SubmitAndWait hands queued entries to the kernel and blocks until at least
// waitNr completions are available. A signal interrupting the wait is not an
// error; the caller re-checks the completion queue.
func (r *Ring) SubmitAndWait(waitNr uint32) (int, error) {
	return r.enter(waitNr)
}

func (r *Ring) enter(waitNr uint32) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	atomic.StoreUint32(r.sqTail, r.sqeTail)
	toSubmit := r.Pending()

	flags := r.enterFlags
	if waitNr > 0 || r.flags&SetupDeferTaskrun != 0 || atomic.LoadUint32(r.sqFlags)&sqCQOverflow != 0 {
		flags |= enterGetEvents
	}
	if r.flags&SetupSQPoll != 0 {
		if atomic.LoadUint32(r.sqFlags)&sqNeedWakeup != 0 {
			flags |= enterSQWakeup
		} else if waitNr == 0 && flags&enterGetEvents == 0 {
			return int(toSubmit), nil
		}
		toSubmit = 0
	}
	if toSubmit == 0 && flags&(enterGetEvents|enterSQWakeup) == 0 {
		return 0, nil
	}

	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.enterFd), uintptr(toSubmit), uintptr(waitNr), flags, 0, 0)
		switch errno {
		case 0:
			return int(n), nil
		case unix.EINTR:
			if waitNr > 0 {
				return 0, nil
			}
			continue
		case unix.EBUSY, unix.EAGAIN:
			// Completion queue backlog; the caller drains it and retries.
			return 0, nil
		default:
			return 0, fmt.Errorf("io_uring_enter: %w", errno)
		}
	}
}

// Ready returns the number of completions waiting to be harvested.
func (r *Ring) Ready() uint32 {
	return atomic.LoadUint32(r.cqTail) - atomic.LoadUint32(r.cqHead)
}

// Harvest passes every available completion to fn and returns the count.
// Completions posted while fn runs are included.
func (r *Ring) Harvest(fn func(token uint64, res int32, flags uint32)) int {
	if r.closed {
		return 0
	}
	n := 0
	head := atomic.LoadUint32(r.cqHead)
	for {
		tail := atomic.LoadUint32(r.cqTail)
		if head == tail {
			return n
		}
		for ; head != tail; head++ {
			c := r.cqes[head&r.cqMask]
			atomic.StoreUint32(r.cqHead, head+1)
			fn(c.UserData, c.Res, c.Flags)
			n++
		}
	}
}

// Close unmaps the rings and closes the descriptor. In-flight operations are
// cancelled by the kernel.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for _, m := range [][]byte{r.sqesMap, r.cqRing, r.sqRing} {
		if m != nil {
			_ = unix.Munmap(m)
		}
	}
	r.sqes, r.cqes, r.sqArray = nil, nil, nil
	r.sqesMap, r.cqRing, r.sqRing = nil, nil, nil
	return unix.Close(r.fd)
}

var (
	probeOnce sync.Once
	probeErr  error
)

// Probe reports whether the running kernel lets this process create a ring.
func Probe() error {
	probeOnce.Do(func() {
		r, err := New(Params{Entries: minEntries})
		if err != nil {
			probeErr = err
			return
		}
		probeErr = r.Close()
	})
	return probeErr
}
