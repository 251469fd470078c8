//go:build linux
// +build linux

// File: reactor/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connected TCP socket pinned to one reactor. Reads and writes run as
// io_uring operations; writers on any thread feed an MPMC queue that the
// reactor drains in order on Flush.

package reactor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tpc/api"
	"github.com/momentics/hioload-tpc/internal/concurrency"
	"github.com/momentics/hioload-tpc/internal/uring"
	"github.com/momentics/hioload-tpc/pool"
)

// ReadHandler consumes received bytes on the reactor thread.
type ReadHandler interface {
	// OnRead gets every unread byte. It must leave buf's read position on the
	// first byte it did not consume and must not keep buf after returning.
	// Unconsumed bytes are handed back, followed by new data, next time.
	OnRead(buf *pool.IOBuffer)
}

// ReadHandlerFunc adapts a function to ReadHandler.
type ReadHandlerFunc func(buf *pool.IOBuffer)

func (f ReadHandlerFunc) OnRead(buf *pool.IOBuffer) { f(buf) }

// SocketState is the lifecycle of an AsyncSocket.
type SocketState int32

const (
	SocketCreated SocketState = iota
	SocketConnecting
	SocketConnected
	SocketClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketCreated:
		return "CREATED"
	case SocketConnecting:
		return "CONNECTING"
	case SocketConnected:
		return "CONNECTED"
	case SocketClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("SocketState(%d)", int32(s))
}

// maxIovecs caps the buffers gathered into one write.
const maxIovecs = 64

// AsyncSocket is a TCP connection owned by one reactor.
type AsyncSocket struct {
	r   *Reactor
	h   *fdHandle
	fd  int
	log *zap.Logger

	state       atomic.Int32
	started     atomic.Bool
	readHandler ReadHandler
	remote      atomic.Pointer[net.TCPAddr]
	local       atomic.Pointer[net.TCPAddr]

	unflushed    *concurrency.LockFreeQueue[*pool.IOBuffer]
	flushPending atomic.Bool
	flushTask    func()

	closeMu     sync.Mutex
	closeReason string
	closeCause  error
	done        chan struct{}

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	reads        atomic.Int64
	writes       atomic.Int64

	// reactor thread only
	released      bool
	recvBuf       *pool.IOBuffer
	readToken     uint64
	readInFlight  bool
	writeToken    uint64
	writeInFlight bool
	pending       *queue.Queue
	iovecs        []unix.Iovec
	inFlight      []*pool.IOBuffer
	connectToken  uint64
	connectAddr   unix.RawSockaddrInet4
	connectFuture *Future[struct{}]
}

func newAsyncSocket(r *Reactor, h *fdHandle, st SocketState) *AsyncSocket {
	fd := h.Fd()
	s := &AsyncSocket{
		r:         r,
		h:         h,
		fd:        fd,
		log:       r.log.With(zap.Int("fd", fd)),
		unflushed: concurrency.NewLockFreeQueue[*pool.IOBuffer](r.cfg.WriteQueueCapacity),
		done:      make(chan struct{}),
		pending:   queue.New(),
		iovecs:    make([]unix.Iovec, 0, maxIovecs),
		inFlight:  make([]*pool.IOBuffer, 0, maxIovecs),
	}
	s.state.Store(int32(st))
	s.flushTask = s.flushOnReactor
	return s
}

// OpenTCPAsyncSocket creates an unconnected IPv4 socket owned by r.
func (r *Reactor) OpenTCPAsyncSocket() (*AsyncSocket, error) {
	if r.State() != StateRunning {
		return nil, fmt.Errorf("open socket: %w", api.ErrReactorNotRunning)
	}
	fd, err := newTCPSocket()
	if err != nil {
		return nil, err
	}
	s := newAsyncSocket(r, newFdHandle(fd), SocketCreated)
	if err := r.RegisterCloseable(s); err != nil {
		_ = s.h.Close()
		return nil, err
	}
	return s, nil
}

// OpenAsyncSocket takes over the connection of an accept request. The
// request is left untouched when this fails.
func (r *Reactor) OpenAsyncSocket(req *AcceptRequest) (*AsyncSocket, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil accept request", api.ErrInvalidArgument)
	}
	if r.State() != StateRunning {
		return nil, fmt.Errorf("open socket: %w", api.ErrReactorNotRunning)
	}
	fd, ok := req.h.Detach()
	if !ok {
		return nil, fmt.Errorf("%w: accept request already consumed or closed", api.ErrIllegalState)
	}
	s := newAsyncSocket(r, newFdHandle(fd), SocketConnected)
	s.remote.Store(req.remote)
	s.local.Store(localTCPAddr(fd))
	if err := r.RegisterCloseable(s); err != nil {
		_ = s.h.Close()
		return nil, err
	}
	return s, nil
}

func (s *AsyncSocket) Reactor() *Reactor { return s.r }

func (s *AsyncSocket) State() SocketState { return SocketState(s.state.Load()) }

func (s *AsyncSocket) isClosed() bool { return s.State() == SocketClosed }

func (s *AsyncSocket) RemoteAddress() *net.TCPAddr { return s.remote.Load() }

func (s *AsyncSocket) LocalAddress() *net.TCPAddr { return s.local.Load() }

func (s *AsyncSocket) BytesRead() int64    { return s.bytesRead.Load() }
func (s *AsyncSocket) BytesWritten() int64 { return s.bytesWritten.Load() }
func (s *AsyncSocket) Reads() int64        { return s.reads.Load() }
func (s *AsyncSocket) Writes() int64       { return s.writes.Load() }

// Done is closed once the socket is closed and its descriptor released.
func (s *AsyncSocket) Done() <-chan struct{} { return s.done }

// CloseReason returns what was passed to CloseWithReason.
func (s *AsyncSocket) CloseReason() (string, error) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeReason, s.closeCause
}

func (s *AsyncSocket) TCPNoDelay() (bool, error) {
	return getBoolOpt(s.h.Fd(), unix.IPPROTO_TCP, unix.TCP_NODELAY, "TCP_NODELAY")
}

func (s *AsyncSocket) SetTCPNoDelay(on bool) error {
	return setBoolOpt(s.log, s.h.Fd(), unix.IPPROTO_TCP, unix.TCP_NODELAY, on, "TCP_NODELAY")
}

func (s *AsyncSocket) KeepAlive() (bool, error) {
	return getBoolOpt(s.h.Fd(), unix.SOL_SOCKET, unix.SO_KEEPALIVE, "SO_KEEPALIVE")
}

func (s *AsyncSocket) SetKeepAlive(on bool) error {
	return setBoolOpt(s.log, s.h.Fd(), unix.SOL_SOCKET, unix.SO_KEEPALIVE, on, "SO_KEEPALIVE")
}

func (s *AsyncSocket) ReceiveBufferSize() (int, error) {
	return getIntOpt(s.h.Fd(), unix.SOL_SOCKET, unix.SO_RCVBUF, "SO_RCVBUF")
}

func (s *AsyncSocket) SetReceiveBufferSize(size int) error {
	return setIntOpt(s.log, s.h.Fd(), unix.SOL_SOCKET, unix.SO_RCVBUF, size, "SO_RCVBUF")
}

func (s *AsyncSocket) SendBufferSize() (int, error) {
	return getIntOpt(s.h.Fd(), unix.SOL_SOCKET, unix.SO_SNDBUF, "SO_SNDBUF")
}

func (s *AsyncSocket) SetSendBufferSize(size int) error {
	return setIntOpt(s.log, s.h.Fd(), unix.SOL_SOCKET, unix.SO_SNDBUF, size, "SO_SNDBUF")
}

// SetReadHandler installs h. It must be called before Start.
func (s *AsyncSocket) SetReadHandler(h ReadHandler) error {
	if h == nil {
		return fmt.Errorf("%w: nil read handler", api.ErrInvalidArgument)
	}
	if s.isClosed() {
		return api.ErrSocketClosed
	}
	if s.started.Load() {
		return fmt.Errorf("%w: read handler set after start", api.ErrIllegalState)
	}
	s.readHandler = h
	return nil
}

// Start begins reading once the socket is connected.
func (s *AsyncSocket) Start() error {
	if s.readHandler == nil {
		return fmt.Errorf("%w: read handler not set", api.ErrIllegalState)
	}
	if s.isClosed() {
		return api.ErrSocketClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: socket already started", api.ErrIllegalState)
	}
	return s.r.Execute(func() {
		if s.State() == SocketConnected {
			s.armRead()
		}
	})
}

// Connect connects to an IPv4 address. The future completes on the reactor
// thread.
func (s *AsyncSocket) Connect(address string) *Future[struct{}] {
	addr, err := resolveInet4(address)
	if err != nil {
		return failedFuture[struct{}](err)
	}
	if !s.state.CompareAndSwap(int32(SocketCreated), int32(SocketConnecting)) {
		if s.isClosed() {
			return failedFuture[struct{}](api.ErrSocketClosed)
		}
		return failedFuture[struct{}](fmt.Errorf("%w: connect in state %s", api.ErrIllegalState, s.State()))
	}
	f := newFuture[struct{}]()
	if err := s.r.Execute(func() { s.startConnect(addr, f) }); err != nil {
		f.fail(err)
		s.CloseWithReason("connect not scheduled", err)
	}
	return f
}

func (s *AsyncSocket) startConnect(addr *net.TCPAddr, f *Future[struct{}]) {
	if s.released {
		f.fail(api.ErrSocketClosed)
		return
	}
	el := s.r.el
	s.connectFuture = f
	s.remote.Store(addr)
	fillRawInet4(addr, &s.connectAddr)
	s.connectToken = el.reg.register(s.onConnect, s, false)
	err := el.offer(func() error {
		return el.ring.OfferConnect(s.fd, unsafe.Pointer(&s.connectAddr), uint32(unsafe.Sizeof(s.connectAddr)), s.connectToken)
	})
	if err != nil {
		el.reg.retire(s.connectToken)
		s.connectToken = 0
		s.connectFuture = nil
		f.fail(fmt.Errorf("offer connect: %w", err))
		s.CloseWithReason("connect not submitted", err)
	}
}

func (s *AsyncSocket) onConnect(res int32, _ uint32) {
	s.connectToken = 0
	f := s.connectFuture
	s.connectFuture = nil
	if res < 0 {
		err := api.NewIOError("connect", res)
		f.fail(err)
		s.CloseWithReason("connect failed", err)
		return
	}
	if !s.state.CompareAndSwap(int32(SocketConnecting), int32(SocketConnected)) {
		f.fail(api.ErrSocketClosed)
		return
	}
	s.local.Store(localTCPAddr(s.fd))
	s.log.Debug("connected", zap.Stringer("remote", s.RemoteAddress()), zap.Stringer("local", s.LocalAddress()))
	f.complete(struct{}{})
	if s.started.Load() {
		s.armRead()
	}
	s.submitWrites()
}

func (s *AsyncSocket) armRead() {
	if s.released || s.readInFlight {
		return
	}
	el := s.r.el
	if s.recvBuf == nil {
		s.recvBuf = el.recvAlloc.Allocate(s.r.cfg.ReceiveBufferSize)
	}
	b := s.recvBuf
	if b.Len() == 0 {
		b.Reset()
	} else if b.Writable() < b.Cap()/2 {
		b.Compact()
	}
	if b.Writable() < minReceiveBuffer {
		b.EnsureWritable(b.Cap())
	}
	if s.readToken == 0 {
		s.readToken = el.reg.register(s.onRead, s, true)
	}
	if err := b.Borrow(); err != nil {
		s.CloseWithReason("receive buffer unavailable", err)
		return
	}
	err := el.offer(func() error { return el.ring.OfferRecv(s.fd, b.WritableSlice(), 0, s.readToken) })
	if err != nil {
		b.Unborrow()
		if errors.Is(err, uring.ErrSQFull) {
			el.later(s.armRead)
			return
		}
		s.CloseWithReason("recv not submitted", err)
		return
	}
	s.readInFlight = true
}

func (s *AsyncSocket) onRead(res int32, _ uint32) {
	s.readInFlight = false
	b := s.recvBuf
	b.Unborrow()
	switch {
	case res > 0:
		b.Advance(int(res))
		s.reads.Add(1)
		s.bytesRead.Add(int64(res))
		s.r.metrics.bytesRead.Add(int(res))
		s.readHandler.OnRead(b)
		s.armRead()
	case res == 0:
		s.CloseWithReason("peer closed", io.EOF)
	case res == -int32(unix.EAGAIN) || res == -int32(unix.EINTR):
		s.armRead()
	default:
		s.CloseWithReason("recv failed", api.NewIOError("recv", res))
	}
}

// Write queues buf for the next Flush. It returns false when the socket is
// closed or the write queue is full. The socket owns buf from here on and
// releases it once written.
func (s *AsyncSocket) Write(buf *pool.IOBuffer) bool {
	if buf == nil || s.isClosed() {
		return false
	}
	return s.unflushed.Enqueue(buf)
}

// WriteAndFlush is Write followed by Flush.
func (s *AsyncSocket) WriteAndFlush(buf *pool.IOBuffer) bool {
	if !s.Write(buf) {
		return false
	}
	s.Flush()
	return true
}

// UnsafeWriteAndFlush writes from the reactor thread, skipping the write
// queue when nothing is queued ahead of buf.
func (s *AsyncSocket) UnsafeWriteAndFlush(buf *pool.IOBuffer) bool {
	if buf == nil || s.released || s.isClosed() || !s.r.InReactorThread() {
		return false
	}
	if !s.unflushed.IsEmpty() {
		return s.WriteAndFlush(buf)
	}
	s.pending.Add(buf)
	s.submitWrites()
	return true
}

// Flush schedules queued writes on the reactor thread. Buffers leave in the
// order they were queued.
func (s *AsyncSocket) Flush() {
	if s.isClosed() || !s.flushPending.CompareAndSwap(false, true) {
		return
	}
	if err := s.r.executeInternal(s.flushTask); err != nil {
		s.flushPending.Store(false)
	}
}

func (s *AsyncSocket) flushOnReactor() {
	// Cleared first: a Flush racing with the drain below schedules another pass.
	s.flushPending.Store(false)
	if s.released {
		return
	}
	for {
		b, ok := s.unflushed.Dequeue()
		if !ok {
			break
		}
		s.pending.Add(b)
	}
	s.submitWrites()
}

func (s *AsyncSocket) submitWrites() {
	if s.released || s.writeInFlight || s.State() != SocketConnected {
		return
	}
	for s.pending.Length() > 0 && s.pending.Peek().(*pool.IOBuffer).Len() == 0 {
		_ = s.pending.Remove().(*pool.IOBuffer).Release()
	}
	n := s.pending.Length()
	if n == 0 {
		return
	}
	if n > maxIovecs {
		n = maxIovecs
	}
	for i := 0; i < n; i++ {
		b := s.pending.Get(i).(*pool.IOBuffer)
		if b.Len() == 0 {
			break
		}
		if err := b.Borrow(); err != nil {
			s.unborrowInFlight()
			s.CloseWithReason("write buffer unavailable", err)
			return
		}
		data := b.Bytes()
		iov := unix.Iovec{Base: &data[0]}
		iov.SetLen(len(data))
		s.iovecs = append(s.iovecs, iov)
		s.inFlight = append(s.inFlight, b)
	}

	el := s.r.el
	if s.writeToken == 0 {
		s.writeToken = el.reg.register(s.onWrite, s, true)
	}
	var err error
	if len(s.inFlight) == 1 {
		err = el.offer(func() error {
			return el.ring.OfferSend(s.fd, s.inFlight[0].Bytes(), unix.MSG_NOSIGNAL, s.writeToken)
		})
	} else {
		err = el.offer(func() error { return el.ring.OfferWritev(s.fd, s.iovecs, s.writeToken) })
	}
	if err != nil {
		s.unborrowInFlight()
		if errors.Is(err, uring.ErrSQFull) {
			el.later(s.submitWrites)
			return
		}
		s.CloseWithReason("send not submitted", err)
		return
	}
	s.writeInFlight = true
}

func (s *AsyncSocket) unborrowInFlight() {
	for _, b := range s.inFlight {
		b.Unborrow()
	}
	clear(s.inFlight)
	s.inFlight = s.inFlight[:0]
	clear(s.iovecs)
	s.iovecs = s.iovecs[:0]
}

func (s *AsyncSocket) onWrite(res int32, _ uint32) {
	s.writeInFlight = false
	if res < 0 {
		s.unborrowInFlight()
		if res == -int32(unix.EAGAIN) || res == -int32(unix.EINTR) {
			s.submitWrites()
			return
		}
		s.CloseWithReason("send failed", api.NewIOError("send", res))
		return
	}
	s.writes.Add(1)
	s.bytesWritten.Add(int64(res))
	s.r.metrics.bytesWritten.Add(int(res))

	written := s.inFlight[:len(s.inFlight):len(s.inFlight)]
	for _, b := range written {
		b.Unborrow()
	}
	remaining := int(res)
	for _, b := range written {
		l := b.Len()
		if remaining < l {
			// Partial write: the rest goes out with the next submission.
			b.Skip(remaining)
			break
		}
		remaining -= l
		b.Skip(l)
		s.pending.Remove()
		_ = b.Release()
	}
	s.unborrowInFlight()
	s.submitWrites()
}

// Close closes the socket. Completions still in the kernel are drained
// without reaching the read handler.
func (s *AsyncSocket) Close() error {
	s.CloseWithReason("", nil)
	return nil
}

// CloseWithReason closes the socket and records why.
func (s *AsyncSocket) CloseWithReason(reason string, cause error) {
	s.closeMu.Lock()
	if s.isClosed() {
		s.closeMu.Unlock()
		return
	}
	s.state.Store(int32(SocketClosed))
	s.closeReason, s.closeCause = reason, cause
	s.closeMu.Unlock()
	s.r.onReactor(s.release)
}

func (s *AsyncSocket) release() {
	if s.released {
		return
	}
	s.released = true
	s.r.DeregisterCloseable(s)
	// Completes a recv parked in the kernel.
	_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)

	el := s.r.el
	if el == nil {
		// The ring never came up, so no operation was ever offered.
		s.finishRelease(0)
		return
	}
	if s.readToken != 0 {
		if s.readInFlight {
			buf := s.recvBuf
			el.reg.drain(s.readToken, func(int32, uint32) {
				buf.Unborrow()
				_ = buf.Release()
			})
			el.cancel(s.readToken)
		} else {
			el.reg.retire(s.readToken)
			_ = s.recvBuf.Release()
		}
	} else if s.recvBuf != nil {
		_ = s.recvBuf.Release()
	}
	s.recvBuf = nil

	queuedFrom := 0
	if s.writeToken != 0 {
		if s.writeInFlight {
			bufs := append([]*pool.IOBuffer(nil), s.inFlight...)
			queuedFrom = len(bufs)
			el.reg.drain(s.writeToken, func(int32, uint32) {
				for _, b := range bufs {
					b.Unborrow()
					_ = b.Release()
				}
			})
			el.cancel(s.writeToken)
		} else {
			el.reg.retire(s.writeToken)
		}
	}
	if s.connectToken != 0 {
		el.reg.drain(s.connectToken, func(int32, uint32) {})
		el.cancel(s.connectToken)
	}
	// Queued entries must reach the kernel while the descriptor is still ours.
	el.submit()
	s.finishRelease(queuedFrom)
}

// finishRelease closes the descriptor and drops every buffer not owned by
// an operation still in the kernel.
func (s *AsyncSocket) finishRelease(queuedFrom int) {
	_ = s.h.Close()
	for i := 0; s.pending.Length() > 0; i++ {
		b := s.pending.Remove().(*pool.IOBuffer)
		if i >= queuedFrom {
			_ = b.Release()
		}
	}
	for {
		b, ok := s.unflushed.Dequeue()
		if !ok {
			break
		}
		_ = b.Release()
	}
	if f := s.connectFuture; f != nil {
		s.connectFuture = nil
		f.fail(api.ErrSocketClosed)
	}
	close(s.done)

	reason, cause := s.CloseReason()
	s.log.Debug("socket closed",
		zap.String("reason", reason),
		zap.NamedError("cause", cause),
		zap.Stringer("remote", s.RemoteAddress()),
		zap.Int64("bytes_read", s.BytesRead()),
		zap.Int64("bytes_written", s.BytesWritten()))
}

func (s *AsyncSocket) String() string {
	return fmt.Sprintf("AsyncSocket[%v->%v %s]", s.LocalAddress(), s.RemoteAddress(), s.State())
}
