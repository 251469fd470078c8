//go:build linux
// +build linux

// File: reactor/server_socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listening socket whose accepts run as io_uring operations on its reactor.

package reactor

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tpc/api"
)

// ServerSocketState is the lifecycle of an AsyncServerSocket.
type ServerSocketState int32

const (
	ServerCreated ServerSocketState = iota
	ServerBound
	ServerAccepting
	ServerClosed
)

func (s ServerSocketState) String() string {
	switch s {
	case ServerCreated:
		return "CREATED"
	case ServerBound:
		return "BOUND"
	case ServerAccepting:
		return "ACCEPTING"
	case ServerClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("ServerSocketState(%d)", int32(s))
}

// AcceptRequest carries a freshly accepted connection to the accept
// consumer. Open it with Reactor.OpenAsyncSocket or Close it.
type AcceptRequest struct {
	h      *fdHandle
	remote *net.TCPAddr
}

// RemoteAddress is the peer address reported by the kernel.
func (a *AcceptRequest) RemoteAddress() *net.TCPAddr { return a.remote }

// Close closes the connection unless a socket was opened from it.
func (a *AcceptRequest) Close() error { return a.h.Close() }

// AsyncServerSocket accepts TCP connections on one reactor.
type AsyncServerSocket struct {
	r   *Reactor
	h   *fdHandle
	fd  int
	log *zap.Logger

	mu       sync.Mutex
	state    atomic.Int32
	local    atomic.Pointer[net.TCPAddr]
	accepted atomic.Int64
	err      error
	done     chan struct{}

	// reactor thread only
	released       bool
	consumer       func(*AcceptRequest)
	acceptToken    uint64
	acceptInFlight bool
	acceptAddr     unix.RawSockaddrAny
	acceptAddrLen  uint32
}

// OpenTCPAsyncServerSocket creates an IPv4 listening socket owned by r.
func (r *Reactor) OpenTCPAsyncServerSocket() (*AsyncServerSocket, error) {
	if r.State() != StateRunning {
		return nil, fmt.Errorf("open server socket: %w", api.ErrReactorNotRunning)
	}
	fd, err := newTCPSocket()
	if err != nil {
		return nil, err
	}
	s := &AsyncServerSocket{
		r:    r,
		h:    newFdHandle(fd),
		fd:   fd,
		log:  r.log.With(zap.Int("fd", fd)),
		done: make(chan struct{}),
	}
	if err := r.RegisterCloseable(s); err != nil {
		_ = s.h.Close()
		return nil, err
	}
	return s, nil
}

func (s *AsyncServerSocket) Reactor() *Reactor { return s.r }

func (s *AsyncServerSocket) State() ServerSocketState { return ServerSocketState(s.state.Load()) }

// LocalAddress is the bound address, nil before Bind.
func (s *AsyncServerSocket) LocalAddress() *net.TCPAddr { return s.local.Load() }

// LocalPort is the bound port, -1 before Bind.
func (s *AsyncServerSocket) LocalPort() int {
	if a := s.local.Load(); a != nil {
		return a.Port
	}
	return -1
}

// Accepted counts connections accepted so far.
func (s *AsyncServerSocket) Accepted() int64 { return s.accepted.Load() }

// Done is closed once the socket is closed.
func (s *AsyncServerSocket) Done() <-chan struct{} { return s.done }

// Err is the failure that closed the socket, nil for a plain Close.
func (s *AsyncServerSocket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *AsyncServerSocket) ReuseAddress() (bool, error) {
	return getBoolOpt(s.h.Fd(), unix.SOL_SOCKET, unix.SO_REUSEADDR, "SO_REUSEADDR")
}

func (s *AsyncServerSocket) SetReuseAddress(on bool) error {
	return setBoolOpt(s.log, s.h.Fd(), unix.SOL_SOCKET, unix.SO_REUSEADDR, on, "SO_REUSEADDR")
}

func (s *AsyncServerSocket) ReusePort() (bool, error) {
	return getBoolOpt(s.h.Fd(), unix.SOL_SOCKET, unix.SO_REUSEPORT, "SO_REUSEPORT")
}

func (s *AsyncServerSocket) SetReusePort(on bool) error {
	return setBoolOpt(s.log, s.h.Fd(), unix.SOL_SOCKET, unix.SO_REUSEPORT, on, "SO_REUSEPORT")
}

func (s *AsyncServerSocket) ReceiveBufferSize() (int, error) {
	return getIntOpt(s.h.Fd(), unix.SOL_SOCKET, unix.SO_RCVBUF, "SO_RCVBUF")
}

func (s *AsyncServerSocket) SetReceiveBufferSize(size int) error {
	return setIntOpt(s.log, s.h.Fd(), unix.SOL_SOCKET, unix.SO_RCVBUF, size, "SO_RCVBUF")
}

// Bind binds and listens. backlog <= 0 uses SOMAXCONN. Only the first
// successful Bind counts; later calls fail without touching the binding.
func (s *AsyncServerSocket) Bind(address string, backlog int) error {
	addr, err := resolveInet4(address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st := s.State(); st {
	case ServerCreated:
	case ServerClosed:
		return api.ErrSocketClosed
	default:
		return fmt.Errorf("%w: server socket already bound to %s", api.ErrIllegalState, s.LocalAddress())
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Bind(s.fd, sockaddrInet4(addr)); err != nil {
		return ioError("bind "+address, err)
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return ioError("listen", err)
	}
	s.local.Store(localTCPAddr(s.fd))
	s.state.Store(int32(ServerBound))
	s.log.Info("server socket bound", zap.Stringer("address", s.LocalAddress()), zap.Int("backlog", backlog))
	return nil
}

// Accept starts accepting; consumer runs on the reactor thread for every
// connection. It may be called once, after Bind.
func (s *AsyncServerSocket) Accept(consumer func(*AcceptRequest)) error {
	if consumer == nil {
		return fmt.Errorf("%w: nil accept consumer", api.ErrInvalidArgument)
	}
	return s.r.call(func() error {
		s.mu.Lock()
		st := s.State()
		if st == ServerBound {
			s.state.Store(int32(ServerAccepting))
		}
		s.mu.Unlock()
		switch st {
		case ServerBound:
		case ServerClosed:
			return api.ErrSocketClosed
		case ServerCreated:
			return fmt.Errorf("%w: accept before bind", api.ErrIllegalState)
		default:
			return fmt.Errorf("%w: server socket is already accepting", api.ErrIllegalState)
		}

		s.consumer = consumer
		s.acceptToken = s.r.el.reg.register(s.onAccept, s, true)
		if err := s.armAccept(); err != nil {
			s.closeWith(err)
			return err
		}
		s.log.Info("server socket listening", zap.Stringer("address", s.LocalAddress()))
		return nil
	})
}

func (s *AsyncServerSocket) armAccept() error {
	el := s.r.el
	s.acceptAddrLen = uint32(unsafe.Sizeof(s.acceptAddr))
	err := el.offer(func() error {
		return el.ring.OfferAccept(s.fd, &s.acceptAddr, &s.acceptAddrLen, unix.SOCK_CLOEXEC, s.acceptToken)
	})
	if err != nil {
		return fmt.Errorf("offer accept on %s: %w", s.LocalAddress(), err)
	}
	s.acceptInFlight = true
	return nil
}

func (s *AsyncServerSocket) onAccept(res int32, _ uint32) {
	s.acceptInFlight = false
	if res < 0 {
		if res == -int32(unix.EINTR) || res == -int32(unix.EAGAIN) {
			if err := s.armAccept(); err != nil {
				s.fail(err)
			}
			return
		}
		s.fail(api.NewIOError("accept", res))
		return
	}

	req := &AcceptRequest{h: newFdHandle(int(res)), remote: rawToTCPAddr(&s.acceptAddr)}
	s.accepted.Add(1)
	s.r.metrics.accepted.Inc()
	// Re-arm before the consumer runs; the next completion reuses acceptAddr.
	if err := s.armAccept(); err != nil {
		_ = req.Close()
		s.fail(err)
		return
	}
	if ce := s.log.Check(zap.DebugLevel, "connection accepted"); ce != nil {
		ce.Write(zap.Stringer("remote", req.remote), zap.Int32("fd", res))
	}
	s.deliver(req)
}

func (s *AsyncServerSocket) deliver(req *AcceptRequest) {
	defer func() {
		if p := recover(); p != nil {
			_ = req.Close()
			s.r.metrics.handlerPanics.Inc()
			s.fail(fmt.Errorf("accept consumer panic: %v", p))
		}
	}()
	s.consumer(req)
}

func (s *AsyncServerSocket) fail(err error) {
	s.log.Error("closing server socket", zap.Stringer("address", s.LocalAddress()), zap.Error(err))
	s.closeWith(err)
}

// Close stops accepting and closes the listening descriptor.
func (s *AsyncServerSocket) Close() error {
	s.closeWith(nil)
	return nil
}

func (s *AsyncServerSocket) closeWith(cause error) {
	s.mu.Lock()
	if s.State() == ServerClosed {
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(ServerClosed))
	s.err = cause
	s.mu.Unlock()
	s.r.onReactor(s.release)
}

func (s *AsyncServerSocket) release() {
	if s.released {
		return
	}
	s.released = true
	s.r.DeregisterCloseable(s)
	// Wakes an accept parked in the kernel.
	_ = unix.Shutdown(s.fd, unix.SHUT_RDWR)
	if el := s.r.el; el != nil && s.acceptToken != 0 {
		if s.acceptInFlight {
			el.reg.drain(s.acceptToken, func(res int32, _ uint32) {
				if res >= 0 {
					el.closeFd(int(res))
				}
			})
			el.cancel(s.acceptToken)
			el.submit()
		} else {
			el.reg.retire(s.acceptToken)
		}
	}
	_ = s.h.Close()
	close(s.done)
	s.log.Info("server socket closed", zap.Stringer("address", s.LocalAddress()), zap.Int64("accepted", s.Accepted()))
}

func (s *AsyncServerSocket) String() string {
	return fmt.Sprintf("AsyncServerSocket[%v %s]", s.LocalAddress(), s.State())
}
