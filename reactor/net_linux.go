//go:build linux
// +build linux

// File: reactor/net_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Descriptor ownership, address conversion and socket option helpers.

package reactor

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tpc/api"
)

// fdHandle owns a descriptor until it is closed or detached.
type fdHandle struct {
	fd atomic.Int64
}

func newFdHandle(fd int) *fdHandle {
	h := &fdHandle{}
	h.fd.Store(int64(fd))
	return h
}

// Fd returns the descriptor, or -1 once closed or detached.
func (h *fdHandle) Fd() int { return int(h.fd.Load()) }

// Detach hands the descriptor to the caller, who then owns it.
func (h *fdHandle) Detach() (int, bool) {
	fd := h.fd.Swap(-1)
	return int(fd), fd >= 0
}

func (h *fdHandle) Close() error {
	fd, ok := h.Detach()
	if !ok {
		return nil
	}
	return unix.Close(fd)
}

// Descriptors stay in blocking mode: io_uring polls them internally, and a
// blocking descriptor never surfaces EAGAIN through a completion.
func newTCPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, ioError("socket", err)
	}
	return fd, nil
}

func resolveInet4(address string) (*net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp4", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrInvalidArgument, err)
	}
	return addr, nil
}

func sockaddrInet4(addr *net.TCPAddr) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa
}

func fillRawInet4(addr *net.TCPAddr, raw *unix.RawSockaddrInet4) {
	*raw = unix.RawSockaddrInet4{Family: unix.AF_INET}
	port := (*[2]byte)(unsafe.Pointer(&raw.Port))
	port[0], port[1] = byte(addr.Port>>8), byte(addr.Port)
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(raw.Addr[:], ip4)
	}
}

func rawToTCPAddr(raw *unix.RawSockaddrAny) *net.TCPAddr {
	switch raw.Addr.Family {
	case unix.AF_INET:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(raw))
		port := (*[2]byte)(unsafe.Pointer(&sa.Port))
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: int(port[0])<<8 | int(port[1])}
	case unix.AF_INET6:
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(raw))
		port := (*[2]byte)(unsafe.Pointer(&sa.Port))
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: int(port[0])<<8 | int(port[1])}
	}
	return nil
}

func toTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), v.Addr[:]...)), Port: v.Port}
	}
	return nil
}

func localTCPAddr(fd int) *net.TCPAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return toTCPAddr(sa)
}

// ioError turns a syscall failure into an *api.IOError.
func ioError(op string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &api.IOError{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unsupportedOpt(err error) bool {
	return errors.Is(err, unix.ENOPROTOOPT) || errors.Is(err, unix.EOPNOTSUPP)
}

// setIntOpt sets an option; an option the platform lacks is logged and
// otherwise ignored.
func setIntOpt(log *zap.Logger, fd, level, opt, value int, name string) error {
	if fd < 0 {
		return api.ErrSocketClosed
	}
	err := unix.SetsockoptInt(fd, level, opt, value)
	if err == nil {
		return nil
	}
	if unsupportedOpt(err) {
		log.Warn("socket option not supported", zap.String("option", name))
		return nil
	}
	return ioError("setsockopt "+name, err)
}

func setBoolOpt(log *zap.Logger, fd, level, opt int, on bool, name string) error {
	v := 0
	if on {
		v = 1
	}
	return setIntOpt(log, fd, level, opt, v, name)
}

func getIntOpt(fd, level, opt int, name string) (int, error) {
	if fd < 0 {
		return 0, api.ErrSocketClosed
	}
	v, err := unix.GetsockoptInt(fd, level, opt)
	if err != nil {
		if unsupportedOpt(err) {
			return 0, nil
		}
		return 0, ioError("getsockopt "+name, err)
	}
	return v, nil
}

func getBoolOpt(fd, level, opt int, name string) (bool, error) {
	v, err := getIntOpt(fd, level, opt, name)
	return v != 0, err
}
