//go:build linux
// +build linux

package reactor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tpc/api"
	"github.com/momentics/hioload-tpc/pool"
)

// frameDecoder consumes complete [int32 length][payload] frames and leaves
// a partial frame in the buffer.
func frameDecoder(onFrame func(payload []byte)) ReadHandlerFunc {
	return func(buf *pool.IOBuffer) {
		for buf.Len() >= 4 {
			size := int(binary.BigEndian.Uint32(buf.Bytes()))
			if buf.Len() < 4+size {
				return
			}
			buf.Skip(4)
			onFrame(buf.Bytes()[:size])
			buf.Skip(size)
		}
	}
}

func encodeFrame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func listen(t *testing.T, r *Reactor, accept func(*AcceptRequest)) *AsyncServerSocket {
	t.Helper()
	srv, err := r.OpenTCPAsyncServerSocket()
	require.NoError(t, err)
	require.NoError(t, srv.SetReuseAddress(true))
	require.NoError(t, srv.Bind("127.0.0.1:0", 0))
	require.NoError(t, srv.Accept(accept))
	return srv
}

// serveWith opens every accepted connection with a handler built by mk.
func serveWith(r *Reactor, mk func(s *AsyncSocket) ReadHandler) func(*AcceptRequest) {
	return func(req *AcceptRequest) {
		s, err := r.OpenAsyncSocket(req)
		if err != nil {
			_ = req.Close()
			return
		}
		if err := s.SetReadHandler(mk(s)); err != nil {
			_ = s.Close()
			return
		}
		_ = s.Start()
	}
}

func echoHandler(s *AsyncSocket) ReadHandler {
	return ReadHandlerFunc(func(buf *pool.IOBuffer) {
		out := s.Reactor().Allocator().Allocate(buf.Len())
		_, _ = out.Write(buf.Bytes())
		buf.Skip(buf.Len())
		s.UnsafeWriteAndFlush(out)
	})
}

func dial(t *testing.T, srv *AsyncServerSocket) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", srv.LocalAddress().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	return conn
}

func connect(t *testing.T, r *Reactor, address string, h ReadHandler) *AsyncSocket {
	t.Helper()
	s, err := r.OpenTCPAsyncSocket()
	require.NoError(t, err)
	require.NoError(t, s.SetTCPNoDelay(true))
	if h != nil {
		require.NoError(t, s.SetReadHandler(h))
		require.NoError(t, s.Start())
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = s.Connect(address).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, SocketConnected, s.State())
	return s
}

func TestServerSocket_BindAndState(t *testing.T) {
	r := newStartedReactor(t)
	srv, err := r.OpenTCPAsyncServerSocket()
	require.NoError(t, err)
	assert.Equal(t, ServerCreated, srv.State())
	assert.Equal(t, -1, srv.LocalPort())

	assert.ErrorIs(t, srv.Accept(func(*AcceptRequest) {}), api.ErrIllegalState)
	assert.ErrorIs(t, srv.Bind("not an address", 0), api.ErrInvalidArgument)

	require.NoError(t, srv.SetReuseAddress(true))
	on, err := srv.ReuseAddress()
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, srv.Bind("127.0.0.1:0", 16))
	assert.Equal(t, ServerBound, srv.State())
	assert.Greater(t, srv.LocalPort(), 0)
	assert.ErrorIs(t, srv.Bind("127.0.0.1:0", 16), api.ErrIllegalState)

	require.NoError(t, srv.Accept(func(req *AcceptRequest) { _ = req.Close() }))
	assert.Equal(t, ServerAccepting, srv.State())
	assert.ErrorIs(t, srv.Accept(func(*AcceptRequest) {}), api.ErrIllegalState)

	require.NoError(t, srv.Close())
	waitFor(t, srv.Done(), "server socket close")
	assert.Equal(t, ServerClosed, srv.State())
	assert.NoError(t, srv.Err())
	assert.ErrorIs(t, srv.Bind("127.0.0.1:0", 0), api.ErrSocketClosed)
}

func TestServerSocket_AcceptsManyConnections(t *testing.T) {
	r := newStartedReactor(t)
	var remotes atomic.Int32
	srv := listen(t, r, func(req *AcceptRequest) {
		if req.RemoteAddress() != nil && req.RemoteAddress().IP.IsLoopback() {
			remotes.Add(1)
		}
		_ = req.Close()
	})

	const n = 20
	for i := 0; i < n; i++ {
		conn := dial(t, srv)
		buf := make([]byte, 1)
		_, err := conn.Read(buf)
		assert.ErrorIs(t, err, io.EOF, "accepted connection is closed by the consumer")
	}
	assert.Eventually(t, func() bool { return srv.Accepted() == n }, testTimeout, time.Millisecond)
	assert.EqualValues(t, n, remotes.Load())
}

func TestSocket_EchoWithPlainClient(t *testing.T) {
	r := newStartedReactor(t)
	srv := listen(t, r, serveWith(r, echoHandler))
	conn := dial(t, srv)

	msg := []byte("hello, reactor")
	_, err := conn.Write(msg)
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestSocket_ReassemblesFragmentedFrames(t *testing.T) {
	r := newStartedReactor(t)
	frames := make(chan string, 8)
	srv := listen(t, r, serveWith(r, func(*AsyncSocket) ReadHandler {
		return frameDecoder(func(p []byte) { frames <- string(p) })
	}))
	conn := dial(t, srv)
	require.NoError(t, conn.(*net.TCPConn).SetNoDelay(true))

	want := []string{"alpha", "", "beta-gamma", strconv.Itoa(1 << 20)}
	var stream []byte
	for _, w := range want {
		stream = append(stream, encodeFrame([]byte(w))...)
	}
	for _, b := range stream {
		_, err := conn.Write([]byte{b})
		require.NoError(t, err)
		time.Sleep(200 * time.Microsecond)
	}

	for _, w := range want {
		select {
		case got := <-frames:
			assert.Equal(t, w, got)
		case <-time.After(testTimeout):
			t.Fatalf("frame %q never decoded", w)
		}
	}
}

func TestSocket_GatheredWritesKeepOrder(t *testing.T) {
	r := newStartedReactor(t)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := connect(t, r, ln.Addr().String(), nil)
	peer, err := ln.Accept()
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, peer.SetDeadline(time.Now().Add(testTimeout)))

	const chunks, chunkSize = 200, 100
	var want bytes.Buffer
	for i := 0; i < chunks; i++ {
		chunk := bytes.Repeat([]byte{byte('a' + i%26)}, chunkSize)
		want.Write(chunk)
		b := r.Allocator().Allocate(chunkSize)
		_, _ = b.Write(chunk)
		require.True(t, s.Write(b))
	}
	s.Flush()

	got := make([]byte, want.Len())
	_, err = io.ReadFull(peer, got)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
	assert.Eventually(t, func() bool { return s.BytesWritten() == int64(want.Len()) }, testTimeout, time.Millisecond)
}

// Client and server pass a 12-byte frame back and forth; the server answers
// each value minus one and the client echoes it until zero.
func TestSocket_CountdownBetweenReactors(t *testing.T) {
	server := newStartedReactor(t, WithName("server"))
	client := newStartedReactor(t, WithName("client"))

	writeCounter := func(s *AsyncSocket, v int64) {
		b := s.Reactor().Allocator().Allocate(12)
		b.WriteInt32(8)
		b.WriteInt64(v)
		s.UnsafeWriteAndFlush(b)
	}

	srv := listen(t, server, serveWith(server, func(s *AsyncSocket) ReadHandler {
		return frameDecoder(func(p []byte) {
			writeCounter(s, int64(binary.BigEndian.Uint64(p))-1)
		})
	}))

	const start = 2000
	done := make(chan struct{})
	var last atomic.Int64
	last.Store(-1)
	var cs atomic.Pointer[AsyncSocket]
	handler := frameDecoder(func(p []byte) {
		v := int64(binary.BigEndian.Uint64(p))
		last.Store(v)
		if v == 0 {
			close(done)
			return
		}
		writeCounter(cs.Load(), v)
	})

	s, err := client.OpenTCPAsyncSocket()
	require.NoError(t, err)
	cs.Store(s)
	require.NoError(t, s.SetReadHandler(handler))
	require.NoError(t, s.Start())
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = s.Connect(srv.LocalAddress().String()).Await(ctx)
	require.NoError(t, err)

	first := client.Allocator().Allocate(12)
	first.WriteInt32(8)
	first.WriteInt64(start)
	require.True(t, s.WriteAndFlush(first))

	waitFor(t, done, "countdown")
	assert.Zero(t, last.Load())
	// start frames each way: start..1 out, start-1..0 back.
	const total = start * 12
	assert.EqualValues(t, total, s.BytesRead())
	assert.Eventually(t, func() bool { return s.BytesWritten() == total }, testTimeout, time.Millisecond)
}

func TestSocket_ConnectRefused(t *testing.T) {
	r := newStartedReactor(t)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s, err := r.OpenTCPAsyncSocket()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = s.Connect(addr).Await(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.ECONNREFUSED), "got %v", err)
	waitFor(t, s.Done(), "socket close")
	assert.Equal(t, SocketClosed, s.State())

	_, err = s.Connect(addr).Join()
	assert.ErrorIs(t, err, api.ErrSocketClosed)
}

func TestSocket_CloseWithReadInFlightReleasesDescriptor(t *testing.T) {
	r := newStartedReactor(t)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := connect(t, r, ln.Addr().String(), ReadHandlerFunc(func(buf *pool.IOBuffer) { buf.Skip(buf.Len()) }))
	peer, err := ln.Accept()
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, peer.SetDeadline(time.Now().Add(testTimeout)))

	// Let the receive reach the kernel.
	synced := make(chan struct{})
	require.NoError(t, r.Execute(func() { close(synced) }))
	waitFor(t, synced, "reactor cycle")

	before := openFds(t)
	s.CloseWithReason("test", io.ErrClosedPipe)
	waitFor(t, s.Done(), "socket close")

	reason, cause := s.CloseReason()
	assert.Equal(t, "test", reason)
	assert.ErrorIs(t, cause, io.ErrClosedPipe)
	assert.Eventually(t, func() bool { return openFds(t) == before-1 }, testTimeout, time.Millisecond)

	_, err = peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, s.Write(pool.WrapIOBuffer([]byte("late"))))

	// The reactor keeps serving after the cancelled receive completed.
	done := make(chan struct{})
	require.NoError(t, r.Execute(func() { close(done) }))
	waitFor(t, done, "task after close")
}

func TestSocket_PeerCloseClosesSocket(t *testing.T) {
	r := newStartedReactor(t)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := connect(t, r, ln.Addr().String(), ReadHandlerFunc(func(buf *pool.IOBuffer) { buf.Skip(buf.Len()) }))
	peer, err := ln.Accept()
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	waitFor(t, s.Done(), "socket close")
	_, cause := s.CloseReason()
	assert.ErrorIs(t, cause, io.EOF)
}

func TestSocket_ReadHandlerPanicClosesSocket(t *testing.T) {
	r := newStartedReactor(t)
	opened := make(chan *AsyncSocket, 1)
	srv := listen(t, r, func(req *AcceptRequest) {
		s, err := r.OpenAsyncSocket(req)
		if err != nil {
			_ = req.Close()
			return
		}
		_ = s.SetReadHandler(ReadHandlerFunc(func(*pool.IOBuffer) { panic("handler failure") }))
		_ = s.Start()
		opened <- s
	})
	conn := dial(t, srv)
	_, err := conn.Write([]byte{1})
	require.NoError(t, err)

	var s *AsyncSocket
	select {
	case s = <-opened:
	case <-time.After(testTimeout):
		t.Fatal("connection never accepted")
	}
	waitFor(t, s.Done(), "socket close after panic")
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, ServerAccepting, srv.State(), "server keeps accepting")
}

func TestServerSocket_ConsumerPanicClosesServer(t *testing.T) {
	r := newStartedReactor(t)
	srv := listen(t, r, func(*AcceptRequest) { panic("consumer failure") })
	dial(t, srv)

	waitFor(t, srv.Done(), "server close")
	assert.Equal(t, ServerClosed, srv.State())
	assert.Error(t, srv.Err())
}

func TestServerSocket_CloseWithAcceptInFlightReleasesDescriptor(t *testing.T) {
	r := newStartedReactor(t)
	before := openFds(t)
	var consumed atomic.Int32

	for i := 0; i < 20; i++ {
		srv := listen(t, r, func(req *AcceptRequest) {
			consumed.Add(1)
			_ = req.Close()
		})
		// Let the accept reach the kernel.
		synced := make(chan struct{})
		require.NoError(t, r.Execute(func() { close(synced) }))
		waitFor(t, synced, "reactor cycle")
		require.NoError(t, srv.Close())
		waitFor(t, srv.Done(), "server close")
		assert.NoError(t, srv.Err())
	}

	assert.Eventually(t, func() bool { return openFds(t) == before }, testTimeout, time.Millisecond)
	// Completions of the cancelled accepts have been dispatched by now.
	done := make(chan struct{})
	require.NoError(t, r.Execute(func() { close(done) }))
	waitFor(t, done, "task after close")
	assert.Zero(t, consumed.Load())
}

func TestSocket_SocketOptions(t *testing.T) {
	r := newStartedReactor(t)
	s, err := r.OpenTCPAsyncSocket()
	require.NoError(t, err)

	require.NoError(t, s.SetKeepAlive(true))
	on, err := s.KeepAlive()
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, s.SetSendBufferSize(64*1024))
	size, err := s.SendBufferSize()
	require.NoError(t, err)
	assert.Greater(t, size, 0)

	require.NoError(t, s.Close())
	waitFor(t, s.Done(), "socket close")
	_, err = s.KeepAlive()
	assert.ErrorIs(t, err, api.ErrSocketClosed)
	assert.ErrorIs(t, s.SetReadHandler(ReadHandlerFunc(func(*pool.IOBuffer) {})), api.ErrSocketClosed)
}

func TestReactor_ShutdownClosesSockets(t *testing.T) {
	requireRing(t)
	r, err := New(nil, testOptions()...)
	require.NoError(t, err)
	require.NoError(t, r.Start())

	srv := listen(t, r, serveWith(r, echoHandler))
	conn := dial(t, srv)
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, 4))
	require.NoError(t, err)

	require.NoError(t, r.Shutdown())
	waitFor(t, srv.Done(), "server close")
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	_, err = r.OpenTCPAsyncSocket()
	assert.ErrorIs(t, err, api.ErrReactorNotRunning)
}

func TestReactor_SocketOperationsFailAfterShutdown(t *testing.T) {
	requireRing(t)
	r, err := New(nil, testOptions()...)
	require.NoError(t, err)
	require.NoError(t, r.Start())

	client, err := r.OpenTCPAsyncSocket()
	require.NoError(t, err)
	unbound, err := r.OpenTCPAsyncServerSocket()
	require.NoError(t, err)
	bound, err := r.OpenTCPAsyncServerSocket()
	require.NoError(t, err)
	require.NoError(t, bound.Bind("127.0.0.1:0", 0))
	addr := bound.LocalAddress().String()

	require.NoError(t, r.Shutdown())

	assert.ErrorIs(t, unbound.Bind("127.0.0.1:0", 0), api.ErrIllegalState)
	assert.ErrorIs(t, bound.Accept(func(*AcceptRequest) {}), api.ErrIllegalState)
	_, err = client.Connect(addr).Join()
	assert.ErrorIs(t, err, api.ErrIllegalState)
	_, err = r.OpenTCPAsyncServerSocket()
	assert.ErrorIs(t, err, api.ErrIllegalState)
	_, err = r.OpenTCPAsyncSocket()
	assert.ErrorIs(t, err, api.ErrIllegalState)
}
