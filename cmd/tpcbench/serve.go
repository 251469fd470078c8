//go:build linux
// +build linux

// File: cmd/tpcbench/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/momentics/hioload-tpc/logger"
	"github.com/momentics/hioload-tpc/pool"
	"github.com/momentics/hioload-tpc/reactor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run an echo or countdown server",
	Long: `Run a TCP server over the reactor group until interrupted.

With --reuse-port every reactor listens on the address itself and the kernel
spreads connections; otherwise the first reactor accepts and hands
connections to the group round-robin.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("address", "0.0.0.0:5000", wrapString("IPv4 address to listen on"))
	flags.Int("backlog", 0, wrapString("listen backlog; 0 uses SOMAXCONN"))
	flags.Bool("reuse-port", false, wrapString("listen on every reactor with SO_REUSEPORT"))
	flags.Bool("tcp-nodelay", true, wrapString("disable Nagle on accepted connections"))
	flags.String("protocol", "echo", wrapString("echo returns every byte; countdown answers each 12-byte frame with value-1"))
	flags.Duration("duration", 0, wrapString("stop after this long; 0 runs until SIGINT or SIGTERM"))
}

// server is the state shared by the accept consumers of one serve run.
type server struct {
	group      *reactor.Group
	log        *zap.Logger
	handler    func(s *reactor.AsyncSocket) reactor.ReadHandler
	noDelay    bool
	perReactor bool

	conns *xsync.MapOf[*reactor.AsyncSocket, time.Time]
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if d := viper.GetDuration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var handler func(*reactor.AsyncSocket) reactor.ReadHandler
	switch p := viper.GetString("protocol"); p {
	case "echo":
		handler = echoHandler
	case "countdown":
		handler = countdownServerHandler
	default:
		return errorf("unknown protocol %q", p)
	}

	group, err := startGroup("serve")
	if err != nil {
		return err
	}
	defer func() {
		_ = group.Shutdown()
		printMetrics()
	}()

	srv := &server{
		group:      group,
		log:        logger.GetLogger(),
		handler:    handler,
		noDelay:    viper.GetBool("tcp-nodelay"),
		perReactor: viper.GetBool("reuse-port"),
		conns:      xsync.NewMapOf[*reactor.AsyncSocket, time.Time](),
	}
	addr, err := srv.listen(viper.GetString("address"), viper.GetInt("backlog"))
	if err != nil {
		return err
	}
	srv.log.Info("serving", zap.Stringer("address", addr), zap.String("protocol", viper.GetString("protocol")))

	<-ctx.Done()
	srv.log.Info("stopping server", zap.Int("open_connections", srv.conns.Size()))
	return nil
}

// listen opens the listeners and returns the address the first one bound.
// With port 0 and a listener per reactor, the others bind the port the first
// one got.
func (srv *server) listen(address string, backlog int) (*net.TCPAddr, error) {
	listeners := srv.group.Reactors()
	if !srv.perReactor {
		listeners = listeners[:1]
	}
	var bound *net.TCPAddr
	for _, r := range listeners {
		ss, err := r.OpenTCPAsyncServerSocket()
		if err != nil {
			return nil, err
		}
		if err := ss.SetReuseAddress(true); err != nil {
			return nil, err
		}
		if srv.perReactor {
			if err := ss.SetReusePort(true); err != nil {
				return nil, err
			}
		}
		if bound != nil {
			address = bound.String()
		}
		if err := ss.Bind(address, backlog); err != nil {
			return nil, err
		}
		if err := ss.Accept(srv.acceptOn(r)); err != nil {
			return nil, err
		}
		if bound == nil {
			bound = ss.LocalAddress()
		}
		go srv.watchListener(ss)
	}
	return bound, nil
}

// acceptOn opens accepted connections on the accepting reactor when every
// reactor listens, and spreads them over the group otherwise.
func (srv *server) acceptOn(home *reactor.Reactor) func(*reactor.AcceptRequest) {
	return func(req *reactor.AcceptRequest) {
		r := home
		if !srv.perReactor {
			r = srv.group.Next()
		}
		s, err := r.OpenAsyncSocket(req)
		if err != nil {
			srv.log.Warn("open accepted connection", zap.Error(err))
			_ = req.Close()
			return
		}
		if srv.noDelay {
			_ = s.SetTCPNoDelay(true)
		}
		if err := s.SetReadHandler(srv.handler(s)); err != nil {
			_ = s.Close()
			return
		}
		if err := s.Start(); err != nil {
			_ = s.Close()
			return
		}
		srv.conns.Store(s, time.Now())
		go func() {
			<-s.Done()
			if opened, ok := srv.conns.LoadAndDelete(s); ok {
				srv.log.Debug("connection closed",
					zap.Stringer("remote", s.RemoteAddress()),
					zap.Duration("lifetime", time.Since(opened)),
					zap.Int64("bytes_read", s.BytesRead()))
			}
		}()
	}
}

func (srv *server) watchListener(ss *reactor.AsyncServerSocket) {
	<-ss.Done()
	if err := ss.Err(); err != nil {
		srv.log.Error("listener failed", zap.Stringer("socket", ss), zap.Error(err))
	}
}

func echoHandler(s *reactor.AsyncSocket) reactor.ReadHandler {
	return reactor.ReadHandlerFunc(func(buf *pool.IOBuffer) {
		out := s.Reactor().Allocator().Allocate(buf.Len())
		_, _ = out.Write(buf.Bytes())
		buf.Skip(buf.Len())
		s.UnsafeWriteAndFlush(out)
	})
}

func countdownServerHandler(s *reactor.AsyncSocket) reactor.ReadHandler {
	return countdownDecoder(func(v int64) {
		s.UnsafeWriteAndFlush(newFrame(s, v-1))
	})
}
