//go:build linux
// +build linux

// File: cmd/tpcbench/rpc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/momentics/hioload-tpc/logger"
	"github.com/momentics/hioload-tpc/reactor"
)

var rpcCmd = &cobra.Command{
	Use:   "rpc",
	Short: "run the countdown RPC benchmark",
	Long: `Each connection sends a 12-byte frame carrying --iterations; the server
answers with the value minus one and the client sends every answer back until
it reads zero. Without --target an in-process countdown server is started on
its own reactor group.`,
	RunE: runRPC,
}

func init() {
	flags := rpcCmd.Flags()
	flags.String("target", "", wrapString("address of a 'serve --protocol countdown' server; empty starts one in-process"))
	flags.Int("concurrency", 1, wrapString("number of connections"))
	flags.Int64("iterations", 1_000_000, wrapString("round trips per connection"))
	flags.Bool("tcp-nodelay", true, wrapString("disable Nagle on client and server connections"))
	flags.Duration("timeout", 10*time.Minute, wrapString("abort when the run takes longer"))
}

// rpcConn is one benchmark connection.
type rpcConn struct {
	s    *reactor.AsyncSocket
	done chan struct{}
}

func runRPC(cmd *cobra.Command, _ []string) error {
	concurrency := viper.GetInt("concurrency")
	iterations := viper.GetInt64("iterations")
	if concurrency <= 0 || iterations <= 0 {
		return errorf("--concurrency and --iterations must be positive")
	}
	log := logger.GetLogger()
	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	defer cancel()
	defer printMetrics()

	target := viper.GetString("target")
	if target == "" {
		servers, err := startGroup("rpc-server")
		if err != nil {
			return err
		}
		defer servers.Shutdown()
		srv := &server{
			group:   servers,
			log:     log,
			handler: countdownServerHandler,
			noDelay: viper.GetBool("tcp-nodelay"),
			conns:   xsync.NewMapOf[*reactor.AsyncSocket, time.Time](),
		}
		addr, err := srv.listen("127.0.0.1:0", 0)
		if err != nil {
			return err
		}
		target = addr.String()
	}

	clients, err := startGroup("rpc-client")
	if err != nil {
		return err
	}
	defer clients.Shutdown()

	conns := make([]*rpcConn, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		c, err := dialCountdown(ctx, clients.Next(), target)
		if err != nil {
			return err
		}
		conns = append(conns, c)
	}
	log.Info("benchmark connected", zap.String("target", target), zap.Int("connections", concurrency), zap.Int64("iterations", iterations))

	start := time.Now()
	for _, c := range conns {
		if !c.s.WriteAndFlush(newFrame(c.s, iterations)) {
			return errorf("first frame not queued on %s", c.s)
		}
	}
	for _, c := range conns {
		select {
		case <-c.done:
		case <-c.s.Done():
			_, cause := c.s.CloseReason()
			return errorf("connection %s closed during run: %v", c.s, cause)
		case <-ctx.Done():
			return errorf("benchmark aborted: %w", ctx.Err())
		}
	}
	elapsed := time.Since(start)

	total := int64(concurrency) * iterations
	fmt.Printf("round trips: %d\n", total)
	fmt.Printf("duration:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("throughput:  %.0f ops/s\n", float64(total)/elapsed.Seconds())
	fmt.Printf("latency:     %s per round trip per connection\n", (elapsed * time.Duration(concurrency) / time.Duration(total)).Round(time.Nanosecond))
	return nil
}

func dialCountdown(ctx context.Context, r *reactor.Reactor, target string) (*rpcConn, error) {
	s, err := r.OpenTCPAsyncSocket()
	if err != nil {
		return nil, err
	}
	c := &rpcConn{s: s, done: make(chan struct{})}
	if viper.GetBool("tcp-nodelay") {
		if err := s.SetTCPNoDelay(true); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	err = s.SetReadHandler(countdownDecoder(func(v int64) {
		if v == 0 {
			close(c.done)
			return
		}
		s.UnsafeWriteAndFlush(newFrame(s, v))
	}))
	if err == nil {
		err = s.Start()
	}
	if err == nil {
		_, err = s.Connect(target).Await(ctx)
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}
	return c, nil
}
