//go:build linux
// +build linux

// File: cmd/tpcbench/root.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/momentics/hioload-tpc/control"
	"github.com/momentics/hioload-tpc/logger"
	"github.com/momentics/hioload-tpc/reactor"
)

// wrap is the column help texts are wrapped at.
const wrap = 50

var rootCmd = &cobra.Command{
	Use:   "tpcbench",
	Short: "thread-per-core io_uring networking bench",
	Long: `tpcbench drives a group of io_uring reactors, one per core.

Settings come from flags, then TPC_<FLAG> environment variables (e.g.
TPC_REACTORS=4, also read from .env and .env.local), then the TOML file
given with --config, then built-in defaults.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	cobra.OnInitialize(initEnv)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", wrapString("TOML configuration file with [reactor], [log] and [server] sections"))
	flags.Int("reactors", 0, wrapString("number of reactors; 0 starts one per CPU"))
	flags.Uint32("entries", reactor.DefaultConfig().Entries, wrapString("submission queue entries per reactor"))
	flags.Uint32("setup-flags", 0, wrapString("extra io_uring setup flags"))
	flags.Bool("register-ring-fd", false, wrapString("register the ring descriptor with the kernel"))
	flags.Bool("spin", false, wrapString("busy poll the completion queue instead of blocking"))
	flags.IntSlice("affinity", nil, wrapString("CPUs to pin reactors to, reactor i takes cpus[i % len]"))
	flags.Int("task-queue-capacity", reactor.DefaultConfig().TaskQueueCapacity, wrapString("bound of each reactor's cross-thread task queue"))
	flags.String("log-level", "info", wrapString("log level (debug, info, warn, error)"))
	flags.String("log-path", "", wrapString("directory for rotated log files; empty logs to stdout"))
	flags.Int("log-max-size", 100, wrapString("log file size in MB before rotation"))
	flags.Int("log-max-age", 7, wrapString("days to keep rotated log files"))
	flags.Bool("log-stdout", false, wrapString("also log to stdout when --log-path is set"))
	flags.Bool("metrics", false, wrapString("print reactor metrics in Prometheus text format on exit"))

	rootCmd.AddCommand(serveCmd, rpcCmd)
}

// initEnv loads .env files and maps TPC_* variables onto flag names.
func initEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("tpc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadSettings binds the flags of the running command and lays the config
// file underneath them as defaults.
func loadSettings(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if path := viper.GetString("config"); path != "" {
		fc, err := control.LoadFile(path)
		if err != nil {
			return err
		}
		applyFile(fc)
	}

	log := logger.NewZapLogger("tpcbench.log",
		viper.GetString("log-path"),
		viper.GetString("log-level"),
		viper.GetInt("log-max-size"),
		viper.GetInt("log-max-age"),
		viper.GetBool("log-stdout"))
	logger.InitLogger(log)
	return nil
}

// storageDevices come from the config file only; they have no flag.
var storageDevices []control.StorageSection

// applyFile registers the values the file sets as viper defaults, which rank
// below flags and environment.
func applyFile(fc *control.FileConfig) {
	storageDevices = fc.Storage

	setInt := func(key string, v int) {
		if v != 0 {
			viper.SetDefault(key, v)
		}
	}
	setString := func(key, v string) {
		if v != "" {
			viper.SetDefault(key, v)
		}
	}
	setBool := func(key string, v bool) {
		if v {
			viper.SetDefault(key, v)
		}
	}

	setInt("reactors", fc.Reactor.Count)
	setInt("entries", int(fc.Reactor.Entries))
	setInt("setup-flags", int(fc.Reactor.SetupFlags))
	setBool("register-ring-fd", fc.Reactor.RegisterRingFd)
	setBool("spin", fc.Reactor.Spin)
	if len(fc.Reactor.Affinity) > 0 {
		viper.SetDefault("affinity", fc.Reactor.Affinity)
	}
	setInt("task-queue-capacity", fc.Reactor.TaskQueueCapacity)

	setString("log-level", fc.Log.Level)
	setString("log-path", fc.Log.Path)
	setInt("log-max-size", fc.Log.MaxSize)
	setInt("log-max-age", fc.Log.MaxAge)
	setBool("log-stdout", fc.Log.Stdout)

	setString("address", fc.Server.Address)
	setInt("backlog", fc.Server.Backlog)
	setBool("reuse-port", fc.Server.ReusePort)
	setBool("tcp-nodelay", fc.Server.TCPNoDelay)
}

// reactorConfig builds the per-reactor configuration from the settings.
func reactorConfig(name string) (*reactor.Config, error) {
	cfg := reactor.DefaultConfig()
	for _, opt := range []reactor.Option{
		reactor.WithName(name),
		reactor.WithEntries(viper.GetUint32("entries")),
		reactor.WithSetupFlags(viper.GetUint32("setup-flags")),
		reactor.WithRegisterRingFd(viper.GetBool("register-ring-fd")),
		reactor.WithSpin(viper.GetBool("spin")),
		reactor.WithAffinity(viper.GetIntSlice("affinity")...),
		reactor.WithTaskQueueCapacity(viper.GetInt("task-queue-capacity")),
		reactor.WithLogger(logger.GetLogger()),
	} {
		opt(cfg)
	}
	if len(storageDevices) > 0 {
		devices := reactor.NewStorageDeviceRegistry()
		for _, d := range storageDevices {
			if err := devices.Register(d.Path, d.MaxConcurrent, d.MaxPending); err != nil {
				return nil, errorf("storage device %s: %w", d.Path, err)
			}
		}
		reactor.WithStorageDevices(devices)(cfg)
	}
	return cfg, nil
}

func startGroup(name string) (*reactor.Group, error) {
	cfg, err := reactorConfig(name)
	if err != nil {
		return nil, err
	}
	g, err := reactor.NewGroup(viper.GetInt("reactors"), cfg)
	if err != nil {
		return nil, err
	}
	if err := g.Start(); err != nil {
		return nil, err
	}
	logger.GetLogger().Info("reactor group started", zap.String("name", name), zap.Int("reactors", g.Len()))
	return g, nil
}

func printMetrics() {
	if viper.GetBool("metrics") {
		control.DefaultRegistry().WritePrometheus(os.Stdout)
	}
}

// wrapString wraps help text at wrap columns.
func wrapString(text string) string {
	var (
		lines []string
		line  strings.Builder
	)
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

func errorf(format string, args ...any) error {
	return fmt.Errorf("tpcbench: "+format, args...)
}
