//go:build linux
// +build linux

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tpc/api"
	"github.com/momentics/hioload-tpc/control"
	"github.com/momentics/hioload-tpc/pool"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(wrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), wrap)
	}
	assert.Equal(t, "short help", wrapString("  short   help "))
}

func TestCountdownDecoder_KeepsPartialFrame(t *testing.T) {
	buf := pool.NewIOBuffer(64)
	for _, v := range []int64{3, 2} {
		buf.WriteInt32(framePayload)
		buf.WriteInt64(v)
	}
	buf.WriteInt32(framePayload)
	buf.WriteByte(0)

	var got []int64
	countdownDecoder(func(v int64) { got = append(got, v) }).OnRead(buf)
	assert.Equal(t, []int64{3, 2}, got)
	assert.Equal(t, frameHeader+1, buf.Len())
}

func TestCountdownDecoder_DropsForeignBytes(t *testing.T) {
	buf := pool.WrapIOBuffer([]byte("GET / HTTP/1.1\r\n\r\n"))
	called := false
	countdownDecoder(func(int64) { called = true }).OnRead(buf)
	assert.False(t, called)
	assert.Zero(t, buf.Len())
}

func TestApplyFile_RanksBelowEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Cleanup(func() { storageDevices = nil })

	path := filepath.Join(t.TempDir(), "tpc.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[reactor]
count = 3
spin = true
affinity = [2, 3]

[log]
level = "debug"

[server]
address = "127.0.0.1:6000"

[[storage]]
path = "/data"
max_concurrent = 8
max_pending = 64

[[storage]]
path = "/data/db"
max_concurrent = 2
max_pending = 16
`), 0o600))
	fc, err := control.LoadFile(path)
	require.NoError(t, err)

	t.Setenv("TPC_REACTORS", "7")
	initEnv()
	applyFile(fc)

	assert.Equal(t, 7, viper.GetInt("reactors"), "environment wins over the file")
	assert.True(t, viper.GetBool("spin"))
	assert.Equal(t, []int{2, 3}, viper.GetIntSlice("affinity"))
	assert.Equal(t, "debug", viper.GetString("log-level"))
	assert.Equal(t, "127.0.0.1:6000", viper.GetString("address"))

	cfg, err := reactorConfig("bench-0")
	require.NoError(t, err)
	assert.Equal(t, "bench-0", cfg.Name)
	assert.True(t, cfg.Spin)
	assert.Equal(t, []int{2, 3}, cfg.AffinityCPUs)
	require.NotNil(t, cfg.StorageDevices)
	dev, ok := cfg.StorageDevices.Find("/data/db/wal/0001")
	require.True(t, ok)
	assert.Equal(t, 2, dev.MaxConcurrent)
	assert.Equal(t, 16, dev.MaxPending)
}

func TestReactorConfig_RejectsInvalidStorageDevice(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Cleanup(func() { storageDevices = nil })

	applyFile(&control.FileConfig{Storage: []control.StorageSection{{Path: "relative", MaxConcurrent: 1, MaxPending: 1}}})
	_, err := reactorConfig("bench-0")
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
