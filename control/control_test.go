package control

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistry_CountersAndExport(t *testing.T) {
	mr := NewMetricsRegistry()
	c := mr.Counter("tpc_completions_total", "reactor", "r0")
	c.Inc()
	c.Add(2)
	assert.Same(t, c, mr.Counter("tpc_completions_total", "reactor", "r0"))
	mr.Gauge("tpc_closeables", func() float64 { return 3 }, "reactor", "r0")

	var buf bytes.Buffer
	mr.WritePrometheus(&buf)
	out := buf.String()
	assert.Contains(t, out, `tpc_completions_total{reactor="r0"} 3`)
	assert.Contains(t, out, `tpc_closeables{reactor="r0"} 3`)
}

func TestMetricsRegistry_GaugeSourceReplacedAndReleased(t *testing.T) {
	mr := NewMetricsRegistry()
	export := func() string {
		var buf bytes.Buffer
		mr.WritePrometheus(&buf)
		return buf.String()
	}

	releaseOld := mr.Gauge("tpc_closeables", func() float64 { return 1 }, "reactor", "r0")
	releaseNew := mr.Gauge("tpc_closeables", func() float64 { return 5 }, "reactor", "r0")
	assert.Contains(t, export(), `tpc_closeables{reactor="r0"} 5`)

	// A stale release leaves the newer source in place.
	releaseOld()
	assert.Contains(t, export(), `tpc_closeables{reactor="r0"} 5`)

	releaseNew()
	assert.Contains(t, export(), `tpc_closeables{reactor="r0"} 0`)
}

func TestMetricName_SortsAndEscapes(t *testing.T) {
	assert.Equal(t, "x", metricName("x", nil))
	assert.Equal(t, `x{a="1",b="q\""}`, metricName("x", []string{"b", `q"`, "a", "1"}))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tpc.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[reactor]
count = 2
entries = 4096
spin = true
affinity = [0, 2]

[log]
level = "debug"

[server]
address = "127.0.0.1:5000"
reuse_port = true
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Reactor.Count)
	assert.Equal(t, uint32(4096), cfg.Reactor.Entries)
	assert.True(t, cfg.Reactor.Spin)
	assert.Equal(t, []int{0, 2}, cfg.Reactor.Affinity)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "127.0.0.1:5000", cfg.Server.Address)
	assert.True(t, cfg.Server.ReusePort)
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[reactor]\nentriez = 1\n"), 0o600))
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reactor.entriez")
}
