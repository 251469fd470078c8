// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics for reactors and sockets, exported in Prometheus text format.

package control

import (
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// MetricsRegistry holds counters and gauges keyed by name and labels.
type MetricsRegistry struct {
	set    *metrics.Set
	gauges *xsync.MapOf[string, *gaugeSource]
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		set:    metrics.NewSet(),
		gauges: xsync.NewMapOf[string, *gaugeSource](),
	}
}

// gaugeSource is the replaceable value source behind one gauge; the
// exported gauge reads 0 while detached.
type gaugeSource struct {
	f atomic.Pointer[func() float64]
}

func (g *gaugeSource) value() float64 {
	if f := g.f.Load(); f != nil {
		return (*f)()
	}
	return 0
}

var (
	defaultOnce     sync.Once
	defaultRegistry *MetricsRegistry
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *MetricsRegistry {
	defaultOnce.Do(func() { defaultRegistry = NewMetricsRegistry() })
	return defaultRegistry
}

// Counter returns the counter for name and label pairs, creating it on first use.
func (mr *MetricsRegistry) Counter(name string, labels ...string) *metrics.Counter {
	return mr.set.GetOrCreateCounter(metricName(name, labels))
}

// Gauge makes f the value source of a gauge, replacing the source of an
// earlier registration under the same name and labels. The returned func
// detaches f and does nothing once a later registration took over.
func (mr *MetricsRegistry) Gauge(name string, f func() float64, labels ...string) (release func()) {
	full := metricName(name, labels)
	src, _ := mr.gauges.LoadOrCompute(full, func() *gaugeSource { return &gaugeSource{} })
	p := &f
	src.f.Store(p)
	mr.set.GetOrCreateGauge(full, src.value)
	return func() { src.f.CompareAndSwap(p, nil) }
}

// WritePrometheus writes every metric in Prometheus text exposition format.
func (mr *MetricsRegistry) WritePrometheus(w io.Writer) {
	mr.set.WritePrometheus(w)
}

// metricName renders name{k1="v1",k2="v2"} with keys sorted.
func metricName(name string, labels []string) string {
	if len(labels) < 2 {
		return name
	}
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, labels[i]+`="`+escapeLabel(labels[i+1])+`"`)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func escapeLabel(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
}
