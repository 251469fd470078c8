// File: reactor/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"github.com/VictoriaMetrics/metrics"

	"github.com/momentics/hioload-tpc/control"
)

type reactorMetrics struct {
	tasks            *metrics.Counter
	taskPanics       *metrics.Counter
	completions      *metrics.Counter
	staleCompletions *metrics.Counter
	handlerPanics    *metrics.Counter
	submitted        *metrics.Counter
	sqFull           *metrics.Counter
	wakeups          *metrics.Counter
	accepted         *metrics.Counter
	bytesRead        *metrics.Counter
	bytesWritten     *metrics.Counter
}

func newReactorMetrics(reg *control.MetricsRegistry, name string) *reactorMetrics {
	c := func(metric string) *metrics.Counter {
		return reg.Counter(metric, "reactor", name)
	}
	return &reactorMetrics{
		tasks:            c("tpc_reactor_tasks_total"),
		taskPanics:       c("tpc_reactor_task_panics_total"),
		completions:      c("tpc_reactor_completions_total"),
		staleCompletions: c("tpc_reactor_stale_completions_total"),
		handlerPanics:    c("tpc_reactor_handler_panics_total"),
		submitted:        c("tpc_reactor_submitted_total"),
		sqFull:           c("tpc_reactor_sq_full_total"),
		wakeups:          c("tpc_reactor_wakeups_total"),
		accepted:         c("tpc_socket_accepted_total"),
		bytesRead:        c("tpc_socket_read_bytes_total"),
		bytesWritten:     c("tpc_socket_written_bytes_total"),
	}
}
