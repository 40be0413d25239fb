// Package metrics wires BuildQueue's internal counters to Prometheus
// gauges (SPEC_FULL.md §4.1), grounded on consultant-1379-private-cloud-watch
// (github.com/prometheus/prometheus), an example of a Go system
// instrumented end to end with client_golang. Every Set call here is made
// from code paths that already hold BuildQueue's queue mutex, so
// instrumentation adds no new synchronization of its own.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Queue holds the gauges BuildQueue updates as it runs.
type Queue struct {
	ReadyDepth       prometheus.Gauge
	PendingNodes     prometheus.Gauge
	ExpensiveRunning prometheus.Gauge
	ActiveWorkers    prometheus.Gauge
}

// NewQueue constructs and registers the BuildQueue gauges against reg.
// Pass prometheus.NewRegistry() in tests to avoid polluting the global
// default registry.
func NewQueue(reg prometheus.Registerer) *Queue {
	q := &Queue{
		ReadyDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildcore_queue_ready_depth",
			Help: "Number of nodes currently sitting in the ready ring buffer.",
		}),
		PendingNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildcore_queue_pending_nodes",
			Help: "Number of live nodes not yet in the Completed progress state.",
		}),
		ExpensiveRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildcore_queue_expensive_running",
			Help: "Number of Expensive-flagged nodes currently holding an admission slot.",
		}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildcore_queue_active_workers",
			Help: "Number of worker goroutines currently not blocked waiting for work or throttled out.",
		}),
	}
	reg.MustRegister(q.ReadyDepth, q.PendingNodes, q.ExpensiveRunning, q.ActiveWorkers)
	return q
}

// Noop returns a Queue with unregistered, freestanding gauges — useful
// for callers (and tests) that want the Set calls to be valid no-ops
// without wiring a registry.
func Noop() *Queue {
	return &Queue{
		ReadyDepth:       prometheus.NewGauge(prometheus.GaugeOpts{Name: "ready_depth"}),
		PendingNodes:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "pending_nodes"}),
		ExpensiveRunning: prometheus.NewGauge(prometheus.GaugeOpts{Name: "expensive_running"}),
		ActiveWorkers:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "active_workers"}),
	}
}
