// Package telemetry exposes Prometheus metrics for the admin core,
// grounded on the warren project's pkg/metrics package (the teacher itself
// never wires a metrics package, only a stray TODO in agent/internal/metrics
// — see DESIGN.md). Unlike warren's package-level globals, metrics here are
// held on a Metrics struct passed through explicitly, matching the
// teacher's general avoidance of package-level mutable state.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge/counter the admin core reports at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedAgents  prometheus.Gauge
	DevicesTotal     *prometheus.GaugeVec
	TasksTotal       *prometheus.CounterVec
	TopologyRevision prometheus.Gauge
	BroadcastAcks    prometheus.Counter
	BroadcastTicks   prometheus.Counter
	WatchdogOfflines prometheus.Counter
}

// New creates and registers every metric on a private registry, so tests
// can construct more than one Metrics without tripping prometheus's
// default-registry duplicate-registration panic.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labscan_connected_agents",
			Help: "Number of agents with a live WebSocket connection.",
		}),
		DevicesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labscan_devices_total",
			Help: "Number of known devices by status.",
		}, []string{"status"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labscan_tasks_total",
			Help: "Total number of tasks by kind and status (dispatched on dispatch, then the terminal status).",
		}, []string{"kind", "status"}),
		TopologyRevision: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "labscan_topology_revision",
			Help: "Current topology revision counter.",
		}),
		BroadcastAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labscan_broadcast_acks_total",
			Help: "Total number of provisioning acks received over UDP.",
		}),
		BroadcastTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labscan_broadcast_ticks_total",
			Help: "Total number of provisioning broadcast frames sent.",
		}),
		WatchdogOfflines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labscan_watchdog_offlines_total",
			Help: "Total number of devices the watchdog marked offline.",
		}),
	}

	reg.MustRegister(
		m.ConnectedAgents,
		m.DevicesTotal,
		m.TasksTotal,
		m.TopologyRevision,
		m.BroadcastAcks,
		m.BroadcastTicks,
		m.WatchdogOfflines,
	)
	return m
}

// Handler returns the HTTP handler serving this Metrics' registry in the
// Prometheus exposition format. Mount at /metrics on the Control Surface.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
