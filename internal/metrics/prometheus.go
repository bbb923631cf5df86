// Package metrics provides Prometheus metrics for the NetWraith runtime.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States lists the runtime states exported by the state gauge.
var States = []string{"uninitialized", "configuring", "settings_applied", "active", "failed", "stopping"}

// Metrics holds all Prometheus metrics of a runtime process.
type Metrics struct {
	// Traffic metrics
	BytesIn   prometheus.Counter
	PacketsIn prometheus.Counter
	BytesOut  prometheus.Counter

	// Runtime metrics
	State           *prometheus.GaugeVec
	SettingsApplies *prometheus.CounterVec
	ProxyUpdates    *prometheus.CounterVec

	// Control channel metrics
	ControlMessages *prometheus.CounterVec

	// System metrics
	Uptime     prometheus.Gauge
	GoRoutines prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Traffic metrics
	m.BytesIn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netwraith_tunnel_bytes_in_total",
			Help: "Total bytes read from the tunnel interface",
		},
	)

	m.PacketsIn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netwraith_tunnel_packets_in_total",
			Help: "Total packets read from the tunnel interface",
		},
	)

	m.BytesOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netwraith_tunnel_bytes_out_total",
			Help: "Total bytes written to the tunnel interface",
		},
	)

	// Runtime metrics
	m.State = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netwraith_runtime_state",
			Help: "Current runtime state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	m.SettingsApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwraith_settings_applies_total",
			Help: "Network settings applications by result",
		},
		[]string{"result"},
	)

	m.ProxyUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwraith_proxy_updates_total",
			Help: "Proxy update requests by result",
		},
		[]string{"result"},
	)

	// Control channel metrics
	m.ControlMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netwraith_control_messages_total",
			Help: "Control messages handled by command and result",
		},
		[]string{"command", "result"},
	)

	// System metrics
	m.Uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netwraith_tunnel_uptime_seconds",
			Help: "Seconds since the tunnel became active",
		},
	)

	m.GoRoutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netwraith_goroutines",
			Help: "Number of goroutines",
		},
	)

	// Register all metrics
	m.registry.MustRegister(
		m.BytesIn,
		m.PacketsIn,
		m.BytesOut,
		m.State,
		m.SettingsApplies,
		m.ProxyUpdates,
		m.ControlMessages,
		m.Uptime,
		m.GoRoutines,
	)

	// Register default Go metrics
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
