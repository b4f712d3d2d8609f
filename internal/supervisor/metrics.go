package supervisor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes supervisor counters on a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	running    prometheus.Gauge
	starts     *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	evictions  prometheus.Counter
	reaped     prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "frpvisor",
			Name:      "tunnels_running",
			Help:      "Number of tunnels currently in the registry.",
		}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frpvisor",
			Name:      "tunnel_starts_total",
			Help:      "Tunnel start attempts by result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "frpvisor",
			Name:      "tunnel_reconnects_total",
			Help:      "Reconnect attempts by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "frpvisor",
			Name:      "tunnel_evictions_total",
			Help:      "Tunnels dropped after exhausting reconnect attempts.",
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "frpvisor",
			Name:      "orphans_reaped_total",
			Help:      "Untracked frpc processes killed by the reaper.",
		}),
	}

	m.registry.MustRegister(
		m.running, m.starts, m.reconnects, m.evictions, m.reaped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) setRunning(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}

func (m *Metrics) startResult(ok bool) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) reconnectResult(ok bool) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) reapedOrphans(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.Add(float64(n))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
