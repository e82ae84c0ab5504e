package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the gateway's share of the METRICS opcode (spec.md
// §6.3): per-request-type counters plus a gauge for currently open
// client connections, registered lazily so a Gateway can be built in
// tests without a global registry collision.
type Metrics struct {
	Requests    *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	OpenClients prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlraft",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Client requests handled, by request type.",
		}, []string{"type"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlraft",
			Subsystem: "gateway",
			Name:      "failures_total",
			Help:      "Client requests that resulted in a FAILURE response, by error kind.",
		}, []string{"kind"}),
		OpenClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sqlraft",
			Subsystem: "gateway",
			Name:      "open_clients",
			Help:      "Number of currently connected clients.",
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{m.Requests, m.Failures, m.OpenClients} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
