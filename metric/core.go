package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the run-level metrics shared by every process role.
type Metrics struct {
	// Control plane
	ControlFrames *prometheus.CounterVec
	ControlErrors *prometheus.CounterVec

	// Orchestrator
	RunState          prometheus.Gauge
	NodesRegistered   *prometheus.GaugeVec
	ComponentsStarted prometheus.Gauge
	ComponentsDone    prometheus.Gauge

	// NATS
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ControlFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stagegrid",
				Subsystem: "control",
				Name:      "frames_total",
				Help:      "Control frames by opcode and direction",
			},
			[]string{"opcode", "direction"},
		),

		ControlErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stagegrid",
				Subsystem: "control",
				Name:      "errors_total",
				Help:      "Control channel failures by operation",
			},
			[]string{"operation"},
		),

		RunState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stagegrid",
				Subsystem: "orchestrator",
				Name:      "state",
				Help:      "Run state (0=collecting-registrations, 1=deploying, 2=running, 3=collecting-statistics, 4=done, 5=failed)",
			},
		),

		NodesRegistered: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "stagegrid",
				Subsystem: "orchestrator",
				Name:      "nodes_registered",
				Help:      "Registered nodes per stage kind",
			},
			[]string{"kind"},
		),

		ComponentsStarted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stagegrid",
				Subsystem: "orchestrator",
				Name:      "components_started",
				Help:      "Stage instances started",
			},
		),

		ComponentsDone: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stagegrid",
				Subsystem: "orchestrator",
				Name:      "components_done",
				Help:      "Stage instances reporting done",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stagegrid",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "stagegrid",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "stagegrid",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ControlFrames,
		m.ControlErrors,
		m.RunState,
		m.NodesRegistered,
		m.ComponentsStarted,
		m.ComponentsDone,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}
