package flowqueue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/stagegrid/metric"
)

type queueMetrics struct {
	puts prometheus.Counter
	gets prometheus.Counter
	size prometheus.Gauge
	done prometheus.Gauge
}

func newQueueMetrics(registry *metric.MetricsRegistry, prefix string) (*queueMetrics, error) {
	labels := prometheus.Labels{"queue": prefix}
	m := &queueMetrics{
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "stagegrid",
			Subsystem:   "queue",
			Name:        "puts_total",
			ConstLabels: labels,
			Help:        "Items put into the queue",
		}),
		gets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "stagegrid",
			Subsystem:   "queue",
			Name:        "gets_total",
			ConstLabels: labels,
			Help:        "Items taken from the queue",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "stagegrid",
			Subsystem:   "queue",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Items currently stored",
		}),
		done: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "stagegrid",
			Subsystem:   "queue",
			Name:        "done",
			ConstLabels: labels,
			Help:        "1 once the queue has been marked done",
		}),
	}

	if err := registry.RegisterCounter(prefix, "queue_puts", m.puts); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "queue_gets", m.gets); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "queue_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "queue_done", m.done); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *queueMetrics) recordPut(size int) {
	m.puts.Inc()
	m.size.Set(float64(size))
}

func (m *queueMetrics) recordGet(size int) {
	m.gets.Inc()
	m.size.Set(float64(size))
}
