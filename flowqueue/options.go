package flowqueue

import (
	"github.com/c360/stagegrid/metric"
)

// Option configures a queue.
type Option func(*queueOptions)

type queueOptions struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithMetrics exports queue statistics as Prometheus metrics labelled with
// prefix. A nil registry or empty prefix is ignored.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(o *queueOptions) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

func applyOptions(opts ...Option) *queueOptions {
	o := &queueOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// indexed derives the options for the i-th internal queue of a fan container.
func (o *queueOptions) indexed(i int) []Option {
	if o.metricsReg == nil {
		return nil
	}
	return []Option{WithMetrics(o.metricsReg, indexedPrefix(o.metricsPrefix, i))}
}
