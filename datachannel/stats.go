package datachannel

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/stagegrid/metric"
	"github.com/c360/stagegrid/pkg/retry"
)

// Stats describes one endpoint's traffic.
type Stats struct {
	Frames  int64
	Bytes   int64
	Elapsed time.Duration
}

type counters struct {
	frames  atomic.Int64
	bytes   atomic.Int64
	elapsed atomic.Int64
}

func (c *counters) frame(n int) {
	c.frames.Add(1)
	c.bytes.Add(int64(n))
}

func (c *counters) snapshot() Stats {
	return Stats{
		Frames:  c.frames.Load(),
		Bytes:   c.bytes.Load(),
		Elapsed: time.Duration(c.elapsed.Load()),
	}
}

type endpointMetrics struct {
	frames prometheus.Counter
	bytes  prometheus.Counter
}

func newEndpointMetrics(registry *metric.MetricsRegistry, name, direction string) *endpointMetrics {
	labels := prometheus.Labels{"channel": name, "direction": direction}
	m := &endpointMetrics{
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagegrid", Subsystem: "datachannel", Name: "frames_total",
			ConstLabels: labels, Help: "Data frames moved",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagegrid", Subsystem: "datachannel", Name: "bytes_total",
			ConstLabels: labels, Help: "Data bytes moved",
		}),
	}
	service := "datachannel_" + direction + "_" + name
	if registry.RegisterCounter(service, "frames", m.frames) != nil ||
		registry.RegisterCounter(service, "bytes", m.bytes) != nil {
		return nil
	}
	return m
}

func (m *endpointMetrics) frame(n int) {
	if m == nil {
		return
	}
	m.frames.Inc()
	m.bytes.Add(float64(n))
}

type options struct {
	logger       *slog.Logger
	registry     *metric.MetricsRegistry
	name         string
	dialRetry    retry.Config
	writeTimeout time.Duration
	sendRate     rate.Limit

	// zero derives the bound from the dial retry deadline
	acceptTimeout time.Duration
}

// DefaultAcceptTimeout bounds a Reader's wait for its writer when the dial
// retry policy has no deadline.
const DefaultAcceptTimeout = 60 * time.Second

// Option configures a Reader or Writer.
type Option func(*options)

// WithLogger sets the endpoint logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records frames and bytes under name.
func WithMetrics(registry *metric.MetricsRegistry, name string) Option {
	return func(o *options) {
		o.registry = registry
		o.name = name
	}
}

// WithDialRetry sets the Writer's connect retry policy.
func WithDialRetry(cfg retry.Config) Option {
	return func(o *options) { o.dialRetry = cfg }
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithAcceptTimeout bounds how long a Reader waits for its writer to
// connect. Expiry ends the stream like a receive failure.
func WithAcceptTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.acceptTimeout = d
		}
	}
}

// WithSendRate caps a Writer at perSecond items per second. Zero or less
// leaves it unlimited.
func WithSendRate(perSecond float64) Option {
	return func(o *options) {
		if perSecond > 0 {
			o.sendRate = rate.Limit(perSecond)
		}
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger:       slog.Default(),
		dialRetry:    retry.Within(30 * time.Second),
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.acceptTimeout == 0 {
		o.acceptTimeout = DefaultAcceptTimeout
		if o.dialRetry.Deadline > 0 {
			// the writer may start dialing a little after the reader
			o.acceptTimeout = 2 * o.dialRetry.Deadline
		}
	}
	return o
}

func (o *options) metrics(direction string) *endpointMetrics {
	if o.registry == nil || o.name == "" {
		return nil
	}
	return newEndpointMetrics(o.registry, o.name, direction)
}
