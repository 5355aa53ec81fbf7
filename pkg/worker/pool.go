// Package worker provides a generic worker pool. With a single worker it
// serves as an ordered dispatcher that decouples transport callbacks from
// handler code.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/stagegrid/metric"
)

// Pool processes work items of type T on a fixed number of goroutines
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
	onError         func(T, error)
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	processed  *prometheus.CounterVec
	dropped    prometheus.Counter
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithErrorHandler is called for every item whose processor returned an error
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = fn
	}
}

// NewPool creates a pool. It panics on a nil processor.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		p.initializeMetrics()
	}
	return p
}

func (p *Pool[T]) initializeMetrics() {
	labels := prometheus.Labels{"pool": p.metricsPrefix}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stagegrid", Subsystem: "worker_pool", Name: "queue_depth",
			ConstLabels: labels, Help: "Queued work items",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagegrid", Subsystem: "worker_pool", Name: "processed_total",
			ConstLabels: labels, Help: "Processed work items by status",
		}, []string{"status"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagegrid", Subsystem: "worker_pool", Name: "dropped_total",
			ConstLabels: labels, Help: "Work items rejected because the queue was full",
		}),
	}

	// registration failures leave the pool without metrics
	if p.metricsRegistry.RegisterGauge(p.metricsPrefix, "pool_queue_depth", m.queueDepth) != nil ||
		p.metricsRegistry.RegisterCounterVec(p.metricsPrefix, "pool_processed", m.processed) != nil ||
		p.metricsRegistry.RegisterCounter(p.metricsPrefix, "pool_dropped", m.dropped) != nil {
		return
	}
	p.metrics = m
}

// Start launches the workers
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Submit enqueues work without blocking. Returns ErrQueueFull when the queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.acceptingLocked(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.recordSubmit()
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait enqueues work, blocking while the queue is full.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()

	if err := p.acceptingLocked(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.recordSubmit()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) acceptingLocked() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) recordSubmit() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// Stop refuses new work and waits up to timeout for queued items to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			err := p.processor(ctx, work)
			p.processed.Add(1)
			status := "success"
			if err != nil {
				p.failed.Add(1)
				status = "error"
				if p.onError != nil {
					p.onError(work, err)
				}
			}
			if p.metrics != nil {
				p.metrics.processed.WithLabelValues(status).Inc()
				p.metrics.queueDepth.Set(float64(len(p.workChan)))
			}
		}
	}
}
