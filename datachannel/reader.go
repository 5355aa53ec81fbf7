package datachannel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/flowqueue"
)

// Reader feeds one queue from one inbound endpoint.
type Reader[T any] struct {
	endpoint *Endpoint
	out      flowqueue.Queue[T]
	codec    Codec[T]
	logger   *slog.Logger
	metrics  *endpointMetrics
	stats    counters
	timeout  time.Duration
}

// NewReader creates a reader for endpoint that puts decoded items on out.
func NewReader[T any](endpoint *Endpoint, out flowqueue.Queue[T], codec Codec[T], opts ...Option) *Reader[T] {
	o := applyOptions(opts)
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	return &Reader[T]{
		endpoint: endpoint,
		out:      out,
		codec:    codec,
		logger:   o.logger.With("component", "datachannel", "endpoint", endpoint.Path()),
		metrics:  o.metrics("in"),
		timeout:  o.acceptTimeout,
	}
}

// Stats returns the frames and bytes received so far.
func (r *Reader[T]) Stats() Stats { return r.stats.snapshot() }

// Run accepts the peer connection and receives until end of stream. The
// output queue is marked done however Run returns. A writer that never
// connects within the accept timeout, or a receive failure, ends the stream
// early with a transient error.
func (r *Reader[T]) Run(ctx context.Context) error {
	defer r.out.SetDone()

	acceptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	conn, err := r.endpoint.Accept(acceptCtx)
	cancel()
	if err != nil {
		r.endpoint.abandon()
		if ctx.Err() == nil {
			r.logger.Warn("Data stream never connected", "timeout", r.timeout)
			err = fmt.Errorf("%w: no writer connected within %s", errors.ErrTransport, r.timeout)
		}
		return errors.WrapTransient(err, "Reader", "Run", "accept connection")
	}

	start := time.Now()
	defer func() { r.stats.elapsed.Store(int64(time.Since(start))) }()

	stop := closeOnCancel(ctx, conn)
	defer stop()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			r.logger.Warn("Data stream ended early", "frames", r.stats.frames.Load(), "error", err)
			return errors.WrapTransient(err, "Reader", "Run", "receive frame")
		}
		r.stats.frame(len(frame))
		r.metrics.frame(len(frame))

		item, more, err := decodeFrame(r.codec, frame)
		if err != nil {
			r.logger.Warn("Dropping data stream", "error", err)
			return errors.WrapTransient(err, "Reader", "Run", "decode frame")
		}
		if !more {
			r.logger.Debug("Data stream complete", "frames", r.stats.frames.Load())
			return nil
		}
		if err := r.out.Put(item); err != nil {
			return errors.Wrap(err, "Reader", "Run", "put item")
		}
	}
}

// closeOnCancel closes conn when ctx ends so blocked reads and writes return.
// The returned func closes conn and stops the watcher.
func closeOnCancel(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-ctx.Done():
			once.Do(func() { _ = conn.Close() })
		case <-done:
		}
	}()
	return func() {
		close(done)
		once.Do(func() { _ = conn.Close() })
	}
}
