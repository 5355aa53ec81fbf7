package datachannel

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/flowqueue"
	"github.com/c360/stagegrid/pkg/retry"
)

// Writer drains one queue into one outbound endpoint.
type Writer[T any] struct {
	url          string
	in           flowqueue.Queue[T]
	codec        Codec[T]
	logger       *slog.Logger
	metrics      *endpointMetrics
	dialRetry    retry.Config
	writeTimeout time.Duration
	limiter      *rate.Limiter
	stats        counters
}

// URL returns the websocket URL for path on a peer's data server address.
func URL(address, path string) string {
	return "ws://" + address + path
}

// NewWriter creates a writer that sends the items of in to url.
func NewWriter[T any](url string, in flowqueue.Queue[T], codec Codec[T], opts ...Option) *Writer[T] {
	o := applyOptions(opts)
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	var limiter *rate.Limiter
	if o.sendRate > 0 {
		limiter = rate.NewLimiter(o.sendRate, 1)
	}
	return &Writer[T]{
		url:          url,
		in:           in,
		codec:        codec,
		logger:       o.logger.With("component", "datachannel", "url", url),
		metrics:      o.metrics("out"),
		dialRetry:    o.dialRetry,
		writeTimeout: o.writeTimeout,
		limiter:      limiter,
	}
}

// Stats returns the frames and bytes sent so far.
func (w *Writer[T]) Stats() Stats { return w.stats.snapshot() }

// Run connects to the peer and sends every item of the input queue followed
// by the end-of-stream frame. When the connection cannot be established or
// breaks, the remaining input is discarded so upstream producers finish.
func (w *Writer[T]) Run(ctx context.Context) error {
	conn, err := w.dial(ctx)
	if err != nil {
		w.discard()
		return errors.WrapTransient(err, "Writer", "Run", "connect "+w.url)
	}

	start := time.Now()
	defer func() { w.stats.elapsed.Store(int64(time.Since(start))) }()

	stop := closeOnCancel(ctx, conn)
	defer stop()

	var readErr error
	for {
		item, err := w.in.Get()
		if err != nil {
			if flowqueue.Failed(err) {
				readErr = err
				break
			}
			if flowqueue.Drained(w.in, err) {
				break
			}
			continue
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				w.discard()
				return errors.WrapTransient(err, "Writer", "Run", "wait for send rate")
			}
		}
		frame, err := encodeFrame(w.codec, item)
		if err != nil {
			w.discard()
			return errors.WrapInvalid(err, "Writer", "Run", "encode item")
		}
		if err := w.send(conn, frame); err != nil {
			w.discard()
			return errors.WrapTransient(err, "Writer", "Run", "send frame")
		}
	}

	if err := w.send(conn, []byte{flagEnd}); err != nil {
		return errors.WrapTransient(err, "Writer", "Run", "send end of stream")
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if readErr != nil {
		return errors.WrapInvalid(readErr, "Writer", "Run", "read input queue")
	}

	w.logger.Debug("Data stream sent", "frames", w.stats.frames.Load(), "bytes", w.stats.bytes.Load())
	return nil
}

func (w *Writer[T]) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	return retry.DoWithResult(ctx, w.dialRetry, func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, w.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			// another writer owns the endpoint
			if resp != nil && resp.StatusCode == http.StatusConflict {
				return nil, retry.NonRetryable(err)
			}
			return nil, err
		}
		return conn, nil
	})
}

func (w *Writer[T]) send(conn *websocket.Conn, frame []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	w.stats.frame(len(frame))
	w.metrics.frame(len(frame))
	return nil
}

func (w *Writer[T]) discard() {
	dropped := 0
	for {
		_, err := w.in.Get()
		if err != nil {
			if flowqueue.Failed(err) {
				w.logger.Warn("Stopped discarding input", "error", err)
				break
			}
			if flowqueue.Drained(w.in, err) {
				break
			}
			continue
		}
		dropped++
	}
	if dropped > 0 {
		w.logger.Warn("Discarded undelivered items", "count", dropped)
	}
}
