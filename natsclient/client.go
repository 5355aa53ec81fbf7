// Package natsclient manages the NATS connection used by the control plane:
// connect with a circuit breaker, push subscriptions with bounded drain, and
// JetStream key-value buckets for run-scoped naming.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = errors.ErrCircuitOpen
)

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*Subscription

	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	metrics *metric.Metrics

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           &defaultLogger{},
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	if m.metrics == nil {
		return
	}
	switch status {
	case StatusConnected:
		m.metrics.NATSConnected.Set(1)
		m.metrics.NATSCircuitBreaker.Set(0)
	case StatusCircuitOpen:
		m.metrics.NATSConnected.Set(0)
		m.metrics.NATSCircuitBreaker.Set(1)
	default:
		m.metrics.NATSConnected.Set(0)
	}
}

// IsHealthy returns true if the connection is usable
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the current failure count
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// Backoff returns the current circuit backoff
func (m *Client) Backoff() time.Duration {
	return m.backoff.Load().(time.Duration)
}

// DrainTimeout returns the bound applied when draining subscriptions and the connection.
func (m *Client) DrainTimeout() time.Duration {
	return m.drainTimeout
}

func (m *Client) recordFailure() {
	total := m.failures.Add(1)
	circuitFailures := m.circuitFailures.Add(1)
	m.logger.Debugf("Recorded failure %d (circuit failures: %d)", total, circuitFailures)

	if circuitFailures < m.circuitThreshold {
		return
	}

	current := m.Backoff()
	next := current * 2
	if next > m.maxBackoff {
		next = m.maxBackoff
	}
	m.backoff.Store(next)
	m.circuitFailures.Store(0)

	if m.Status() != StatusCircuitOpen {
		m.setStatus(StatusCircuitOpen)
		m.logger.Printf("Circuit breaker opened after %d failures, backing off for %v", circuitFailures, current)
		time.AfterFunc(current, m.halfOpen)
	}
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	if m.Status() == StatusCircuitOpen {
		m.setStatus(StatusDisconnected)
	}
}

func (m *Client) halfOpen() {
	if m.Status() == StatusCircuitOpen {
		m.logger.Debugf("Circuit breaker half-open, next connect attempt allowed")
		m.setStatus(StatusDisconnected)
	}
}

func (m *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(func(*nats.Conn) { m.setStatus(StatusDisconnected) }),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			m.logger.Errorf("NATS error: %v", err)
		}),
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	return opts
}

// Connect establishes the connection to the NATS server
func (m *Client) Connect(ctx context.Context) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	m.setStatus(StatusConnecting)
	m.logger.Printf("Connecting to NATS at %s", m.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.connectionOptions()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			m.recordFailure()
			if m.Status() == StatusCircuitOpen {
				return ErrCircuitOpen
			}
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}

		js, err := jetstream.New(r.conn)
		if err != nil {
			r.conn.Close()
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "initialise jetstream")
		}

		m.mu.Lock()
		m.conn = r.conn
		m.js = js
		m.mu.Unlock()
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		// a late successful dial must not leak
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Printf("Connected to NATS at %s", m.url)
	return nil
}

// Close drains subscriptions and the connection within the drain timeout or
// the context deadline, whichever is sooner. Safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil
	}
	m.closed.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	m.subs = nil

	if m.conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		conn := m.conn
		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case err := <-drained:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
		}

		conn.Close()
		m.conn = nil
		m.js = nil
	}

	m.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

// Publish sends data on subject.
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Subscribe registers a push handler on subject. Messages are delivered on
// the library's dispatch goroutine for this subscription, in order.
func (m *Client) Subscribe(subject string, handler func(data []byte)) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe to "+subject)
	}

	s := &Subscription{sub: sub}
	m.subs = append(m.subs, s)
	return s, nil
}

// Flush waits until the server has processed everything published so far.
func (m *Client) Flush(ctx context.Context) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// JetStream returns the JetStream context
func (m *Client) JetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil {
		return nil, ErrNotConnected
	}
	return m.js, nil
}

// CreateKeyValueBucket creates a KV bucket or returns the existing one
func (m *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}

	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			// another node created it first
			bucket, err = js.KeyValue(ctx, cfg.Bucket)
			if err == nil {
				return bucket, nil
			}
		}
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}

	m.logger.Printf("Created KV bucket: %s", cfg.Bucket)
	return bucket, nil
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)
	if err != nil {
		m.logger.Errorf("Disconnected from NATS: %v", err)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	if m.metrics != nil {
		m.metrics.NATSReconnects.Inc()
	}
	m.logger.Printf("Reconnected to NATS")
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) {
		return true
	}
	return strings.Contains(err.Error(), "already in use") || strings.Contains(err.Error(), "already exists")
}

// Subscription is a push subscription owned by a Client.
type Subscription struct {
	sub *nats.Subscription
}

// Subject returns the subscribed subject.
func (s *Subscription) Subject() string {
	return s.sub.Subject
}

// Unsubscribe removes the subscription immediately.
func (s *Subscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Drain stops new deliveries and waits up to timeout for in-flight messages
// to be handled.
func (s *Subscription) Drain(timeout time.Duration) error {
	if err := s.sub.Drain(); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for s.sub.IsValid() {
		if time.Now().After(deadline) {
			_ = s.sub.Unsubscribe()
			return fmt.Errorf("drain %s: timeout after %v", s.sub.Subject, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
