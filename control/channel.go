// Package control implements the push-based control channel between the
// coordinator and its workers.
//
// Every process elects once per run. The first process to claim the run's
// coordinator name in the naming service becomes the coordinator; every
// other process becomes a worker and learns the coordinator's id. Frames are
// a single opcode byte followed by a JSON envelope:
//
//	REGISTER   (1) worker to coordinator, payload: stage kind
//	REGISTERED (2) coordinator to worker, payload: descriptor.Assignment
//	MESSAGE    (3) either direction, payload: Message
//
// Upcalls are delivered to the Handler on a single dispatcher goroutine, in
// arrival order.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/metric"
	"github.com/c360/stagegrid/pkg/retry"
	"github.com/c360/stagegrid/pkg/worker"
)

// Role is the elected role of a process.
type Role int

// Roles
const (
	RoleUnknown Role = iota
	RoleCoordinator
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleWorker:
		return "worker"
	default:
		return "unknown"
	}
}

// Defaults
const (
	DefaultSubjectPrefix   = "stagegrid"
	DefaultElectionTimeout = 30 * time.Second
	DefaultDrainTimeout    = 5 * time.Second
	dispatchQueueSize      = 1024
)

// Config identifies a process within a run.
type Config struct {
	Run             string
	SubjectPrefix   string
	Self            descriptor.NodeID
	DataAddress     string
	ElectionTimeout time.Duration
	DrainTimeout    time.Duration
}

// Option configures a Channel
type Option func(*Channel)

// WithLogger sets the channel logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records frame counts in the registry's core metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Channel) {
		if registry != nil {
			c.registry = registry
			c.metrics = registry.CoreMetrics()
		}
	}
}

// Channel is one process's end of the control plane.
type Channel struct {
	cfg    Config
	bus    Bus
	names  NameService
	logger *slog.Logger

	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	mu          sync.Mutex
	role        Role
	coordinator descriptor.NodeID
	listening   bool
	registered  bool
	shutdown    bool
	workers     map[descriptor.NodeID]string // outbound port table, coordinator only
	toCoord     string                       // outbound endpoint, worker only
	inbound     []Inbound
	dispatcher  *worker.Pool[[]byte]
	handler     Handler

	// Frames reaching the coordinator subject between the claim and Listen.
	buffering  bool
	pending    [][]byte
	subscribed bool
}

// New creates a channel. Elect must be called before any other operation.
func New(cfg Config, bus Bus, names NameService, opts ...Option) (*Channel, error) {
	if cfg.Run == "" {
		return nil, errors.WrapInvalid(errors.ErrConfiguration, "Channel", "New", "run name required")
	}
	if cfg.Self == "" {
		return nil, errors.WrapInvalid(errors.ErrConfiguration, "Channel", "New", "node id required")
	}
	if bus == nil || names == nil {
		return nil, errors.WrapInvalid(errors.ErrConfiguration, "Channel", "New", "bus and name service required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = DefaultElectionTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	c := &Channel{
		cfg:     cfg,
		bus:     bus,
		names:   names,
		logger:  slog.Default(),
		workers: make(map[descriptor.NodeID]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "control", "node", string(cfg.Self), "run", cfg.Run)
	return c, nil
}

// Self returns this process's node id.
func (c *Channel) Self() descriptor.NodeID { return c.cfg.Self }

// Role returns the elected role, or RoleUnknown before Elect.
func (c *Channel) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// IsCoordinator reports whether this process won the election.
func (c *Channel) IsCoordinator() bool { return c.Role() == RoleCoordinator }

// Coordinator returns the coordinator's node id once elected.
func (c *Channel) Coordinator() descriptor.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordinator
}

func (c *Channel) electionName() string {
	return c.cfg.Run + ".coordinator"
}

func (c *Channel) coordinatorSubject() string {
	return fmt.Sprintf("%s.%s.coordinator", c.cfg.SubjectPrefix, c.cfg.Run)
}

func (c *Channel) nodeSubject(node descriptor.NodeID) string {
	return fmt.Sprintf("%s.%s.node.%s", c.cfg.SubjectPrefix, c.cfg.Run, node)
}

// Elect claims the coordinator name or resolves the winner's id. A loser that
// cannot resolve the winner within the election timeout fails fatally.
func (c *Channel) Elect(ctx context.Context) (Role, error) {
	c.mu.Lock()
	if c.role != RoleUnknown {
		role := c.role
		c.mu.Unlock()
		return role, nil
	}
	c.buffering = true
	c.mu.Unlock()

	// Subscribe before claiming: a worker may resolve the name and register
	// before the coordinator calls Listen.
	early, err := c.bus.Subscribe(c.coordinatorSubject(), c.receive)
	if err != nil {
		c.stopBuffering(nil)
		c.recordError("elect")
		return RoleUnknown, errors.WrapFatal(err, "Channel", "Elect", "subscribe "+c.coordinatorSubject())
	}

	won, err := c.names.Claim(ctx, c.electionName(), c.cfg.Self)
	if err != nil {
		c.stopBuffering(early)
		c.recordError("elect")
		return RoleUnknown, errors.WrapFatal(err, "Channel", "Elect", "claim coordinator name")
	}

	coordinator := c.cfg.Self
	role := RoleCoordinator
	if won {
		c.mu.Lock()
		c.inbound = append(c.inbound, early)
		c.subscribed = true
		c.mu.Unlock()
	} else {
		c.stopBuffering(early)
		role = RoleWorker
		coordinator, err = retry.DoWithResult(ctx, retry.Within(c.cfg.ElectionTimeout),
			func() (descriptor.NodeID, error) {
				return c.names.Resolve(ctx, c.electionName())
			})
		if err != nil {
			c.recordError("elect")
			return RoleUnknown, errors.WrapFatal(
				fmt.Errorf("%w: %w", errors.ErrElectionTimeout, err),
				"Channel", "Elect", "resolve coordinator")
		}
	}

	c.mu.Lock()
	c.role = role
	c.coordinator = coordinator
	c.mu.Unlock()

	c.logger.Info("Election complete", "role", role, "coordinator", string(coordinator))
	return role, nil
}

// stopBuffering discards frames held for a coordinator this process did not
// become, and drains the early subscription.
func (c *Channel) stopBuffering(early Inbound) {
	c.mu.Lock()
	c.buffering = false
	dropped := len(c.pending)
	c.pending = nil
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.Debug("Dropped frames buffered before election", "frames", dropped)
	}
	if early != nil {
		if err := early.Drain(c.cfg.DrainTimeout); err != nil {
			c.logger.Warn("Drain coordinator subscription failed", "error", err)
		}
	}
}

// Listen opens the inbound endpoint for the elected role and starts pushing
// upcalls to h.
func (c *Channel) Listen(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.WrapInvalid(errors.ErrAPIMisuse, "Channel", "Listen", "nil handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.role == RoleUnknown:
		return errors.WrapInvalid(errors.ErrAPIMisuse, "Channel", "Listen", "listen before election")
	case c.shutdown:
		return errors.WrapInvalid(errors.ErrShuttingDown, "Channel", "Listen", "listen after shutdown")
	case c.listening:
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Channel", "Listen", "listen twice")
	}

	subject := c.nodeSubject(c.cfg.Self)
	if c.role == RoleCoordinator {
		subject = c.coordinatorSubject()
	}

	poolOpts := []worker.Option[[]byte]{
		worker.WithErrorHandler[[]byte](func(_ []byte, err error) {
			c.recordError("dispatch")
			c.logger.Warn("Dropped control frame", "error", err)
		}),
	}
	if c.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[[]byte](c.registry, "control_"+string(c.cfg.Self)))
	}
	c.handler = h
	dispatcher := worker.NewPool(1, dispatchQueueSize+len(c.pending), c.dispatch, poolOpts...)
	if err := dispatcher.Start(context.WithoutCancel(ctx)); err != nil {
		return errors.WrapFatal(err, "Channel", "Listen", "start dispatcher")
	}

	if !c.subscribed {
		sub, err := c.bus.Subscribe(subject, c.receive)
		if err != nil {
			_ = dispatcher.Stop(c.cfg.DrainTimeout)
			c.recordError("listen")
			return errors.WrapFatal(err, "Channel", "Listen", "subscribe "+subject)
		}
		c.inbound = append(c.inbound, sub)
		c.subscribed = true
	}

	// Buffered frames go first. receive blocks on c.mu until they are queued.
	for _, frame := range c.pending {
		if err := dispatcher.Submit(frame); err != nil {
			c.recordError("dispatch")
			c.logger.Warn("Dropped buffered control frame", "error", err)
		}
	}
	if n := len(c.pending); n > 0 {
		c.logger.Debug("Replayed frames received before listen", "frames", n)
	}
	c.pending = nil
	c.buffering = false
	c.dispatcher = dispatcher
	c.listening = true

	c.logger.Debug("Listening", "subject", subject, "role", c.role)
	return nil
}

// receive runs on the transport's delivery goroutine.
func (c *Channel) receive(data []byte) {
	frame := make([]byte, len(data))
	copy(frame, data)

	c.mu.Lock()
	d := c.dispatcher
	if d == nil {
		if c.buffering {
			c.pending = append(c.pending, frame)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := d.SubmitWait(context.Background(), frame); err != nil {
		c.logger.Debug("Control frame not dispatched", "error", err)
	}
}

func (c *Channel) dispatch(_ context.Context, data []byte) error {
	op, env, err := decodeFrame(data)
	if err != nil {
		return err
	}
	c.countFrame(op, "in")

	role := c.Role()
	switch op {
	case OpRegister:
		if role != RoleCoordinator {
			return fmt.Errorf("REGISTER from %s received by %s: %w", env.From, role, errors.ErrRoleViolation)
		}
		var kind string
		if err := json.Unmarshal(env.Payload, &kind); err != nil {
			return fmt.Errorf("decode REGISTER payload: %w", err)
		}
		c.handler.Register(env.From, kind, env.Address)

	case OpRegistered:
		if role != RoleWorker {
			return fmt.Errorf("REGISTERED from %s received by %s: %w", env.From, role, errors.ErrRoleViolation)
		}
		var a descriptor.Assignment
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return fmt.Errorf("decode REGISTERED payload: %w", err)
		}
		c.handler.Registered(a)

	case OpMessage:
		var msg Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("decode MESSAGE payload: %w", err)
		}
		c.handler.ManagementMessage(env.From, msg)
	}
	return nil
}

func (c *Channel) requireRole(want Role, method string) error {
	if role := c.Role(); role != want {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s requires %s, have %s", errors.ErrRoleViolation, method, want, role),
			"Channel", method, "role check")
	}
	return nil
}

// ConnectToWorker opens the outbound endpoint to node. Connecting twice is a
// no-op. Coordinator only.
func (c *Channel) ConnectToWorker(node descriptor.NodeID) error {
	if err := c.requireRole(RoleCoordinator, "ConnectToWorker"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Channel", "ConnectToWorker", "connect")
	}
	if _, ok := c.workers[node]; !ok {
		c.workers[node] = c.nodeSubject(node)
	}
	return nil
}

func (c *Channel) workerSubject(node descriptor.NodeID, method string) (string, error) {
	if err := c.ConnectToWorker(node); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	subject, ok := c.workers[node]
	if !ok {
		return "", errors.WrapInvalid(errors.ErrShuttingDown, "Channel", method, "lookup worker endpoint")
	}
	return subject, nil
}

// RegisterWorker binds node to its assignment by sending REGISTERED.
// Coordinator only.
func (c *Channel) RegisterWorker(ctx context.Context, node descriptor.NodeID, a descriptor.Assignment) error {
	subject, err := c.workerSubject(node, "RegisterWorker")
	if err != nil {
		return err
	}
	if err := c.send(ctx, subject, OpRegistered, a); err != nil {
		return errors.WrapTransient(err, "Channel", "RegisterWorker", "send REGISTERED")
	}
	return nil
}

// SendTo sends a management message to node. Coordinator only.
func (c *Channel) SendTo(ctx context.Context, node descriptor.NodeID, msg Message) error {
	subject, err := c.workerSubject(node, "SendTo")
	if err != nil {
		return err
	}
	if err := c.send(ctx, subject, OpMessage, msg); err != nil {
		return errors.WrapTransient(err, "Channel", "SendTo", "send MESSAGE")
	}
	return nil
}

// Register opens the endpoint to the coordinator and offers to run kind.
// Failure is fatal for the worker. Worker only.
func (c *Channel) Register(ctx context.Context, kind string) error {
	if err := c.requireRole(RoleWorker, "Register"); err != nil {
		return err
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Channel", "Register", "register")
	}
	if c.toCoord == "" {
		c.toCoord = c.coordinatorSubject()
	}
	subject := c.toCoord
	c.mu.Unlock()

	if err := c.send(ctx, subject, OpRegister, kind); err != nil {
		return errors.WrapFatal(err, "Channel", "Register", "send REGISTER")
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	return nil
}

// Send sends a management message to the coordinator. Worker only, and
// only after Register succeeded.
func (c *Channel) Send(ctx context.Context, msg Message) error {
	if err := c.requireRole(RoleWorker, "Send"); err != nil {
		return err
	}
	c.mu.Lock()
	registered, subject := c.registered, c.toCoord
	c.mu.Unlock()
	if !registered {
		return errors.WrapInvalid(errors.ErrNotRegistered, "Channel", "Send", "send before register")
	}
	if err := c.send(ctx, subject, OpMessage, msg); err != nil {
		return errors.WrapTransient(err, "Channel", "Send", "send MESSAGE")
	}
	return nil
}

func (c *Channel) send(ctx context.Context, subject string, op Opcode, payload any) error {
	frame, err := encodeFrame(op, c.cfg.Self, c.cfg.DataAddress, payload)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, subject, frame); err != nil {
		c.recordError(op.String())
		return err
	}
	c.countFrame(op, "out")
	return nil
}

// Shutdown closes every outbound endpoint, drains every inbound endpoint and
// closes the bus. Failures are logged. Calling it twice is a no-op.
func (c *Channel) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	outbound := len(c.workers)
	if c.toCoord != "" {
		outbound++
	}
	c.workers = make(map[descriptor.NodeID]string)
	c.toCoord = ""
	inbound := c.inbound
	c.inbound = nil
	dispatcher := c.dispatcher
	c.mu.Unlock()

	if outbound > 0 {
		if err := c.bus.Flush(ctx); err != nil {
			c.logger.Warn("Flush outbound endpoints failed", "endpoints", outbound, "error", err)
		}
	}
	for _, in := range inbound {
		if err := in.Drain(c.cfg.DrainTimeout); err != nil {
			c.logger.Warn("Drain inbound endpoint failed", "error", err)
		}
	}
	if dispatcher != nil {
		if err := dispatcher.Stop(c.cfg.DrainTimeout); err != nil {
			c.logger.Warn("Stop dispatcher failed", "error", err)
		}
	}
	if err := c.bus.Close(ctx); err != nil {
		c.logger.Warn("Close bus failed", "error", err)
	}
	c.logger.Debug("Control channel shut down", "outbound", outbound, "inbound", len(inbound))
}

func (c *Channel) countFrame(op Opcode, direction string) {
	if c.metrics != nil {
		c.metrics.ControlFrames.WithLabelValues(op.String(), direction).Inc()
	}
}

func (c *Channel) recordError(operation string) {
	if c.metrics != nil {
		c.metrics.ControlErrors.WithLabelValues(operation).Inc()
	}
}
