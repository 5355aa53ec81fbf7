// Package orchestrator drives a run from the coordinator: it collects worker
// registrations per stage kind, binds workers to stage descriptors (verifying
// fileset partitions where required), starts every bound stage and polls the
// statistics table until all of them are done.
//
// The orchestrator is the coordinator's control.Handler. Registration
// anomalies, an unknown stage kind or an over-subscribed group, are logged
// with an "EEP" tag and tolerated. Listing failures abort the run.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/stagegrid/control"
	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/metric"
)

// Defaults
const (
	DefaultPollInterval   = time.Second
	DefaultListingTimeout = 60 * time.Second
	DefaultProgressEvery  = 10
)

// Channel is the coordinator side of the control channel.
type Channel interface {
	RegisterWorker(ctx context.Context, node descriptor.NodeID, a descriptor.Assignment) error
	SendTo(ctx context.Context, node descriptor.NodeID, msg control.Message) error
}

// Config tunes the barriers and timeouts.
type Config struct {
	Run            string
	PollInterval   time.Duration
	ListingTimeout time.Duration
	ProgressEvery  int
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics publishes run state in the registry's core metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *Orchestrator) {
		if registry != nil {
			o.metrics = registry.CoreMetrics()
		}
	}
}

// WithStateObserver calls fn on every state transition.
func WithStateObserver(fn func(State)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

type binding struct {
	desc descriptor.StageDescriptor
	node descriptor.NodeID
}

// Orchestrator is the coordinator's run driver.
type Orchestrator struct {
	cfg      Config
	set      *descriptor.Set
	ch       Channel
	logger   *slog.Logger
	metrics  *metric.Metrics
	observer func(State)
	table    *descriptor.StatisticsTable

	mu         sync.Mutex
	state      State
	groups     []*descriptor.StageGroup
	byKind     map[string]*descriptor.StageGroup
	addresses  map[descriptor.NodeID]string
	registered map[descriptor.NodeID]string
	listings   map[descriptor.NodeID]chan descriptor.ListingReply
	bindings   []binding
	started    int
	startedAt  time.Time
}

// New creates an orchestrator for the descriptor set.
func New(cfg Config, set *descriptor.Set, ch Channel, opts ...Option) (*Orchestrator, error) {
	if set == nil || ch == nil {
		return nil, errors.WrapInvalid(errors.ErrConfiguration, "Orchestrator", "New", "descriptor set and channel required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ListingTimeout <= 0 {
		cfg.ListingTimeout = DefaultListingTimeout
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}

	o := &Orchestrator{
		cfg:        cfg,
		set:        set,
		ch:         ch,
		logger:     slog.Default(),
		table:      descriptor.NewStatisticsTable(len(set.Stages)),
		state:      StateCollectingRegistrations,
		groups:     set.Groups(),
		byKind:     make(map[string]*descriptor.StageGroup),
		addresses:  make(map[descriptor.NodeID]string),
		registered: make(map[descriptor.NodeID]string),
		listings:   make(map[descriptor.NodeID]chan descriptor.ListingReply),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator", "run", cfg.Run)
	for _, g := range o.groups {
		o.byKind[g.Kind] = g
	}
	return o, nil
}

// State returns the current run phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.RunState.Set(float64(s))
	}
	if o.observer != nil {
		o.observer(s)
	}
	o.logger.Debug("State", "state", s.String())
}

// Bindings returns the node bound to each statistics slot.
func (o *Orchestrator) Bindings() map[int]descriptor.NodeID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[int]descriptor.NodeID, len(o.bindings))
	for _, b := range o.bindings {
		out[b.desc.Slot] = b.node
	}
	return out
}

// Registrations returns the nodes registered for kind, in registration order.
func (o *Orchestrator) Registrations(kind string) []descriptor.NodeID {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.byKind[kind]; ok {
		return append([]descriptor.NodeID(nil), g.Nodes...)
	}
	return nil
}

// ComponentsStarted returns the number of stage instances started.
func (o *Orchestrator) ComponentsStarted() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// ComponentsDone returns the number of stage instances that reported done.
func (o *Orchestrator) ComponentsDone() int {
	return o.table.DoneCount()
}

// Statistics returns the reported statistics of every slot.
func (o *Orchestrator) Statistics() []descriptor.Statistics {
	return o.table.Snapshot()
}

// Register implements control.Handler.
func (o *Orchestrator) Register(from descriptor.NodeID, kind, address string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	g, ok := o.byKind[kind]
	if !ok {
		o.logger.Warn("EEP: registration for unknown stage kind ignored",
			"node", from.String(), "kind", kind, "error", errors.ErrUnknownStageKind)
		return
	}
	if prev, dup := o.registered[from]; dup {
		o.logger.Warn("EEP: duplicate registration ignored", "node", from.String(), "kind", kind, "registered_as", prev)
		return
	}

	o.registered[from] = kind
	o.addresses[from] = address
	if !g.Add(from) {
		o.logger.Warn("EEP: stage group already full, registration recorded",
			"node", from.String(), "kind", kind, "nodes", len(g.Nodes), "descriptors", len(g.Descriptors),
			"error", errors.ErrGroupFull)
	} else {
		o.logger.Info("Node registered", "node", from.String(), "kind", kind,
			"nodes", len(g.Nodes), "descriptors", len(g.Descriptors))
	}
	if o.metrics != nil {
		o.metrics.NodesRegistered.WithLabelValues(kind).Set(float64(len(g.Nodes)))
	}
}

// Registered implements control.Handler. The coordinator never receives it.
func (o *Orchestrator) Registered(a descriptor.Assignment) {
	o.logger.Warn("EEP: assignment received by coordinator", "stage", a.Descriptor.Name)
}

// ManagementMessage implements control.Handler.
func (o *Orchestrator) ManagementMessage(from descriptor.NodeID, msg control.Message) {
	switch msg.Type {
	case control.MsgListingReply:
		if msg.Listing == nil {
			o.logger.Warn("EEP: empty listing reply", "node", from.String())
			return
		}
		o.mu.Lock()
		waiter, ok := o.listings[from]
		o.mu.Unlock()
		if !ok {
			o.logger.Warn("EEP: unsolicited listing reply", "node", from.String())
			return
		}
		select {
		case waiter <- *msg.Listing:
		default:
			o.logger.Warn("EEP: duplicate listing reply", "node", from.String())
		}

	case control.MsgStatistics:
		if msg.Statistics == nil {
			return
		}
		if bound := o.nodeFor(msg.Statistics.Slot); bound != from {
			o.logger.Warn("EEP: statistics from node not bound to slot",
				"node", from.String(), "slot", msg.Statistics.Slot, "bound", bound.String())
			return
		}
		if !o.table.Update(*msg.Statistics) {
			o.logger.Warn("EEP: statistics for unknown slot", "node", from.String(), "slot", msg.Statistics.Slot)
			return
		}
		if o.metrics != nil {
			o.metrics.ComponentsDone.Set(float64(o.table.DoneCount()))
		}

	default:
		o.logger.Warn("EEP: unexpected management message", "type", string(msg.Type), "node", from.String())
	}
}

// WaitForNodes blocks until every stage group is full. It only returns
// early when ctx ends.
func (o *Orchestrator) WaitForNodes(ctx context.Context) error {
	o.setState(StateCollectingRegistrations)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		missing := o.missingNodes()
		if missing == 0 {
			o.logger.Info("All stage groups full")
			return nil
		}
		if polls%o.cfg.ProgressEvery == 0 {
			o.logger.Info("Waiting for nodes", "missing", missing)
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "Orchestrator", "WaitForNodes", "wait for registrations")
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) missingNodes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	missing := 0
	for _, g := range o.groups {
		if !g.Full() {
			missing += len(g.Descriptors) - len(g.Nodes)
		}
	}
	return missing
}

// Deploy binds nodes to descriptors and sends every bound node its
// assignment.
func (o *Orchestrator) Deploy(ctx context.Context) error {
	o.setState(StateDeploying)

	o.mu.Lock()
	groups := make([]descriptor.StageGroup, len(o.groups))
	for i, g := range o.groups {
		groups[i] = descriptor.StageGroup{
			Kind:        g.Kind,
			Descriptors: g.Descriptors,
			Nodes:       append([]descriptor.NodeID(nil), g.Nodes...),
		}
	}
	o.mu.Unlock()

	var bindings []binding
	for i := range groups {
		g := &groups[i]
		nodes := g.Nodes
		// only the first len(descriptors) registrations are bound
		if len(nodes) > len(g.Descriptors) {
			nodes = nodes[:len(g.Descriptors)]
		}

		if g.RequiresListing() {
			bound, err := o.deployByListing(ctx, g, nodes)
			if err != nil {
				o.setState(StateFailed)
				return err
			}
			bindings = append(bindings, bound...)
			continue
		}
		for j, node := range nodes {
			bindings = append(bindings, binding{desc: g.Descriptors[j], node: node})
		}
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].desc.Slot < bindings[j].desc.Slot })

	o.mu.Lock()
	o.bindings = bindings
	o.mu.Unlock()

	for _, a := range o.assignments(bindings) {
		node := o.nodeFor(a.Descriptor.Slot)
		if err := o.ch.RegisterWorker(ctx, node, a); err != nil {
			o.setState(StateFailed)
			return errors.WrapFatal(err, "Orchestrator", "Deploy", "send assignment to "+node.String())
		}
	}
	o.logger.Info("Deployed", "bound", len(bindings), "descriptors", len(o.set.Stages))
	return nil
}

func (o *Orchestrator) nodeFor(slot int) descriptor.NodeID {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, b := range o.bindings {
		if b.desc.Slot == slot {
			return b.node
		}
	}
	return ""
}

func (o *Orchestrator) deployByListing(ctx context.Context, g *descriptor.StageGroup, nodes []descriptor.NodeID) ([]binding, error) {
	var fs *descriptor.FilesetDescriptor
	for _, d := range g.Descriptors {
		if d.RequiresListing() {
			fs = d.Fileset
			break
		}
	}

	waiters := make(map[descriptor.NodeID]chan descriptor.ListingReply, len(nodes))
	o.mu.Lock()
	for _, node := range nodes {
		waiters[node] = make(chan descriptor.ListingReply, 1)
		o.listings[node] = waiters[node]
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		for _, node := range nodes {
			delete(o.listings, node)
		}
		o.mu.Unlock()
	}()

	for _, node := range nodes {
		if err := o.ch.SendTo(ctx, node, control.ListingRequest(*fs)); err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrListing, err),
				"Orchestrator", "Deploy", "send listing request to "+node.String())
		}
	}

	replies := make([]NodeListing, 0, len(nodes))
	for _, node := range nodes {
		reply, err := o.awaitListing(ctx, node, waiters[node])
		if err != nil {
			return nil, err
		}
		o.logger.Debug("Listing reply", "kind", g.Kind, "node", node.String(), "reply", reply.String())
		replies = append(replies, NodeListing{Node: node, Reply: reply})
	}

	sorted, err := ValidateListing(replies)
	if err != nil {
		return nil, err
	}

	var bound []binding
	if sorted[0].Reply.Stride == 1 {
		// shared storage: any node can take any descriptor
		for i, r := range sorted {
			if i < len(g.Descriptors) {
				bound = append(bound, binding{desc: g.Descriptors[i], node: r.Node})
			}
		}
		return bound, nil
	}
	for _, r := range sorted {
		d, ok := g.ByRank(r.Reply.Start)
		if !ok {
			o.logger.Warn("EEP: no descriptor for rank, node left unbound",
				"kind", g.Kind, "rank", r.Reply.Start, "node", r.Node.String())
			continue
		}
		bound = append(bound, binding{desc: d, node: r.Node})
	}
	return bound, nil
}

func (o *Orchestrator) awaitListing(ctx context.Context, node descriptor.NodeID, waiter <-chan descriptor.ListingReply) (descriptor.ListingReply, error) {
	timer := time.NewTimer(o.cfg.ListingTimeout)
	defer timer.Stop()
	select {
	case reply := <-waiter:
		return reply, nil
	case <-timer.C:
		return descriptor.ListingReply{}, listingError(errors.ErrListingTimeout, "node %s did not reply within %s", node, o.cfg.ListingTimeout)
	case <-ctx.Done():
		return descriptor.ListingReply{}, listingError(ctx.Err(), "waiting for node %s", node)
	}
}

// assignments computes one Assignment per binding. Peers and indices only
// count bound instances.
func (o *Orchestrator) assignments(bindings []binding) []descriptor.Assignment {
	o.mu.Lock()
	addresses := make(map[descriptor.NodeID]string, len(o.addresses))
	for k, v := range o.addresses {
		addresses[k] = v
	}
	o.mu.Unlock()

	bySlot := make(map[int]descriptor.NodeID, len(bindings))
	for _, b := range bindings {
		bySlot[b.desc.Slot] = b.node
	}
	boundSlots := func(slots []int) []int {
		var out []int
		for _, s := range slots {
			if _, ok := bySlot[s]; ok {
				out = append(out, s)
			}
		}
		return out
	}
	peers := func(slots []int) []descriptor.Peer {
		out := make([]descriptor.Peer, 0, len(slots))
		for _, s := range slots {
			out = append(out, descriptor.Peer{Node: bySlot[s], Address: addresses[bySlot[s]], Slot: s})
		}
		return out
	}
	indexOf := func(slots []int, slot int) int {
		for i, s := range slots {
			if s == slot {
				return i
			}
		}
		return -1
	}

	out := make([]descriptor.Assignment, 0, len(bindings))
	for _, b := range bindings {
		a := descriptor.Assignment{Run: o.cfg.Run, Descriptor: b.desc}
		for _, q := range b.desc.Inputs {
			qs := o.set.Queues[q]
			consumers := boundSlots(o.set.Consumers(q))
			a.Inputs = append(a.Inputs, descriptor.QueueBinding{
				Queue: q, Capacity: qs.Capacity, Mode: qs.Mode, Rate: qs.Rate,
				Index: indexOf(consumers, b.desc.Slot),
				Peers: peers(boundSlots(o.set.Producers(q))),
			})
		}
		for _, q := range b.desc.Outputs {
			qs := o.set.Queues[q]
			producers := boundSlots(o.set.Producers(q))
			a.Outputs = append(a.Outputs, descriptor.QueueBinding{
				Queue: q, Capacity: qs.Capacity, Mode: qs.Mode, Rate: qs.Rate,
				Index: indexOf(producers, b.desc.Slot),
				Peers: peers(boundSlots(o.set.Consumers(q))),
			})
		}
		out = append(out, a)
	}
	return out
}

// StartComponents sends the start signal to every bound node.
func (o *Orchestrator) StartComponents(ctx context.Context) error {
	o.setState(StateRunning)

	o.mu.Lock()
	bindings := append([]binding(nil), o.bindings...)
	o.started = len(bindings)
	o.startedAt = time.Now()
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ComponentsStarted.Set(float64(len(bindings)))
	}
	for _, b := range bindings {
		if err := o.ch.SendTo(ctx, b.node, control.StartMessage()); err != nil {
			o.setState(StateFailed)
			return errors.WrapFatal(err, "Orchestrator", "StartComponents", "start "+b.desc.Name)
		}
	}
	o.logger.Info("Components started", "count", len(bindings))
	return nil
}

// WaitForComponents polls the statistics table until every started
// component is done and returns the run report.
func (o *Orchestrator) WaitForComponents(ctx context.Context) (Report, error) {
	o.setState(StateCollectingStatistics)
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	started := o.ComponentsStarted()
	for polls := 1; ; polls++ {
		done := o.table.DoneCount()
		if done >= started {
			break
		}
		if polls%o.cfg.ProgressEvery == 0 {
			o.logger.Info("Waiting for components", "done", done, "started", started)
		}
		select {
		case <-ctx.Done():
			return Report{}, errors.Wrap(ctx.Err(), "Orchestrator", "WaitForComponents", "wait for components")
		case <-ticker.C:
		}
	}

	o.mu.Lock()
	elapsed := time.Since(o.startedAt)
	o.mu.Unlock()

	report := BuildReport(o.table.Snapshot(), o.set.Kinds(), elapsed)
	o.setState(StateDone)
	o.logger.Info("Run complete", "components", started, "elapsed", elapsed.String())
	return report, nil
}

// Run drives the whole sequence: registrations, deployment, start and
// statistics collection.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	if err := o.WaitForNodes(ctx); err != nil {
		o.setState(StateFailed)
		return Report{}, err
	}
	if err := o.Deploy(ctx); err != nil {
		return Report{}, err
	}
	if err := o.StartComponents(ctx); err != nil {
		return Report{}, err
	}
	report, err := o.WaitForComponents(ctx)
	if err != nil {
		o.setState(StateFailed)
		return Report{}, err
	}
	return report, nil
}
