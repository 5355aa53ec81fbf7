package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/c360/stagegrid/control"
	"github.com/c360/stagegrid/descriptor"
	sgerrors "github.com/c360/stagegrid/errors"
)

// ErrInjected is returned by operations a test asked the Hub to fail.
var ErrInjected = errors.New("injected failure")

// ErrDrainTimeout is returned when a subscription does not drain in time.
var ErrDrainTimeout = errors.New("drain timeout")

// Hub is an in-memory message bus and naming service.
type Hub struct {
	mu        sync.Mutex
	subs      map[string][]*subscription
	names     map[string]descriptor.NodeID
	published map[string]int
	failPub   map[string]bool
	failClaim bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:      make(map[string][]*subscription),
		names:     make(map[string]descriptor.NodeID),
		published: make(map[string]int),
		failPub:   make(map[string]bool),
	}
}

// Bus returns a new bus endpoint attached to the hub.
func (h *Hub) Bus() *Bus {
	return &Bus{hub: h}
}

// Names returns the hub's naming service.
func (h *Hub) Names() control.NameService {
	return &names{hub: h}
}

// FailPublish makes every publish to subject fail with ErrInjected.
func (h *Hub) FailPublish(subject string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failPub[subject] = true
}

// FailClaims makes every naming-service claim fail with ErrInjected.
func (h *Hub) FailClaims() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failClaim = true
}

// Bind binds name to id directly, as if another process had claimed it.
func (h *Hub) Bind(name string, id descriptor.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.names[name] = id
}

// Published returns the number of messages published to subject.
func (h *Hub) Published(subject string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published[subject]
}

// Subscribers returns the number of live subscriptions on subject.
func (h *Hub) Subscribers(subject string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[subject])
}

func (h *Hub) publish(subject string, data []byte) error {
	h.mu.Lock()
	if h.failPub[subject] {
		h.mu.Unlock()
		return ErrInjected
	}
	h.published[subject]++
	targets := append([]*subscription(nil), h.subs[subject]...)
	h.mu.Unlock()

	for _, s := range targets {
		msg := make([]byte, len(data))
		copy(msg, data)
		s.enqueue(msg)
	}
	return nil
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[s.subject]
	for i, candidate := range list {
		if candidate == s {
			h.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[s.subject]) == 0 {
		delete(h.subs, s.subject)
	}
}

// Bus is one endpoint on a Hub. It implements control.Bus.
type Bus struct {
	hub *Hub

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// Publish delivers data to every subscriber of subject.
func (b *Bus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return sgerrors.ErrNoConnection
	}
	return b.hub.publish(subject, data)
}

// Subscribe registers handler on subject. Messages are delivered in order on
// a dedicated goroutine.
func (b *Bus) Subscribe(subject string, handler func([]byte)) (control.Inbound, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, sgerrors.ErrNoConnection
	}

	s := &subscription{
		hub:     b.hub,
		subject: subject,
		handler: handler,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.deliver()

	b.hub.mu.Lock()
	b.hub.subs[subject] = append(b.hub.subs[subject], s)
	b.hub.mu.Unlock()

	b.subs = append(b.subs, s)
	return s, nil
}

// Flush is a no-op; publishes are enqueued synchronously.
func (b *Bus) Flush(context.Context) error { return nil }

// Close drops every subscription of this endpoint without draining.
func (b *Bus) Close(context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(false)
	}
	return nil
}

type subscription struct {
	hub     *Hub
	subject string
	handler func([]byte)

	mu       sync.Mutex
	cond     *sync.Cond
	pending  [][]byte
	stopping bool
	discard  bool
	done     chan struct{}
	once     sync.Once
}

func (s *subscription) enqueue(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.pending = append(s.pending, msg)
	s.cond.Signal()
}

func (s *subscription) deliver() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.stopping {
			s.cond.Wait()
		}
		if len(s.pending) == 0 || s.discard {
			s.mu.Unlock()
			return
		}
		msg := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.handler(msg)
	}
}

// stop detaches the subscription. When drain is set, messages already
// queued are still delivered.
func (s *subscription) stop(drain bool) {
	s.once.Do(func() {
		s.hub.remove(s)
		s.mu.Lock()
		s.stopping = true
		s.discard = !drain
		s.cond.Broadcast()
		s.mu.Unlock()
	})
}

// Drain stops accepting messages and waits for queued ones to be handled.
func (s *subscription) Drain(timeout time.Duration) error {
	s.stop(true)
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return ErrDrainTimeout
	}
}

type names struct {
	hub *Hub
}

func (n *names) Claim(_ context.Context, name string, id descriptor.NodeID) (bool, error) {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	if n.hub.failClaim {
		return false, ErrInjected
	}
	if _, taken := n.hub.names[name]; taken {
		return false, nil
	}
	n.hub.names[name] = id
	return true, nil
}

func (n *names) Resolve(_ context.Context, name string) (descriptor.NodeID, error) {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	id, ok := n.hub.names[name]
	if !ok {
		return "", sgerrors.ErrKeyNotFound
	}
	return id, nil
}

var (
	_ control.Bus         = (*Bus)(nil)
	_ control.Inbound     = (*subscription)(nil)
	_ control.NameService = (*names)(nil)
)
