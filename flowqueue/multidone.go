package flowqueue

import (
	"sync"
)

// MultiDone wraps a queue shared by N producers and forwards SetDone to it
// only after N calls.
type MultiDone[T any] struct {
	Queue[T]

	mu        sync.Mutex
	expected  int
	remaining int
}

// NewMultiDone wraps inner, expecting n producers (minimum 1).
func NewMultiDone[T any](inner Queue[T], n int) *MultiDone[T] {
	if n <= 0 {
		n = 1
	}
	return &MultiDone[T]{Queue: inner, expected: n, remaining: n}
}

// SetDone counts one producer as finished.
func (m *MultiDone[T]) SetDone() {
	m.mu.Lock()
	if m.remaining == 0 {
		m.mu.Unlock()
		return
	}
	m.remaining--
	last := m.remaining == 0
	m.mu.Unlock()

	if last {
		m.Queue.SetDone()
	}
}

// Pending returns how many producers have not called SetDone yet.
func (m *MultiDone[T]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Expected returns the producer count given at construction.
func (m *MultiDone[T]) Expected() int {
	return m.expected
}

// Producer returns a put-only handle whose SetDone counts at most once.
func (m *MultiDone[T]) Producer() Queue[T] {
	return &producerHandle[T]{PutOnlyView: PutOnly[T](m.Queue), owner: m}
}

type producerHandle[T any] struct {
	*PutOnlyView[T]
	owner *MultiDone[T]
	once  sync.Once
}

func (p *producerHandle[T]) SetDone() {
	p.once.Do(p.owner.SetDone)
}
