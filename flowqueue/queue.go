package flowqueue

import (
	stderrors "errors"
	"sync"

	"github.com/c360/stagegrid/errors"
)

var (
	// ErrEmpty is the empty result of Get on a queue that is done and drained.
	ErrEmpty = stderrors.New("flowqueue: empty")

	// ErrQueueDone is returned by Put once the queue has been marked done.
	ErrQueueDone = stderrors.New("flowqueue: queue done")
)

// Queue is the contract shared by every queue in the family.
type Queue[T any] interface {
	Put(item T) error
	Get() (T, error)
	SetDone()
	Done() bool
	Size() int
	Capacity() int
	WouldBlockOnGet() bool
	WouldBlockOnPut() bool
}

// Failed reports whether a Get error is something other than the empty
// result. Retrying such a Get cannot succeed.
func Failed(err error) bool {
	return err != nil && !stderrors.Is(err, ErrEmpty)
}

// Drained reports whether err is the empty result and q has finished.
func Drained[T any](q Queue[T], err error) bool {
	return stderrors.Is(err, ErrEmpty) && q.Done()
}

// Simple is a bounded FIFO queue guarded by a single mutex.
type Simple[T any] struct {
	mu       sync.Mutex
	changed  *sync.Cond
	items    []T
	head     int
	size     int
	capacity int
	done     bool

	stats   *Statistics
	metrics *queueMetrics
}

// New creates a simple queue with the given capacity (minimum 1).
// It fails only when metrics registration was requested and failed.
func New[T any](capacity int, opts ...Option) (*Simple[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	o := applyOptions(opts...)

	var metrics *queueMetrics
	if o.metricsReg != nil && o.metricsPrefix != "" {
		var err error
		metrics, err = newQueueMetrics(o.metricsReg, o.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "Simple", "New", "metrics registration")
		}
	}

	q := &Simple[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
	}
	q.changed = sync.NewCond(&q.mu)
	return q, nil
}

// MustNew is New for callers that never request metrics.
func MustNew[T any](capacity int) *Simple[T] {
	q, err := New[T](capacity)
	if err != nil {
		panic(err)
	}
	return q
}

// Put appends item, blocking while the queue is full.
func (q *Simple[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == q.capacity && !q.done {
		q.stats.BlockedPut()
		for q.size == q.capacity && !q.done {
			q.changed.Wait()
		}
	}
	if q.done {
		return errors.WrapInvalid(ErrQueueDone, "Simple", "Put", "put item")
	}

	q.items[(q.head+q.size)%q.capacity] = item
	q.size++

	q.stats.Put(q.size)
	if q.metrics != nil {
		q.metrics.recordPut(q.size)
	}

	q.changed.Broadcast()
	return nil
}

// Get removes the oldest item, blocking while the queue is empty and not done.
func (q *Simple[T]) Get() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T

	if q.size == 0 && !q.done {
		q.stats.BlockedGet()
		for q.size == 0 && !q.done {
			q.changed.Wait()
		}
	}
	if q.size == 0 {
		q.stats.Empty()
		return zero, ErrEmpty
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.size--

	q.stats.Get(q.size)
	if q.metrics != nil {
		q.metrics.recordGet(q.size)
	}

	q.changed.Broadcast()
	return item, nil
}

// SetDone marks the queue done and wakes every waiter. Later calls are no-ops.
func (q *Simple[T]) SetDone() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done {
		return
	}
	q.done = true
	if q.metrics != nil {
		q.metrics.done.Set(1)
	}
	q.changed.Broadcast()
}

// Done reports whether SetDone has been called.
func (q *Simple[T]) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done
}

// Size returns the number of stored items.
func (q *Simple[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Capacity returns the maximum number of stored items.
func (q *Simple[T]) Capacity() int {
	return q.capacity
}

// WouldBlockOnGet reports whether Get would currently block.
func (q *Simple[T]) WouldBlockOnGet() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size == 0 && !q.done
}

// WouldBlockOnPut reports whether Put would currently block.
func (q *Simple[T]) WouldBlockOnPut() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size == q.capacity && !q.done
}

// Stats returns the always-on statistics for this queue.
func (q *Simple[T]) Stats() *Statistics {
	return q.stats
}

var (
	_ Queue[int] = (*Simple[int])(nil)
	_ Queue[int] = (*GetOnlyView[int])(nil)
	_ Queue[int] = (*PutOnlyView[int])(nil)
	_ Queue[int] = (*FanOut[int])(nil)
	_ Queue[int] = (*FanIn[int])(nil)
	_ Queue[int] = (*MultiDone[int])(nil)
	_ Queue[int] = Null[int]{}
)
