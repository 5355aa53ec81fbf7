package flowqueue

import (
	"sync"

	"github.com/c360/stagegrid/errors"
)

// FanIn merges K producers into one consumer by round-robin reads.
//
// Get reads from the queue under the cursor and advances the cursor even when
// that queue has already finished, so interior ErrEmpty results are normal.
// The aggregate is done only once every producer queue is done and empty.
type FanIn[T any] struct {
	getMu  sync.Mutex
	cursor int
	inputs []*PutOnlyView[T]
}

// NewFanIn creates a fan-in with k producers, each buffered to capacity.
func NewFanIn[T any](k, capacity int, opts ...Option) (*FanIn[T], error) {
	if k <= 0 {
		return nil, errors.WrapInvalid(errors.ErrAPIMisuse, "FanIn", "NewFanIn", "fan-in needs at least one producer")
	}

	o := applyOptions(opts...)
	f := &FanIn[T]{inputs: make([]*PutOnlyView[T], k)}
	for i := range f.inputs {
		q, err := New[T](capacity, o.indexed(i)...)
		if err != nil {
			return nil, err
		}
		f.inputs[i] = PutOnly[T](q)
	}
	return f, nil
}

// Producer returns the put-only view for producer i.
func (f *FanIn[T]) Producer(i int) Queue[T] {
	return f.inputs[i]
}

// Producers returns the number of producers.
func (f *FanIn[T]) Producers() int {
	return len(f.inputs)
}

// Put is not available on the shared consumer side.
func (f *FanIn[T]) Put(T) error {
	return errors.WrapInvalid(errors.ErrAPIMisuse, "FanIn", "Put", "put on fan-in exit")
}

// Get reads from the producer under the cursor. It returns ErrEmpty
// immediately once the aggregate is done.
func (f *FanIn[T]) Get() (T, error) {
	var zero T
	if f.Done() {
		return zero, ErrEmpty
	}

	f.getMu.Lock()
	source := f.inputs[f.cursor].privileged()
	f.cursor = (f.cursor + 1) % len(f.inputs)
	f.getMu.Unlock()

	item, err := source.Get()
	if err != nil {
		return zero, err
	}
	return item, nil
}

// SetDone marks every producer queue done.
func (f *FanIn[T]) SetDone() {
	for _, in := range f.inputs {
		in.SetDone()
	}
}

// Done reports whether every producer queue is done and drained.
func (f *FanIn[T]) Done() bool {
	for _, in := range f.inputs {
		if !in.Done() || in.Size() > 0 {
			return false
		}
	}
	return true
}

// Size returns the total number of items buffered across producers.
func (f *FanIn[T]) Size() int {
	n := 0
	for _, in := range f.inputs {
		n += in.Size()
	}
	return n
}

// Capacity returns the summed capacity of all producer queues.
func (f *FanIn[T]) Capacity() int {
	n := 0
	for _, in := range f.inputs {
		n += in.Capacity()
	}
	return n
}

// WouldBlockOnGet reports whether the next Get would block.
func (f *FanIn[T]) WouldBlockOnGet() bool {
	if f.Done() {
		return false
	}
	f.getMu.Lock()
	defer f.getMu.Unlock()
	return f.inputs[f.cursor].privileged().WouldBlockOnGet()
}

func (f *FanIn[T]) WouldBlockOnPut() bool { return false }
