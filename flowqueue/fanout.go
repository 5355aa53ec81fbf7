package flowqueue

import (
	"sync"

	"github.com/c360/stagegrid/errors"
)

// FanOut distributes items from one producer across K consumers.
// Item i is delivered to consumer i mod K.
type FanOut[T any] struct {
	putMu   sync.Mutex
	cursor  int
	outputs []*GetOnlyView[T]

	mu   sync.Mutex
	done bool
}

// NewFanOut creates a fan-out with k consumers, each buffered to capacity.
func NewFanOut[T any](k, capacity int, opts ...Option) (*FanOut[T], error) {
	if k <= 0 {
		return nil, errors.WrapInvalid(errors.ErrAPIMisuse, "FanOut", "NewFanOut", "fan-out needs at least one consumer")
	}

	o := applyOptions(opts...)
	f := &FanOut[T]{outputs: make([]*GetOnlyView[T], k)}
	for i := range f.outputs {
		q, err := New[T](capacity, o.indexed(i)...)
		if err != nil {
			return nil, err
		}
		f.outputs[i] = GetOnly[T](q)
	}
	return f, nil
}

// Consumer returns the get-only view for consumer i.
func (f *FanOut[T]) Consumer(i int) Queue[T] {
	return f.outputs[i]
}

// Consumers returns the number of consumers.
func (f *FanOut[T]) Consumers() int {
	return len(f.outputs)
}

// Put forwards item to the consumer under the cursor, then advances the cursor.
// The cursor lock is released before the forward blocks.
func (f *FanOut[T]) Put(item T) error {
	f.putMu.Lock()
	target := f.outputs[f.cursor].privileged()
	f.cursor = (f.cursor + 1) % len(f.outputs)
	f.putMu.Unlock()

	return target.Put(item)
}

// Get is not available on the shared producer side.
func (f *FanOut[T]) Get() (T, error) {
	var zero T
	return zero, errors.WrapInvalid(errors.ErrAPIMisuse, "FanOut", "Get", "get on fan-out entry")
}

// SetDone marks every consumer queue done, then the fan-out itself.
func (f *FanOut[T]) SetDone() {
	for _, out := range f.outputs {
		out.SetDone()
	}
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
}

// Done reports whether SetDone has been called.
func (f *FanOut[T]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Size returns the total number of items buffered across consumers.
func (f *FanOut[T]) Size() int {
	n := 0
	for _, out := range f.outputs {
		n += out.Size()
	}
	return n
}

// Capacity returns the summed capacity of all consumer queues.
func (f *FanOut[T]) Capacity() int {
	n := 0
	for _, out := range f.outputs {
		n += out.Capacity()
	}
	return n
}

func (f *FanOut[T]) WouldBlockOnGet() bool { return false }

// WouldBlockOnPut reports whether the next Put would block. It never waits
// on a Put in progress.
func (f *FanOut[T]) WouldBlockOnPut() bool {
	f.putMu.Lock()
	target := f.outputs[f.cursor].privileged()
	f.putMu.Unlock()
	return target.WouldBlockOnPut()
}
