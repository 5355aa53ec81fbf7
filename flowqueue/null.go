package flowqueue

// Null discards every put and is always empty and done.
type Null[T any] struct{}

// NewNull returns a null queue.
func NewNull[T any]() Null[T] { return Null[T]{} }

func (Null[T]) Put(T) error { return nil }

func (Null[T]) Get() (T, error) {
	var zero T
	return zero, ErrEmpty
}

func (Null[T]) SetDone()              {}
func (Null[T]) Done() bool            { return true }
func (Null[T]) Size() int             { return 0 }
func (Null[T]) Capacity() int         { return 0 }
func (Null[T]) WouldBlockOnGet() bool { return false }
func (Null[T]) WouldBlockOnPut() bool { return false }
