package flowqueue

import (
	"github.com/c360/stagegrid/errors"
)

// GetOnlyView exposes only the consuming side of a queue.
type GetOnlyView[T any] struct {
	q Queue[T]
}

// GetOnly wraps q so that Put fails with errors.ErrAPIMisuse.
func GetOnly[T any](q Queue[T]) *GetOnlyView[T] {
	return &GetOnlyView[T]{q: q}
}

// Put always fails.
func (v *GetOnlyView[T]) Put(T) error {
	return errors.WrapInvalid(errors.ErrAPIMisuse, "GetOnlyView", "Put", "put on get-only queue")
}

func (v *GetOnlyView[T]) Get() (T, error)       { return v.q.Get() }
func (v *GetOnlyView[T]) SetDone()              { v.q.SetDone() }
func (v *GetOnlyView[T]) Done() bool            { return v.q.Done() }
func (v *GetOnlyView[T]) Size() int             { return v.q.Size() }
func (v *GetOnlyView[T]) Capacity() int         { return v.q.Capacity() }
func (v *GetOnlyView[T]) WouldBlockOnGet() bool { return v.q.WouldBlockOnGet() }
func (v *GetOnlyView[T]) WouldBlockOnPut() bool { return false }

// privileged lets the owning container reach the restricted direction.
func (v *GetOnlyView[T]) privileged() Queue[T] { return v.q }

// PutOnlyView exposes only the producing side of a queue.
type PutOnlyView[T any] struct {
	q Queue[T]
}

// PutOnly wraps q so that Get fails with errors.ErrAPIMisuse.
func PutOnly[T any](q Queue[T]) *PutOnlyView[T] {
	return &PutOnlyView[T]{q: q}
}

// Get always fails.
func (v *PutOnlyView[T]) Get() (T, error) {
	var zero T
	return zero, errors.WrapInvalid(errors.ErrAPIMisuse, "PutOnlyView", "Get", "get on put-only queue")
}

func (v *PutOnlyView[T]) Put(item T) error      { return v.q.Put(item) }
func (v *PutOnlyView[T]) SetDone()              { v.q.SetDone() }
func (v *PutOnlyView[T]) Done() bool            { return v.q.Done() }
func (v *PutOnlyView[T]) Size() int             { return v.q.Size() }
func (v *PutOnlyView[T]) Capacity() int         { return v.q.Capacity() }
func (v *PutOnlyView[T]) WouldBlockOnGet() bool { return false }
func (v *PutOnlyView[T]) WouldBlockOnPut() bool { return v.q.WouldBlockOnPut() }

func (v *PutOnlyView[T]) privileged() Queue[T] { return v.q }
