package flowqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/metric"
)

func TestSimple_FIFOAndCapacityUnderConcurrency(t *testing.T) {
	const capacity = 4
	const n = 2000

	q := MustNew[int](capacity)

	var maxSeen atomic.Int64
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if s := int64(q.Size()); s > maxSeen.Load() {
					maxSeen.Store(s)
				}
			}
		}
	}()

	go func() {
		for i := 0; i < n; i++ {
			assert.NoError(t, q.Put(i))
		}
		q.SetDone()
	}()

	var got []int
	for {
		v, err := q.Get()
		if err != nil {
			require.ErrorIs(t, err, ErrEmpty)
			break
		}
		got = append(got, v)
	}
	close(stop)

	require.Len(t, got, n)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.LessOrEqual(t, maxSeen.Load(), int64(capacity))
	assert.LessOrEqual(t, q.Stats().MaxSize(), int64(capacity))
	assert.Equal(t, int64(n), q.Stats().Puts())
	assert.Equal(t, int64(n), q.Stats().Gets())
}

func TestSimple_PutBlocksWhileFull(t *testing.T) {
	q := MustNew[string](1)
	require.NoError(t, q.Put("a"))
	assert.True(t, q.WouldBlockOnPut())

	put := make(chan struct{})
	go func() {
		_ = q.Put("b")
		close(put)
	}()

	select {
	case <-put:
		t.Fatal("put returned while queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := q.Get()
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	select {
	case <-put:
	case <-time.After(time.Second):
		t.Fatal("put did not resume after get")
	}
	assert.Equal(t, 1, q.Size())
}

func TestSimple_SetDoneUnblocksAllGetters(t *testing.T) {
	q := MustNew[int](4)
	assert.True(t, q.WouldBlockOnGet())

	const waiters = 3
	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, err := q.Get()
			results <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.SetDone()

	for i := 0; i < waiters; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, ErrEmpty)
		case <-time.After(time.Second):
			t.Fatal("getter still blocked after SetDone")
		}
	}
	assert.False(t, q.WouldBlockOnGet())
}

func TestSimple_DrainsStoredItemsAfterDone(t *testing.T) {
	q := MustNew[int](3)
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Put(i))
	}
	q.SetDone()
	q.SetDone()
	assert.True(t, q.Done())

	for i := 1; i <= 3; i++ {
		v, err := q.Get()
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	start := time.Now()
	_, err := q.Get()
	assert.ErrorIs(t, err, ErrEmpty)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, Drained[int](q, err))
}

func TestSimple_PutAfterDone(t *testing.T) {
	q := MustNew[int](1)
	q.SetDone()

	err := q.Put(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueDone)
	assert.Equal(t, 0, q.Size())
}

func TestSimple_MinimumCapacity(t *testing.T) {
	q := MustNew[int](0)
	assert.Equal(t, 1, q.Capacity())
}

func TestViews_RejectRestrictedDirection(t *testing.T) {
	q := MustNew[int](2)

	in := PutOnly[int](q)
	out := GetOnly[int](q)

	require.NoError(t, in.Put(7))
	_, err := in.Get()
	assert.ErrorIs(t, err, errors.ErrAPIMisuse)

	err = out.Put(8)
	assert.ErrorIs(t, err, errors.ErrAPIMisuse)
	assert.True(t, errors.IsInvalid(err))

	v, err := out.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	require.NoError(t, out.privileged().Put(9))
	assert.Equal(t, 1, in.Size())
}

func TestFailed(t *testing.T) {
	q := MustNew[int](1)
	q.SetDone()
	_, err := q.Get()
	assert.False(t, Failed(err))
	assert.True(t, Drained(q, err))

	_, err = PutOnly[int](q).Get()
	assert.True(t, Failed(err))
	assert.False(t, Failed(nil))
}

func TestNull(t *testing.T) {
	var q Queue[string] = NewNull[string]()

	require.NoError(t, q.Put("discarded"))
	_, err := q.Get()
	assert.ErrorIs(t, err, ErrEmpty)
	assert.True(t, q.Done())
	assert.False(t, q.WouldBlockOnGet())
	assert.False(t, q.WouldBlockOnPut())
	assert.Equal(t, 0, q.Size())
}

func TestWithMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()

	q, err := New[int](2, WithMetrics(registry, "encode_in"))
	require.NoError(t, err)
	require.NoError(t, q.Put(1))
	_, err = q.Get()
	require.NoError(t, err)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["stagegrid_queue_puts_total"])
	assert.True(t, names["stagegrid_queue_gets_total"])

	_, err = New[int](2, WithMetrics(registry, "encode_in"))
	assert.Error(t, err)
}

func TestMultiDone_RequiresAllProducers(t *testing.T) {
	m := NewMultiDone[int](MustNew[int](4), 3)

	m.SetDone()
	assert.False(t, m.Done())
	m.SetDone()
	assert.False(t, m.Done())
	assert.Equal(t, 1, m.Pending())

	m.SetDone()
	assert.True(t, m.Done())
	assert.Equal(t, 0, m.Pending())
}

func TestMultiDone_ProducerHandlesAreIdempotent(t *testing.T) {
	m := NewMultiDone[int](MustNew[int](8), 3)

	p0, p1, p2 := m.Producer(), m.Producer(), m.Producer()
	require.NoError(t, p0.Put(1))

	p0.SetDone()
	p0.SetDone()
	p1.SetDone()
	assert.False(t, m.Done())

	p2.SetDone()
	assert.True(t, m.Done())

	v, err := m.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	_, err = m.Get()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMultiDone_ConcurrentProducers(t *testing.T) {
	const producers = 3
	const perProducer = 50

	m := NewMultiDone[int](MustNew[int](4), producers)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(h Queue[int]) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, h.Put(i))
			}
			h.SetDone()
		}(m.Producer())
	}

	count := 0
	for {
		_, err := m.Get()
		if err != nil {
			break
		}
		count++
	}
	wg.Wait()
	assert.Equal(t, producers*perProducer, count)
}
