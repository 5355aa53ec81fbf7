package flowqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stagegrid/errors"
)

func TestFanOut_RoundRobinDelivery(t *testing.T) {
	const k = 3
	const n = 31

	f, err := NewFanOut[int](k, 2)
	require.NoError(t, err)

	received := make([][]int, k)
	var wg sync.WaitGroup
	for c := 0; c < k; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			q := f.Consumer(c)
			for {
				v, err := q.Get()
				if err != nil {
					assert.True(t, Drained(q, err))
					return
				}
				received[c] = append(received[c], v)
			}
		}(c)
	}

	for i := 0; i < n; i++ {
		require.NoError(t, f.Put(i))
	}
	f.SetDone()
	wg.Wait()

	assert.True(t, f.Done())
	total := 0
	for c := 0; c < k; c++ {
		for j, v := range received[c] {
			assert.Equal(t, c+j*k, v, "consumer %d position %d", c, j)
		}
		total += len(received[c])
	}
	assert.Equal(t, n, total)
}

func TestFanOut_Restrictions(t *testing.T) {
	f, err := NewFanOut[int](2, 1)
	require.NoError(t, err)

	_, err = f.Get()
	assert.ErrorIs(t, err, errors.ErrAPIMisuse)
	assert.ErrorIs(t, f.Consumer(0).Put(1), errors.ErrAPIMisuse)

	_, err = NewFanOut[int](0, 1)
	assert.Error(t, err)
}

func TestFanOut_WouldBlockOnPutWhileProducerWaits(t *testing.T) {
	f, err := NewFanOut[int](1, 1)
	require.NoError(t, err)
	require.NoError(t, f.Put(1))

	putDone := make(chan error, 1)
	go func() { putDone <- f.Put(2) }()

	inner := f.outputs[0].q.(*Simple[int])
	require.Eventually(t, func() bool { return inner.Stats().BlockedPuts() == 1 }, time.Second, time.Millisecond)

	answered := make(chan bool, 1)
	go func() { answered <- f.WouldBlockOnPut() }()
	select {
	case full := <-answered:
		assert.True(t, full)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("WouldBlockOnPut waited on a blocked Put")
	}

	v, err := f.Consumer(0).Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, <-putDone)
	f.SetDone()
}

func TestFanOut_SetDonePropagates(t *testing.T) {
	f, err := NewFanOut[int](3, 1)
	require.NoError(t, err)

	require.NoError(t, f.Put(1))
	f.SetDone()

	for c := 0; c < 3; c++ {
		assert.True(t, f.Consumer(c).Done())
	}
	v, err := f.Consumer(0).Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	_, err = f.Consumer(1).Get()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFanIn_DoneOnlyAfterAllProducersFinish(t *testing.T) {
	f, err := NewFanIn[int](2, 8)
	require.NoError(t, err)

	p0, p1 := f.Producer(0), f.Producer(1)

	for i := 0; i < 2; i++ {
		require.NoError(t, p0.Put(i))
	}
	p0.SetDone()

	for i := 0; i < 5; i++ {
		require.NoError(t, p1.Put(100+i))
	}
	assert.False(t, f.Done(), "producer 1 not done yet")

	p1.SetDone()
	assert.False(t, f.Done(), "items still buffered")

	var got []int
	empties := 0
	for !f.Done() {
		v, err := f.Get()
		if err != nil {
			require.ErrorIs(t, err, ErrEmpty)
			empties++
			continue
		}
		got = append(got, v)
	}

	assert.Equal(t, []int{0, 100, 1, 101, 102, 103, 104}, got)
	assert.Len(t, got, 7)
	assert.Greater(t, empties, 0, "producer 0 finished early and yields interior empties")

	_, err = f.Get()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFanIn_StaggeredProducersConcurrent(t *testing.T) {
	f, err := NewFanIn[int](2, 1)
	require.NoError(t, err)

	counts := []int{2, 5}
	var wg sync.WaitGroup
	for p, n := range counts {
		wg.Add(1)
		go func(p, n int) {
			defer wg.Done()
			q := f.Producer(p)
			for i := 0; i < n; i++ {
				assert.NoError(t, q.Put(p*100+i))
				time.Sleep(time.Duration(p+1) * time.Millisecond)
			}
			q.SetDone()
		}(p, n)
	}

	perProducer := map[int][]int{}
	for {
		v, err := f.Get()
		if err != nil {
			require.ErrorIs(t, err, ErrEmpty)
			if f.Done() {
				break
			}
			continue
		}
		perProducer[v/100] = append(perProducer[v/100], v)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1}, perProducer[0])
	assert.Equal(t, []int{100, 101, 102, 103, 104}, perProducer[1])
}

func TestFanIn_ConcurrentEarlyCompletion(t *testing.T) {
	const k = 4
	f, err := NewFanIn[int](k, 4)
	require.NoError(t, err)

	// producers 0 and 1 finish in the same round without producing anything
	var start sync.WaitGroup
	start.Add(1)
	var wg sync.WaitGroup
	for p := 0; p < 2; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			start.Wait()
			f.Producer(p).SetDone()
		}(p)
	}
	for p := 2; p < k; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			start.Wait()
			for i := 0; i < 3; i++ {
				assert.NoError(t, f.Producer(p).Put(p*10+i))
			}
			f.Producer(p).SetDone()
		}(p)
	}
	start.Done()

	var got []int
	for {
		v, err := f.Get()
		if err != nil {
			if f.Done() {
				break
			}
			continue
		}
		got = append(got, v)
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{20, 21, 22, 30, 31, 32}, got)
	assert.True(t, f.Done())
	assert.Equal(t, 0, f.Size())
}

func TestFanIn_Restrictions(t *testing.T) {
	f, err := NewFanIn[int](2, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, f.Put(1), errors.ErrAPIMisuse)
	_, err = f.Producer(0).Get()
	assert.ErrorIs(t, err, errors.ErrAPIMisuse)
	assert.Equal(t, 2, f.Capacity())

	f.SetDone()
	assert.True(t, f.Done())
	assert.False(t, f.WouldBlockOnGet())
}
