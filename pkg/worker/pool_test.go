package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stagegrid/metric"
)

func TestPool_SingleWorkerPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int

	pool := NewPool[int](1, 16, func(_ context.Context, v int) error {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 100; i++ {
		require.NoError(t, pool.SubmitWait(context.Background(), i))
	}
	require.NoError(t, pool.Stop(time.Second))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, int64(100), pool.Stats().Processed)
}

func TestPool_Lifecycle(t *testing.T) {
	pool := NewPool[string](2, 4, func(context.Context, string) error { return nil })

	assert.ErrorIs(t, pool.Submit("early"), ErrPoolNotStarted)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit("late"), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool[int](1, 1, func(context.Context, int) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(1))
	// wait for the worker to pick up the first item
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(2))
	assert.ErrorIs(t, pool.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.SubmitWait(ctx, 4), context.DeadlineExceeded)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	pool := NewPool[int](1, 1, func(context.Context, int) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_ErrorHandlerAndMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	boom := errors.New("boom")

	var mu sync.Mutex
	var failedItems []int
	pool := NewPool[int](1, 4,
		func(_ context.Context, v int) error {
			if v%2 == 1 {
				return boom
			}
			return nil
		},
		WithMetricsRegistry[int](registry, "control_dispatch"),
		WithErrorHandler[int](func(v int, err error) {
			mu.Lock()
			failedItems = append(failedItems, v)
			mu.Unlock()
			assert.ErrorIs(t, err, boom)
		}),
	)
	require.NoError(t, pool.Start(context.Background()))
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.SubmitWait(context.Background(), i))
	}
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, []int{1, 3}, failedItems)
	assert.Equal(t, int64(2), pool.Stats().Failed)
	assert.NotNil(t, pool.metrics)
}

func TestNewPool_NilProcessorPanics(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() {
		NewPool[int](1, 1, nil)
	})
}
