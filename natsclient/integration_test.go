//go:build integration

package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribeDrain(t *testing.T) {
	tc := NewTestClient(t)

	var mu sync.Mutex
	var got []string
	sub, err := tc.Client.Subscribe("stagegrid.test.coordinator", func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, m := range []string{"a", "b", "c"} {
		require.NoError(t, tc.Client.Publish(ctx, "stagegrid.test.coordinator", []byte(m)))
	}
	require.NoError(t, tc.Client.Flush(ctx))

	require.NoError(t, sub.Drain(2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestIntegration_KVCreateIsFirstClaimantWins(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("stagegrid_names"))
	other := tc.NewClient(t)

	ctx := context.Background()
	js, err := tc.Client.JetStream()
	require.NoError(t, err)
	bucket, err := js.KeyValue(ctx, "stagegrid_names")
	require.NoError(t, err)
	first := tc.Client.NewKVStore(bucket, time.Second)

	second, err := other.EnsureKVStore(ctx, "stagegrid_names", time.Second)
	require.NoError(t, err)

	_, err = first.Create(ctx, "run-1", []byte("node-a"))
	require.NoError(t, err)
	_, err = second.Create(ctx, "run-1", []byte("node-b"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	entry, err := second.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", string(entry.Value))

	_, err = second.Get(ctx, "run-2")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}
