package datachannel

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/flowqueue"
	"github.com/c360/stagegrid/metric"
	"github.com/c360/stagegrid/pkg/retry"
)

type payload struct {
	N    int    `json:"n"`
	Name string `json:"name"`
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func drain[T any](t *testing.T, q flowqueue.Queue[T]) []T {
	t.Helper()
	var out []T
	for {
		v, err := q.Get()
		if err != nil {
			require.True(t, flowqueue.Drained(q, err), "unexpected error %v", err)
			return out
		}
		out = append(out, v)
	}
}

func TestFrame_Encoding(t *testing.T) {
	codec := JSONCodec[payload]{}
	frame, err := encodeFrame[payload](codec, payload{N: 3, Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, flagMore, frame[0])

	v, more, err := decodeFrame[payload](codec, frame)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, payload{N: 3, Name: "x"}, v)

	_, more, err = decodeFrame[payload](codec, []byte{flagEnd})
	require.NoError(t, err)
	assert.False(t, more)

	_, _, err = decodeFrame[payload](codec, nil)
	assert.Error(t, err)
	_, _, err = decodeFrame[payload](codec, []byte{7})
	assert.Error(t, err)
	_, _, err = decodeFrame[payload](codec, []byte{flagMore, '{'})
	assert.Error(t, err)
}

func TestPathAndURL(t *testing.T) {
	assert.Equal(t, "/data/frames/2", Path("frames", 2))
	assert.Equal(t, "ws://10.0.0.1:7000/data/frames/2", URL("10.0.0.1:7000", Path("frames", 2)))
}

func TestWriterReader_EndToEnd(t *testing.T) {
	srv := startServer(t)
	registry := metric.NewMetricsRegistry()

	ep, err := srv.Endpoint(Path("frames", 0))
	require.NoError(t, err)

	out := flowqueue.MustNew[payload](4)
	in := flowqueue.MustNew[payload](4)

	reader := NewReader[payload](ep, out, nil, WithMetrics(registry, "frames-0"))
	writer := NewWriter[payload](URL(srv.Address(), ep.Path()), in, nil, WithMetrics(registry, "frames-0"))

	ctx := context.Background()
	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)
	go func() { readErr <- reader.Run(ctx) }()
	go func() { writeErr <- writer.Run(ctx) }()

	go func() {
		for i := 0; i < 20; i++ {
			_ = in.Put(payload{N: i, Name: "item"})
		}
		in.SetDone()
	}()

	got := drain[payload](t, out)
	require.Len(t, got, 20)
	for i, p := range got {
		assert.Equal(t, i, p.N)
	}

	require.NoError(t, <-writeErr)
	require.NoError(t, <-readErr)
	assert.True(t, out.Done())

	// 20 items plus the end-of-stream frame
	assert.Equal(t, int64(21), writer.Stats().Frames)
	assert.Equal(t, int64(21), reader.Stats().Frames)
	assert.Equal(t, writer.Stats().Bytes, reader.Stats().Bytes)
}

func TestWriter_SendRate(t *testing.T) {
	srv := startServer(t)
	ep, err := srv.Endpoint(Path("slow", 0))
	require.NoError(t, err)

	out := flowqueue.MustNew[payload](8)
	in := flowqueue.MustNew[payload](8)
	for i := 0; i < 5; i++ {
		require.NoError(t, in.Put(payload{N: i}))
	}
	in.SetDone()

	reader := NewReader[payload](ep, out, nil)
	writer := NewWriter[payload](URL(srv.Address(), ep.Path()), in, nil, WithSendRate(50))

	ctx := context.Background()
	readErr := make(chan error, 1)
	go func() { readErr <- reader.Run(ctx) }()

	start := time.Now()
	require.NoError(t, writer.Run(ctx))
	require.NoError(t, <-readErr)

	// first item is immediate, the other four wait 20ms each
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
	assert.Len(t, drain[payload](t, out), 5)
}

func TestWriter_EmptyStream(t *testing.T) {
	srv := startServer(t)
	ep, err := srv.Endpoint(Path("empty", 0))
	require.NoError(t, err)

	out := flowqueue.MustNew[payload](1)
	in := flowqueue.MustNew[payload](1)
	in.SetDone()

	reader := NewReader[payload](ep, out, nil)
	writer := NewWriter[payload](URL(srv.Address(), ep.Path()), in, nil)

	ctx := context.Background()
	readErr := make(chan error, 1)
	go func() { readErr <- reader.Run(ctx) }()
	require.NoError(t, writer.Run(ctx))
	require.NoError(t, <-readErr)

	assert.Empty(t, drain[payload](t, out))
	assert.Equal(t, int64(1), writer.Stats().Frames)
}

func TestReader_ReceiveFailureMarksDone(t *testing.T) {
	srv := startServer(t)
	ep, err := srv.Endpoint(Path("broken", 0))
	require.NoError(t, err)

	out := flowqueue.MustNew[payload](4)
	reader := NewReader[payload](ep, out, nil)
	readErr := make(chan error, 1)
	go func() { readErr <- reader.Run(context.Background()) }()

	conn, _, err := websocket.DefaultDialer.Dial(URL(srv.Address(), ep.Path()), nil)
	require.NoError(t, err)

	frame, err := encodeFrame[payload](JSONCodec[payload]{}, payload{N: 1})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	require.NoError(t, conn.Close())

	select {
	case err := <-readErr:
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop after connection loss")
	}

	got := drain[payload](t, out)
	assert.Equal(t, []payload{{N: 1}}, got)
	assert.True(t, out.Done())
}

func TestReader_CancelBeforeConnect(t *testing.T) {
	srv := startServer(t)
	ep, err := srv.Endpoint(Path("idle", 0))
	require.NoError(t, err)

	out := flowqueue.MustNew[payload](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = NewReader[payload](ep, out, nil).Run(ctx)
	require.Error(t, err)
	assert.True(t, out.Done())
}

func TestWriter_DialFailureDiscardsInput(t *testing.T) {
	in := flowqueue.MustNew[payload](4)
	require.NoError(t, in.Put(payload{N: 1}))
	require.NoError(t, in.Put(payload{N: 2}))
	in.SetDone()

	// nothing listens on this address
	writer := NewWriter[payload]("ws://127.0.0.1:1/data/q/0", in, nil,
		WithDialRetry(retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	err := writer.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Zero(t, in.Size())
}

func TestReader_AcceptTimeoutMarksDone(t *testing.T) {
	srv := startServer(t)
	ep, err := srv.Endpoint(Path("orphan", 0))
	require.NoError(t, err)

	out := flowqueue.MustNew[payload](1)
	reader := NewReader[payload](ep, out, nil, WithAcceptTimeout(50*time.Millisecond))

	readErr := make(chan error, 1)
	go func() { readErr <- reader.Run(context.Background()) }()
	select {
	case err := <-readErr:
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrTransport)
		assert.True(t, errors.IsTransient(err))
	case <-time.After(5 * time.Second):
		t.Fatal("reader kept waiting for a writer")
	}
	assert.True(t, out.Done())

	// a writer arriving late is refused
	_, resp, err := websocket.DefaultDialer.Dial(URL(srv.Address(), ep.Path()), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWriter_MisWiredInputEndsStream(t *testing.T) {
	srv := startServer(t)
	ep, err := srv.Endpoint(Path("miswired", 0))
	require.NoError(t, err)

	out := flowqueue.MustNew[payload](1)
	in := flowqueue.PutOnly[payload](flowqueue.MustNew[payload](1))

	reader := NewReader[payload](ep, out, nil)
	writer := NewWriter[payload](URL(srv.Address(), ep.Path()), in, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readErr := make(chan error, 1)
	go func() { readErr <- reader.Run(ctx) }()

	err = writer.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAPIMisuse)
	assert.True(t, errors.IsInvalid(err))

	require.NoError(t, <-readErr)
	assert.Empty(t, drain[payload](t, out))
}

func TestWriter_DialFailureWithMisWiredInput(t *testing.T) {
	in := flowqueue.PutOnly[payload](flowqueue.MustNew[payload](1))
	writer := NewWriter[payload]("ws://127.0.0.1:1/data/q/0", in, nil,
		WithDialRetry(retry.Config{MaxAttempts: 1}))

	done := make(chan error, 1)
	go func() { done <- writer.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.True(t, errors.IsTransient(err))
	case <-time.After(5 * time.Second):
		t.Fatal("writer kept discarding a put-only input")
	}
}

func TestServer_Endpoints(t *testing.T) {
	srv := startServer(t)
	assert.False(t, strings.HasSuffix(srv.Address(), ":0"))
	assert.ErrorIs(t, srv.Start(), errors.ErrAlreadyStarted)

	ep, err := srv.Endpoint(Path("q", 0))
	require.NoError(t, err)
	_, err = srv.Endpoint(Path("q", 0))
	assert.ErrorIs(t, err, errors.ErrAPIMisuse)

	// unknown path
	_, resp, err := websocket.DefaultDialer.Dial(URL(srv.Address(), Path("q", 9)), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// first connection is accepted, the second is refused
	first, _, err := websocket.DefaultDialer.Dial(URL(srv.Address(), ep.Path()), nil)
	require.NoError(t, err)
	defer first.Close()

	_, resp, err = websocket.DefaultDialer.Dial(URL(srv.Address(), ep.Path()), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	conn, err := ep.Accept(context.Background())
	require.NoError(t, err)
	_ = conn.Close()
}
