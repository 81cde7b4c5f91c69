package client_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/actor"
	"go.arsenm.dev/lvrpc/client"
	"go.arsenm.dev/lvrpc/frame"
	"go.arsenm.dev/lvrpc/handler"
	"go.arsenm.dev/lvrpc/lvflat"
	"go.arsenm.dev/lvrpc/message"
	"go.arsenm.dev/lvrpc/server"
	"go.arsenm.dev/lvrpc/tracker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type Arith struct{}

func (Arith) Add(_ context.Context, in [2]int) int {
	return in[0] + in[1]
}

func (Arith) Div(_ context.Context, in [2]int) (int, error) {
	if in[1] == 0 {
		return 0, errors.New("division by zero")
	}
	return in[0] / in[1], nil
}

func (Arith) Echo(_ context.Context, args map[string]any) map[string]any {
	return args
}

func (Arith) Hang(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func newPair(t *testing.T, opts ...client.Option) (*server.Server, *client.Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	s := server.New(server.WithLogger(quietLogger()), server.WithShortNames())
	require.NoError(t, s.Register(Arith{}))

	sConn, cConn := net.Pipe()
	go s.ServeConn(ctx, sConn)

	c := client.New(cConn, append([]client.Option{client.WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() {
		c.Close()
		sConn.Close()
		cancel()
		s.Close()
	})
	return s, c
}

func TestCall(t *testing.T) {
	_, c := newPair(t)
	ctx := context.Background()

	var sum int
	require.NoError(t, c.Call(ctx, "Arith.Add", [2]int{5, 5}, &sum))
	assert.Equal(t, 10, sum)

	var quot int
	require.NoError(t, c.Call(ctx, "Arith.Div", [2]int{9, 3}, &quot))
	assert.Equal(t, 3, quot)

	err := c.Call(ctx, "Arith.Div", [2]int{1, 0}, &quot)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeInternalError, rpcErr.Code)
	assert.Equal(t, "division by zero", rpcErr.Metadata)

	err = c.Call(ctx, "Nope", nil, nil)
	assert.ErrorIs(t, err, message.NewError(message.CodeMethodNotFound, nil))

	err = c.Call(ctx, "Arith.Add", [2]int{1, 1}, sum)
	assert.ErrorIs(t, err, client.ErrReturnNotPointer)

	var n int
	err = c.Call(ctx, "Arith.Echo", map[string]any{"a": 1}, &n)
	assert.ErrorIs(t, err, client.ErrResultType)
	assert.NotErrorIs(t, err, client.ErrReturnNotPointer)
}

func TestRPC(t *testing.T) {
	_, c := newPair(t)
	ctx := context.Background()

	resp, err := c.RPC(ctx, "echo", map[string]any{"Message": "hi"}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Message": "hi"}, resp.Result)

	// Without waiting, the reply is routed through the handler
	routed := make(chan *message.Response, 1)
	c.Handler().RegisterResponse("echo", func(resp *message.Response) {
		routed <- resp
	})

	resp, err = c.RPC(ctx, "echo", map[string]any{"Message": "later"}, false)
	require.NoError(t, err)
	assert.Nil(t, resp)

	select {
	case resp := <-routed:
		assert.Equal(t, map[string]any{"Message": "later"}, resp.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not routed")
	}
}

func TestEchoBenchmark(t *testing.T) {
	_, c := newPair(t)

	ids, err := c.EchoBenchmark(context.Background(), []int{0, 16, 64}, 2, 2)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for _, id := range ids {
		run, ok := c.Benchmark().Run(id)
		require.True(t, ok)
		assert.Equal(t, 6, run.Stats.SamplesCount)
		for _, s := range run.Samples {
			assert.True(t, s.Done)
			assert.Greater(t, s.Request.PayloadSize, 0)
		}
	}
	assert.False(t, c.Benchmark().Active())
}

func TestDefaultEchoSizes(t *testing.T) {
	sizes := client.DefaultEchoSizes()
	require.Len(t, sizes, 21)
	assert.Equal(t, 0, sizes[0])
	assert.Equal(t, 480, sizes[1])
	assert.Equal(t, 9600, sizes[20])
}

func TestNotify(t *testing.T) {
	s, c := newPair(t)

	got := make(chan string, 1)
	require.NoError(t, s.RegisterFunc("log", func(_ context.Context, args map[string]any) {
		got <- args["msg"].(string)
	}))

	require.NoError(t, c.Notify(context.Background(), "log", map[string]any{"msg": "hello"}))
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestServerRequest(t *testing.T) {
	s, c := newPair(t)

	require.NoError(t, c.Handler().RegisterFunc("client.version", func(context.Context) string {
		return "1.0"
	}))

	versions := make(chan any, 1)
	s.Handler().RegisterResponse("client.version", func(resp *message.Response) {
		versions <- resp.Result
	})
	require.NoError(t, s.RegisterFunc("hello", func(ctx context.Context) error {
		conn, _ := server.ConnFromContext(ctx)
		_, err := conn.Request("client.version", nil)
		return err
	}))

	require.NoError(t, c.Call(context.Background(), "hello", nil, nil))
	select {
	case v := <-versions:
		assert.Equal(t, "1.0", v)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not answer the server's request")
	}
}

func TestTimeout(t *testing.T) {
	_, c := newPair(t, client.WithTimeout(50*time.Millisecond))

	err := c.Call(context.Background(), "Arith.Hang", nil, nil)
	assert.ErrorIs(t, err, client.ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.Call(ctx, "Arith.Hang", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClosed(t *testing.T) {
	_, c := newPair(t)
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not done after close")
	}

	err := c.Call(context.Background(), "Arith.Add", [2]int{1, 2}, nil)
	assert.ErrorIs(t, err, client.ErrClosed)
}

func TestConnectionLost(t *testing.T) {
	sConn, cConn := net.Pipe()
	c := client.New(cConn, client.WithLogger(quietLogger()))
	defer c.Close()

	// Read the request, then drop the connection
	go func() {
		frame.DefaultOptions().Read(sConn)
		sConn.Close()
	}()

	err := c.Call(context.Background(), "anything", nil, nil)
	assert.ErrorIs(t, err, client.ErrClosed)
}

func TestDialRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	_, err = client.Dial(context.Background(), addr,
		client.WithLogger(quietLogger()),
		client.WithRetries(3, 10*time.Millisecond),
	)
	assert.ErrorIs(t, err, client.ErrConnect)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDial(t *testing.T) {
	s := server.New(server.WithLogger(quietLogger()))
	require.NoError(t, s.Register(Arith{}))
	defer s.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx, ln)

	c, err := client.Dial(ctx, ln.Addr().String(), client.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer c.Close()

	var sum int
	require.NoError(t, c.Call(ctx, "Arith.Add", [2]int{40, 2}, &sum))
	assert.Equal(t, 42, sum)

	descs, err := c.Introspect(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, descs)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.IncomingRequests, 2)
}

// fakeActor answers flattened actor messages the way a LabVIEW
// actor does, echoing Data back with exec_time filled in
func fakeActor(t *testing.T, conn net.Conn, staleFirst bool) {
	opts := frame.DefaultOptions()
	for {
		f, err := opts.Read(conn)
		if err != nil {
			return
		}

		act, err := lvflat.Default.Decode(f.Payload, lvflat.Cluster{
			{Name: "Class name", Value: ""},
			{Name: "Priority", Value: int32(0)},
			{Name: "Data", Value: []byte(nil)},
		})
		if err != nil {
			t.Error(err)
			return
		}
		raw, _ := act.Get("Data")

		data, err := lvflat.Default.Decode(raw.([]byte), lvflat.Cluster{
			{Name: "Text", Value: ""},
			{Name: "id", Value: ""},
			{Name: "exec_time", Value: int32(0)},
		})
		if err != nil {
			t.Error(err)
			return
		}

		if staleFirst {
			stale := data.Set("id", "stale")
			send(t, conn, act, stale, 1)
			staleFirst = false
		}

		data = data.Set("exec_time", int32(123))
		send(t, conn, act, data, 456)
	}
}

func send(t *testing.T, conn net.Conn, act, data lvflat.Cluster, trailer uint32) {
	flatData, err := lvflat.Marshal(data)
	require.NoError(t, err)
	payload, err := lvflat.Marshal(act.Set("Data", flatData))
	require.NoError(t, err)
	require.NoError(t, frame.DefaultOptions().Write(conn, frame.Frame{Payload: payload, Trailer: trailer}))
}

func TestActorRPC(t *testing.T) {
	aConn, cConn := net.Pipe()
	defer aConn.Close()
	go fakeActor(t, aConn, true)

	env, err := actor.New(actor.Config{Library: "Chat Window.lvlib"})
	require.NoError(t, err)

	c := client.New(cConn, client.WithLogger(quietLogger()), client.WithEnvelope(env))
	defer c.Close()

	resp, err := c.RPC(context.Background(), "Display Text", map[string]any{"Text": "hello"}, true)
	require.NoError(t, err)
	require.NotNil(t, resp)

	result := resp.Result.(map[string]any)
	assert.Equal(t, "hello", result["Text"])
	assert.Equal(t, uint32(123), resp.ExecTime)

	// Fire and forget replies are routed through the handler
	routed := make(chan *message.Response, 1)
	c.Handler().RegisterResponse("Display Text", func(resp *message.Response) {
		routed <- resp
	})
	resp, err = c.RPC(context.Background(), "Display Text", map[string]any{"Text": "bye"}, false)
	require.NoError(t, err)
	assert.Nil(t, resp)

	select {
	case resp := <-routed:
		assert.Equal(t, "bye", resp.Result.(map[string]any)["Text"])
	case <-time.After(2 * time.Second):
		t.Fatal("reply was not routed")
	}
}

func TestActorEcho(t *testing.T) {
	aConn, cConn := net.Pipe()
	defer aConn.Close()

	// Echo replies carry Message instead of Text
	go func() {
		opts := frame.DefaultOptions()
		for {
			f, err := opts.Read(aConn)
			if err != nil {
				return
			}
			act, err := lvflat.Default.Decode(f.Payload, lvflat.Cluster{
				{Name: "Class name", Value: ""},
				{Name: "Priority", Value: int32(0)},
				{Name: "Data", Value: []byte(nil)},
			})
			if err != nil {
				return
			}
			raw, _ := act.Get("Data")
			data, err := lvflat.Default.Decode(raw.([]byte), lvflat.Cluster{
				{Name: "Message", Value: ""},
				{Name: "id", Value: ""},
				{Name: "exec_time", Value: int32(0)},
			})
			if err != nil {
				return
			}
			// exec_time left at zero, so the trailer is used
			send(t, aConn, act, data, 789)
		}
	}()

	c := client.New(cConn,
		client.WithLogger(quietLogger()),
		client.WithEnvelope(&actor.Flat{Library: "Echo.lvlib", Priority: actor.PriorityHigh}),
	)
	defer c.Close()

	id := c.Benchmark().Start("echo-run")
	resp, err := c.Echo(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, uint32(789), resp.ExecTime)
	_, err = c.Benchmark().Stop(id)
	require.NoError(t, err)

	run, ok := c.Benchmark().Run("echo-run")
	require.True(t, ok)
	require.Len(t, run.Samples, 1)
	for _, s := range run.Samples {
		assert.InDelta(t, 0.789, s.Metrics.ExecTime, 1e-9)
	}
}

func TestSharedHandler(t *testing.T) {
	h := handler.New(handler.WithLogger(quietLogger()))
	_, c1 := newPair(t, client.WithHandler(h))
	_, c2 := newPair(t, client.WithHandler(h))
	assert.Same(t, h, c1.Handler())

	bench := tracker.NewBenchmark(quietLogger())
	_, c3 := newPair(t, client.WithHandler(h), client.WithBenchmark(bench))

	ctx := context.Background()
	c1.Benchmark().Start("own")
	bench.Start("shared")

	var sum int
	require.NoError(t, c2.Call(ctx, "Arith.Add", [2]int{1, 2}, &sum))
	require.NoError(t, c3.Call(ctx, "Arith.Add", [2]int{1, 2}, &sum))

	// Without WithBenchmark, a client does not record the shared traffic
	stats, err := c1.Benchmark().Stop("own")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.SamplesCount)

	stats, err = bench.Stop("shared")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SamplesCount)
}
