package lvrpc_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/client"
	"go.arsenm.dev/lvrpc/codec"
	"go.arsenm.dev/lvrpc/message"
	"go.arsenm.dev/lvrpc/server"
)

type Arith struct{}

func (Arith) Add(_ context.Context, in [2]int) int {
	return in[0] + in[1]
}

func (Arith) Mul(_ context.Context, in [2]int) int {
	return in[0] * in[1]
}

func (Arith) Div(_ context.Context, in [2]int) (int, error) {
	if in[1] == 0 {
		return 0, errors.New("division by zero")
	}
	return in[0] / in[1], nil
}

func (Arith) Sub(_ context.Context, in [2]int) int {
	return in[0] - in[1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipe serves s over an in-memory connection and returns a client for it
func pipe(t *testing.T, ctx context.Context, s *server.Server, opts ...client.Option) *client.Client {
	t.Helper()

	sConn, cConn := net.Pipe()
	go s.ServeConn(ctx, sConn)

	c := client.New(cConn, append([]client.Option{client.WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() {
		c.Close()
		sConn.Close()
	})
	return c
}

func TestCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := server.New(server.WithLogger(quietLogger()))
	defer s.Close()
	// Register Arith for RPC
	if err := s.Register(Arith{}); err != nil {
		t.Fatal(err)
	}

	c := pipe(t, ctx, s)

	// Call Arith.Add()
	var add int
	err := c.Call(ctx, "Arith.Add", [2]int{5, 5}, &add)
	if err != nil {
		t.Error(err)
	}

	// Call Arith.Sub()
	var sub int
	err = c.Call(ctx, "Arith.Sub", [2]int{5, 5}, &sub)
	if err != nil {
		t.Error(err)
	}

	// Call Arith.Mul()
	var mul int
	err = c.Call(ctx, "Arith.Mul", [2]int{5, 5}, &mul)
	if err != nil {
		t.Error(err)
	}

	// Call Arith.Div()
	var div int
	err = c.Call(ctx, "Arith.Div", [2]int{5, 5}, &div)
	if err != nil {
		t.Error(err)
	}

	if add != 10 {
		t.Errorf("add: expected 10, got %d", add)
	}

	if sub != 0 {
		t.Errorf("sub: expected 0, got %d", sub)
	}

	if mul != 25 {
		t.Errorf("mul: expected 25, got %d", mul)
	}

	if div != 1 {
		t.Errorf("div: expected 1, got %d", div)
	}

	// Division by zero is reported as a server error
	err = c.Call(ctx, "Arith.Div", [2]int{5, 0}, &div)
	var rpcErr *message.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("div by zero: expected *message.Error, got %v", err)
	}
	if rpcErr.Code != message.CodeInternalError {
		t.Errorf("div by zero: expected code %d, got %d", message.CodeInternalError, rpcErr.Code)
	}
}

func TestCodecs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create function to test each codec
	testCodec := func(cdc codec.Codec) {
		s := server.New(server.WithCodec(cdc), server.WithLogger(quietLogger()))
		defer s.Close()
		// Register Arith for RPC
		if err := s.Register(Arith{}); err != nil {
			t.Fatal(err)
		}

		// Create new client using provided codec
		c := pipe(t, ctx, s, client.WithCodec(cdc))

		// Call Arith.Add()
		var add int
		err := c.Call(ctx, "Arith.Add", [2]int{2, 2}, &add)
		if err != nil {
			t.Errorf("codec/%s: %v", cdc.Name(), err)
		}

		if add != 4 {
			t.Errorf("codec/%s: add: expected 4, got %d", cdc.Name(), add)
		}
	}

	// Test all codecs
	testCodec(codec.Msgpack)
	testCodec(codec.JSON)
}

type Clock struct{}

// Ticks sends n tick notifications to the caller, interval apart
func (Clock) Ticks(ctx context.Context, n int) error {
	conn, ok := server.ConnFromContext(ctx)
	if !ok {
		return errors.New("no connection in context")
	}

	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for i := 1; i <= n; i++ {
			<-tick.C
			if err := conn.Notify("tick", []int{i}); err != nil {
				return
			}
		}
	}()
	return nil
}

func TestServerNotifications(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := server.New(server.WithLogger(quietLogger()))
	defer s.Close()
	if err := s.Register(Clock{}); err != nil {
		t.Fatal(err)
	}

	c := pipe(t, ctx, s)

	ticks := make(chan int, 3)
	err := c.Handler().RegisterFunc("tick", func(_ context.Context, n int) {
		ticks <- n
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Call(ctx, "Clock.Ticks", []int{3}, nil); err != nil {
		t.Fatal(err)
	}

	// Requests from the server are handled concurrently,
	// so the ticks may arrive in any order
	var sum int
	for i := 0; i < 3; i++ {
		select {
		case n := <-ticks:
			sum += n
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for tick %d", i+1)
		}
	}

	if sum != 6 {
		t.Errorf("expected ticks 1 to 3, got sum %d", sum)
	}
}
