/*
 *	lvrpc bridges Go programs and LabVIEW actors over TCP.
 *	Copyright (C) 2022 Arsen Musayelyan
 *
 *	This program is free software: you can redistribute it and/or modify
 *	it under the terms of the GNU General Public License as published by
 *	the Free Software Foundation, either version 3 of the License, or
 *	(at your option) any later version.
 *
 *	This program is distributed in the hope that it will be useful,
 *	but WITHOUT ANY WARRANTY; without even the implied warranty of
 *	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *	GNU General Public License for more details.
 *
 *	You should have received a copy of the GNU General Public License
 *	along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package client connects to a LabVIEW peer, or any server speaking
// the same framed protocol, and calls methods on it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/net/ipv4"

	"go.arsenm.dev/lvrpc/actor"
	"go.arsenm.dev/lvrpc/frame"
	"go.arsenm.dev/lvrpc/handler"
	"go.arsenm.dev/lvrpc/internal/reflectutil"
	"go.arsenm.dev/lvrpc/message"
	"go.arsenm.dev/lvrpc/tracker"
)

// Client error values
var (
	ErrConnect          = errors.New("could not connect to server")
	ErrTimeout          = errors.New("timed out waiting for response")
	ErrClosed           = errors.New("client closed")
	ErrReturnNotPointer = errors.New("return value is not a pointer")
	ErrResultType       = errors.New("result cannot be converted to the return value")
)

type actorReply struct {
	resp *message.Response
	err  error
}

type actorCall struct {
	key    string
	decode actor.ReplyDecoder
	ch     chan actorReply
}

// Client is an lvrpc client
type Client struct {
	conn  io.ReadWriteCloser
	frame frame.Options

	handler *handler.Handler
	bench   *tracker.Benchmark
	env     actor.Envelope
	timeout time.Duration
	log     *slog.Logger

	writeMtx sync.Mutex

	pendingMtx sync.Mutex
	pending    map[string]chan *message.Response

	// callMtx allows a single actor call in flight
	callMtx     sync.Mutex
	actorMtx    sync.Mutex
	pendingCall *actorCall
	orphan      actor.ReplyDecoder

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the server at addr, retrying as configured,
// and returns a client using the connection
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	log := logger(s)

	if s.maxRetries < 1 {
		s.maxRetries = 1
	}

	var (
		conn net.Conn
		err  error
		d    net.Dialer
	)
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}

		log.Warn("Connection attempt failed", "addr", addr, "attempt", attempt, "err", err)
		if attempt == s.maxRetries {
			break
		}

		select {
		case <-time.After(s.retryDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrConnect, addr, s.maxRetries, err)
	}

	if s.noDelay {
		setLowLatency(conn, log)
	}

	log.Info("Connected to server", "addr", addr)
	return newClient(conn, s), nil
}

// setLowLatency disables Nagle's algorithm and sets the
// Expedited Forwarding TOS on conn
func setLowLatency(conn net.Conn, log *slog.Logger) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			log.Warn("Could not disable Nagle's algorithm", "err", err)
		}
	}
	if err := ipv4.NewConn(conn).SetTOS(TOS); err != nil {
		log.Debug("Could not set TOS", "err", err)
	}
}

// New creates and returns a new client using conn
func New(conn io.ReadWriteCloser, opts ...Option) *Client {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return newClient(conn, s)
}

func logger(s settings) *slog.Logger {
	if s.log == nil {
		return slog.Default().With("component", "client")
	}
	return s.log.With("component", "client")
}

func newClient(conn io.ReadWriteCloser, s settings) *Client {
	log := logger(s)

	h := s.handler
	owned := h == nil
	if owned {
		h = handler.New(handler.WithCodec(s.codec), handler.WithLogger(s.log))
	}

	bench := s.benchmark
	if bench == nil {
		bench = tracker.NewBenchmark(s.log)
	}
	if owned || s.benchmark != nil {
		h.Tracker().AddHook(bench)
	}

	ctx, cancel := context.WithCancel(context.Background())
	out := &Client{
		conn:    conn,
		frame:   s.frame,
		handler: h,
		bench:   bench,
		env:     s.envelope,
		timeout: s.timeout,
		log:     log,
		pending: map[string]chan *message.Response{},
		ctx:     ctx,
		cancel:  cancel,
	}

	go out.handleConn()
	if owned {
		go h.Tracker().Monitor(ctx, tracker.MonitorOptions{})
	}

	return out
}

// Handler returns the handler used by the client
func (c *Client) Handler() *handler.Handler {
	return c.handler
}

// Benchmark returns the benchmark recorder attached to the client
func (c *Client) Benchmark() *tracker.Benchmark {
	return c.bench
}

// Done returns a channel that is closed when the client is closed
// or the connection is lost
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Call calls a method on the server using a JSON-Message request
// and stores the result in ret, which must be a pointer or nil
func (c *Client) Call(ctx context.Context, method string, params any, ret any) error {
	resp, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return resp.Error
	}

	// If there is no return value, stop now
	if ret == nil || resp.Result == nil {
		return nil
	}

	err = reflectutil.Assign(resp.Result, ret)
	if errors.Is(err, reflectutil.ErrNotPointer) {
		return fmt.Errorf("%w: %T", ErrReturnNotPointer, ret)
	} else if err != nil {
		return fmt.Errorf("%w: %w", ErrResultType, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (*message.Response, error) {
	req := c.handler.NewRequest(method, params)
	key := message.IDKey(req.ID)

	respCh := make(chan *message.Response, 1)
	c.pendingMtx.Lock()
	c.pending[key] = respCh
	c.pendingMtx.Unlock()

	defer func() {
		c.pendingMtx.Lock()
		delete(c.pending, key)
		c.pendingMtx.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}
	return c.wait(ctx, method, func(done <-chan struct{}) (*message.Response, error) {
		select {
		case resp := <-respCh:
			return resp, nil
		case <-done:
			return nil, nil
		}
	})
}

// wait runs recv until it returns a response, the context
// ends or the client is closed
func (c *Client) wait(ctx context.Context, method string, recv func(<-chan struct{}) (*message.Response, error)) (*message.Response, error) {
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}
		close(done)
	}()

	resp, err := recv(done)
	if resp != nil || err != nil {
		return resp, err
	}

	if c.ctx.Err() != nil {
		return nil, c.closedErr()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
	}
	return nil, ctx.Err()
}

// Notify sends a request without an ID. The server does not respond.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(&message.Request{Method: method, Params: params})
}

// send encodes, tracks and writes a JSON-Message request
func (c *Client) send(req *message.Request) error {
	payload, err := c.handler.Encode(req)
	if err != nil {
		return err
	}

	c.handler.Track(req, len(payload))
	if err := c.writeFrame(payload, 0); err != nil {
		c.handler.Tracker().Forget(req.ID)
		return err
	}
	return nil
}

// RPC sends a request for name with the given params. If the client
// has an actor envelope, the request is wrapped in it. When wait is
// false, RPC returns as soon as the request is written and the reply,
// if any, is routed through the handler.
func (c *Client) RPC(ctx context.Context, name string, params any, wait bool) (*message.Response, error) {
	if c.env != nil {
		return c.actorRPC(ctx, name, params, wait)
	}

	if !wait {
		return nil, c.send(c.handler.NewRequest(name, params))
	}
	return c.call(ctx, name, params)
}

func (c *Client) actorRPC(ctx context.Context, name string, params any, wait bool) (*message.Response, error) {
	req := c.handler.NewRequest(name, params)
	payload, decode, err := c.env.Wrap(req)
	if err != nil {
		return nil, err
	}

	if !wait {
		c.actorMtx.Lock()
		c.orphan = decode
		c.actorMtx.Unlock()
		return nil, c.sendActor(req, payload)
	}

	c.callMtx.Lock()
	defer c.callMtx.Unlock()

	call := &actorCall{
		key:    message.IDKey(req.ID),
		decode: decode,
		ch:     make(chan actorReply, 1),
	}
	c.actorMtx.Lock()
	c.pendingCall = call
	c.orphan = decode
	c.actorMtx.Unlock()

	defer func() {
		c.actorMtx.Lock()
		c.pendingCall = nil
		c.actorMtx.Unlock()
	}()

	if err := c.sendActor(req, payload); err != nil {
		return nil, err
	}
	return c.wait(ctx, name, func(done <-chan struct{}) (*message.Response, error) {
		select {
		case reply := <-call.ch:
			return reply.resp, reply.err
		case <-done:
			return nil, nil
		}
	})
}

func (c *Client) sendActor(req *message.Request, payload []byte) error {
	c.handler.Track(req, len(payload))
	if err := c.writeFrame(payload, 0); err != nil {
		c.handler.Tracker().Forget(req.ID)
		return err
	}
	return nil
}

// Echo calls the echo method with text as its message. The
// execution time reported by the server is recorded on the
// benchmark sample for the request.
func (c *Client) Echo(ctx context.Context, text string) (*message.Response, error) {
	resp, err := c.RPC(ctx, "echo", map[string]any{"Message": text}, true)
	if err != nil {
		return nil, err
	}
	c.bench.SetExecTime(resp.ID, resp.ExecTime)
	if resp.IsError() {
		return resp, resp.Error
	}
	return resp, nil
}

// DefaultEchoSizes returns the payload sizes used by EchoBenchmark
// when none are given: 0 to 9600 bytes in 21 steps
func DefaultEchoSizes() []int {
	sizes := make([]int, 21)
	for i := range sizes {
		sizes[i] = i * 480
	}
	return sizes
}

// Default echo benchmark parameters
const (
	DefaultEchoIterations = 10
	DefaultEchoRuns       = 3
)

// EchoBenchmark sends echo requests of every size, iterations times
// each, once per run. Every run is recorded as a separate benchmark
// run, and their IDs are returned.
func (c *Client) EchoBenchmark(ctx context.Context, sizes []int, iterations, runs int) ([]string, error) {
	if len(sizes) == 0 {
		sizes = DefaultEchoSizes()
	}
	if iterations <= 0 {
		iterations = DefaultEchoIterations
	}
	if runs <= 0 {
		runs = DefaultEchoRuns
	}

	payloads := make([]string, len(sizes))
	for i, size := range sizes {
		payloads[i] = string(repeatX(size))
	}

	ids := make([]string, 0, runs)
	for run := 0; run < runs; run++ {
		id := c.bench.Start("")
		ids = append(ids, id)

		for i, payload := range payloads {
			c.log.Debug("Echo benchmark progress", "run", run+1, "size", sizes[i])
			for j := 0; j < iterations; j++ {
				if _, err := c.Echo(ctx, payload); err != nil {
					c.bench.Stop(id)
					return ids, err
				}
			}
		}

		if _, err := c.bench.Stop(id); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

func repeatX(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'X'
	}
	return b
}

// Introspect returns descriptions of the methods registered on the server
func (c *Client) Introspect(ctx context.Context) ([]handler.MethodDesc, error) {
	var out []handler.MethodDesc
	err := c.Call(ctx, "rpc.introspect", nil, &out)
	return out, err
}

// Stats returns the server's tracker statistics
func (c *Client) Stats(ctx context.Context) (tracker.Stats, error) {
	var out tracker.Stats
	err := c.Call(ctx, "rpc.stats", nil, &out)
	return out, err
}

func (c *Client) writeFrame(payload []byte, trailer uint32) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if c.ctx.Err() != nil {
		return c.closedErr()
	}
	return c.frame.Write(c.conn, frame.Frame{Payload: payload, Trailer: trailer})
}

func (c *Client) handleConn() {
	for {
		f, err := c.frame.Read(c.conn)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn("Connection lost", "err", err)
			}
			c.shutdown(err)
			return
		}

		if c.env != nil {
			c.handleActorFrame(f)
		} else {
			c.handleFrame(f)
		}
	}
}

func (c *Client) handleFrame(f frame.Frame) {
	msg, errResp := c.handler.Decode(f.Payload)
	if errResp != nil {
		c.log.Warn("Invalid message from server", "err", errResp.Error)
		return
	}

	switch msg := msg.(type) {
	case *message.Response:
		if msg.ExecTime == 0 {
			msg.ExecTime = f.Trailer
		}

		key := message.IDKey(msg.ID)
		c.pendingMtx.Lock()
		ch, ok := c.pending[key]
		if ok {
			delete(c.pending, key)
		}
		c.pendingMtx.Unlock()

		if !ok {
			c.handler.HandleResponse(msg, len(f.Payload))
			return
		}

		c.handler.Tracker().TrackIncomingResponse(msg, len(f.Payload))
		ch <- msg
	case *message.Request:
		go c.handleRequest(msg)
	}
}

// handleRequest answers a request initiated by the server
func (c *Client) handleRequest(req *message.Request) {
	resp := c.handler.HandleRequest(c.ctx, req)
	if resp == nil {
		return
	}

	payload, err := c.handler.Encode(resp)
	if err != nil {
		c.log.Error("Error encoding response", "method", req.Method, "err", err)
		return
	}
	if err := c.writeFrame(payload, resp.ExecTime); err != nil {
		c.log.Warn("Error sending response", "method", req.Method, "err", err)
	}
}

func (c *Client) handleActorFrame(f frame.Frame) {
	c.actorMtx.Lock()
	call, decode := c.pendingCall, c.orphan
	c.actorMtx.Unlock()

	if call != nil {
		decode = call.decode
	}
	if decode == nil {
		c.log.Warn("Dropping unexpected actor message", "size", len(f.Payload))
		return
	}

	resp, err := decode(f.Payload)
	if err != nil {
		if call != nil {
			select {
			case call.ch <- actorReply{err: err}:
			default:
			}
			return
		}
		c.log.Warn("Invalid actor reply", "err", err)
		return
	}
	if resp.ExecTime == 0 {
		resp.ExecTime = f.Trailer
	}

	if call == nil {
		c.handler.HandleResponse(resp, len(f.Payload))
		return
	}

	if message.IDKey(resp.ID) != call.key {
		c.log.Warn("Dropping actor reply with mismatched ID", "id", resp.ID, "expected", call.key)
		return
	}

	c.handler.Tracker().TrackIncomingResponse(resp, len(f.Payload))
	select {
	case call.ch <- actorReply{resp: resp}:
	default:
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.cancel()
		c.conn.Close()
	})
}

func (c *Client) closedErr() error {
	if c.closeErr == nil || errors.Is(c.closeErr, ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.closeErr)
}

// Close closes the client
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}
