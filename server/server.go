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

// Package server serves registered Go methods over the framed
// JSON-Message protocol, on TCP listeners and WebSocket.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/exp/slog"
	"golang.org/x/net/websocket"

	"go.arsenm.dev/lvrpc/codec"
	"go.arsenm.dev/lvrpc/frame"
	"go.arsenm.dev/lvrpc/handler"
	"go.arsenm.dev/lvrpc/message"
	"go.arsenm.dev/lvrpc/tracker"
)

var ErrServerClosed = errors.New("server closed")

// Option configures a server
type Option func(*Server)

// WithCodec sets the payload codec
func WithCodec(c codec.Codec) Option {
	return func(s *Server) {
		s.codec = c
	}
}

// WithFrame sets the framing options used on TCP connections
func WithFrame(o frame.Options) Option {
	return func(s *Server) {
		s.frame = o
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithShortNames also registers receiver methods under their
// name with the first letter lowercased
func WithShortNames() Option {
	return func(s *Server) {
		s.shortNames = true
	}
}

// WithRequestTimeout sets how long requests sent with Conn.Request
// may wait for a response before the tracker reports them as timed out
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.reqTimeout = d
	}
}

// WithMonitor sets the options of the tracker monitor that runs
// for the lifetime of the server
func WithMonitor(o tracker.MonitorOptions) Option {
	return func(s *Server) {
		s.monitor = o
	}
}

// Server is an lvrpc server
type Server struct {
	handler *handler.Handler
	codec   codec.Codec
	frame   frame.Options
	log     *slog.Logger

	shortNames bool
	reqTimeout time.Duration
	monitor    tracker.MonitorOptions
	cancel     context.CancelFunc

	mtx     sync.Mutex
	closers map[io.Closer]struct{}
	closed  bool
}

// New creates and returns a new server
func New(opts ...Option) *Server {
	out := &Server{
		codec:   codec.Default,
		frame:   frame.DefaultOptions(),
		closers: map[io.Closer]struct{}{},
	}
	for _, opt := range opts {
		opt(out)
	}
	if out.log == nil {
		out.log = slog.Default()
	}

	hopts := []handler.Option{handler.WithCodec(out.codec), handler.WithLogger(out.log)}
	if out.shortNames {
		hopts = append(hopts, handler.WithShortNames())
	}
	if out.reqTimeout > 0 {
		hopts = append(hopts, handler.WithRequestTimeout(out.reqTimeout))
	}
	out.handler = handler.New(hopts...)
	out.log = out.log.With("component", "server")

	ctx, cancel := context.WithCancel(context.Background())
	out.cancel = cancel
	go out.handler.Tracker().Monitor(ctx, out.monitor)

	// Register built-in functions
	b := builtins{out}
	out.handler.RegisterFunc("rpc.introspect", b.introspect)
	out.handler.RegisterFunc("rpc.stats", b.stats)

	return out
}

// Handler returns the handler holding the server's methods
func (s *Server) Handler() *handler.Handler {
	return s.handler
}

// Register registers the methods of v to be called by a client
func (s *Server) Register(v any) error {
	return s.handler.RegisterReceiver(v)
}

// RegisterFunc registers fn to be called by a client as name
func (s *Server) RegisterFunc(name string, fn any) error {
	return s.handler.RegisterFunc(name, fn)
}

// Close closes all listeners and connections and stops
// the tracker monitor
func (s *Server) Close() {
	s.cancel()

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.closed = true
	for c := range s.closers {
		c.Close()
	}
	s.closers = map[io.Closer]struct{}{}
}

func (s *Server) track(c io.Closer) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		c.Close()
		return false
	}
	s.closers[c] = struct{}{}
	return true
}

func (s *Server) untrack(c io.Closer) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.closers, c)
}

// Serve accepts connections on ln until ctx is canceled
// or the server is closed
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.track(ln) {
		return ErrServerClosed
	}
	defer s.untrack(ln)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	s.log.Info("Listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		} else if err != nil {
			s.log.Warn("Error accepting connection", "err", err)
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		// Handle connection
		go func() {
			if !s.track(conn) {
				return
			}
			defer s.untrack(conn)
			defer conn.Close()
			s.handleConn(ctx, framed{conn, s.frame}, conn.RemoteAddr().String())
		}()
	}
}

// ServeConn uses the provided connection to serve the client.
// This may be useful if something other than a net.Listener
// needs to be used
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriter) {
	s.handleConn(ctx, framed{conn, s.frame}, remoteAddr(conn))
}

// WSHandler returns an http.Handler serving the protocol over
// WebSocket. Each WebSocket message carries one payload.
func (s *Server) WSHandler() http.Handler {
	return websocket.Server{
		Config: websocket.Config{
			Version: websocket.ProtocolVersionHybi13,
		},
		// Accept connections from any origin
		Handshake: func(*websocket.Config, *http.Request) error {
			return nil
		},
		Handler: func(c *websocket.Conn) {
			c.PayloadType = websocket.BinaryFrame
			s.handleConn(c.Request().Context(), wsTransport{c}, c.Request().RemoteAddr)
		},
	}
}

// ServeWS starts a server using WebSocket. This may be useful for
// clients written in other languages, such as JS for a browser.
func (s *Server) ServeWS(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr: addr,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		Handler: s.WSHandler(),
	}
	if !s.track(srv) {
		return ErrServerClosed
	}
	defer s.untrack(srv)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			srv.Close()
		case <-stop:
		}
	}()

	s.log.Info("Listening for WebSocket connections", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// handleConn handles a connection
func (s *Server) handleConn(pCtx context.Context, t transport, remote string) {
	c := &Conn{srv: s, t: t, remote: remote}

	ctx, cancel := context.WithCancel(context.WithValue(pCtx, connKey{}, c))

	log := s.log.With("remote", remote)
	log.Debug("Client connected")
	defer log.Debug("Client disconnected")

	// Requests still running are canceled when the connection ends
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		f, err := t.read()
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return
		} else if err != nil {
			log.Warn("Error reading message", "err", err)
			return
		}

		msg, errResp := s.handler.Decode(f.Payload)
		if errResp != nil {
			s.handler.Tracker().TrackOutgoingResponse(errResp)
			if err := c.send(errResp); err != nil {
				log.Warn("Error sending response", "err", err)
			}
			continue
		}

		switch msg := msg.(type) {
		case *message.Request:
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := s.handler.HandleRequest(ctx, msg)
				if resp == nil {
					return
				}
				if err := c.send(resp); err != nil {
					log.Warn("Error sending response", "method", msg.Method, "err", err)
				}
			}()
		case *message.Response:
			if msg.ExecTime == 0 {
				msg.ExecTime = f.Trailer
			}
			s.handler.HandleResponse(msg, len(f.Payload))
		}
	}
}

// builtins contains functions registered on every server
type builtins struct {
	srv *Server
}

// introspect returns descriptions of all registered methods
func (b builtins) introspect(context.Context) []handler.MethodDesc {
	return b.srv.handler.Methods()
}

// stats returns the message statistics of the server
func (b builtins) stats(context.Context) tracker.Stats {
	return b.srv.handler.Tracker().Stats()
}
