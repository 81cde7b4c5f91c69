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

package server

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/net/websocket"

	"go.arsenm.dev/lvrpc/frame"
	"go.arsenm.dev/lvrpc/message"
)

// transport reads and writes whole payloads
type transport interface {
	read() (frame.Frame, error)
	write(f frame.Frame) error
}

// framed carries payloads in length-prefixed frames
type framed struct {
	rw   io.ReadWriter
	opts frame.Options
}

func (f framed) read() (frame.Frame, error) {
	return f.opts.Read(f.rw)
}

func (f framed) write(fr frame.Frame) error {
	return f.opts.Write(f.rw, fr)
}

// wsTransport carries one payload per WebSocket message.
// There is no trailer; exec time travels in the response.
type wsTransport struct {
	ws *websocket.Conn
}

func (w wsTransport) read() (frame.Frame, error) {
	var data []byte
	if err := websocket.Message.Receive(w.ws, &data); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{Payload: data}, nil
}

func (w wsTransport) write(f frame.Frame) error {
	return websocket.Message.Send(w.ws, f.Payload)
}

type connKey struct{}

// Conn is the connection a request arrived on. Methods can
// retrieve it with ConnFromContext to push messages to the client.
type Conn struct {
	srv    *Server
	t      transport
	remote string

	writeMtx sync.Mutex
}

// ConnFromContext returns the connection the request being
// handled arrived on
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey{}).(*Conn)
	return c, ok
}

// RemoteAddr returns the address of the client, if known
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Notify sends a notification to the client
func (c *Conn) Notify(method string, params any) error {
	req := &message.Request{Method: method, Params: params}
	payload, err := c.srv.handler.Encode(req)
	if err != nil {
		return err
	}
	c.srv.handler.Track(req, len(payload))
	return c.write(payload, 0)
}

// Request sends a request to the client. Its response is routed
// to the server handler's response handler for method.
func (c *Conn) Request(method string, params any) (*message.Request, error) {
	req := c.srv.handler.NewRequest(method, params)
	payload, err := c.srv.handler.Encode(req)
	if err != nil {
		return nil, err
	}
	c.srv.handler.Track(req, len(payload))
	if err := c.write(payload, 0); err != nil {
		c.srv.handler.Tracker().Forget(req.ID)
		return nil, err
	}
	return req, nil
}

func (c *Conn) send(resp *message.Response) error {
	payload, err := c.srv.handler.Encode(resp)
	if err != nil {
		return err
	}
	return c.write(payload, resp.ExecTime)
}

func (c *Conn) write(payload []byte, trailer uint32) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	return c.t.write(frame.Frame{Payload: payload, Trailer: trailer})
}

func remoteAddr(rw any) string {
	if nc, ok := rw.(interface{ RemoteAddr() net.Addr }); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return ""
}
