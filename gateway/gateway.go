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

// Package gateway exposes a LabVIEW peer over HTTP JSON-RPC 2.0,
// forwarding every call through an lvrpc client
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/message"
	"go.arsenm.dev/lvrpc/tracker"
)

// Path is where the JSON-RPC endpoint is mounted
const Path = "/rpc"

// Caller forwards calls to a LabVIEW peer.
// It is implemented by *client.Client.
type Caller interface {
	RPC(ctx context.Context, name string, params any, wait bool) (*message.Response, error)
}

// CallArgs are the parameters of LabVIEW.Call
type CallArgs struct {
	Method string         `json:"method" validate:"required"`
	Params map[string]any `json:"params"`
	// Wait defaults to true
	Wait *bool `json:"wait"`
}

// CallReply is the result of LabVIEW.Call
type CallReply struct {
	Result   any    `json:"result"`
	ExecTime uint32 `json:"exec_time"`
}

// StatsArgs are the parameters of LabVIEW.Stats
type StatsArgs struct{}

// LabVIEW is the JSON-RPC service forwarding calls to the peer
type LabVIEW struct {
	caller   Caller
	tracker  *tracker.Tracker
	validate *validator.Validate
	log      *slog.Logger
}

// Call forwards a call to the peer
func (l *LabVIEW) Call(r *http.Request, args *CallArgs, reply *CallReply) error {
	if err := l.validate.Struct(args); err != nil {
		return &json2.Error{
			Code:    json2.ErrorCode(message.CodeInvalidParams),
			Message: "Invalid params",
			Data:    err.Error(),
		}
	}

	wait := args.Wait == nil || *args.Wait

	resp, err := l.caller.RPC(r.Context(), args.Method, args.Params, wait)
	if err != nil {
		l.log.Warn("Forwarded call failed", "method", args.Method, "err", err)
		return toJSON2Error(err)
	}
	if resp == nil {
		return nil
	}
	if resp.IsError() {
		return toJSON2Error(resp.Error)
	}

	reply.Result = resp.Result
	reply.ExecTime = resp.ExecTime
	return nil
}

// Stats returns the message statistics of the connection to the peer
func (l *LabVIEW) Stats(_ *http.Request, _ *StatsArgs, reply *tracker.Stats) error {
	if l.tracker == nil {
		return &json2.Error{Code: json2.ErrorCode(message.CodeServerError), Message: "Server error", Data: "no tracker"}
	}
	*reply = l.tracker.Stats()
	return nil
}

func toJSON2Error(err error) *json2.Error {
	var e *message.Error
	if errors.As(err, &e) {
		return &json2.Error{Code: json2.ErrorCode(e.Code), Message: e.Message, Data: e.Metadata}
	}
	se := message.NewError(message.CodeServerError, err.Error())
	return &json2.Error{Code: json2.ErrorCode(se.Code), Message: se.Message, Data: se.Metadata}
}

// Gateway serves the LabVIEW service over HTTP
type Gateway struct {
	mux *http.ServeMux
	log *slog.Logger
}

// New creates a gateway forwarding calls to c. t provides the
// statistics returned by LabVIEW.Stats and may be nil.
func New(c Caller, t *tracker.Tracker, log *slog.Logger) (*Gateway, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "gateway")

	srv := rpc.NewServer()
	srv.RegisterCodec(json2.NewCodec(), "application/json")

	err := srv.RegisterService(&LabVIEW{
		caller:   c,
		tracker:  t,
		validate: validator.New(),
		log:      log,
	}, "")
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(Path, srv)
	return &Gateway{mux: mux, log: log}, nil
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// ListenAndServe serves the gateway on addr until ctx is canceled
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	g.log.Info("Gateway listening", "addr", addr, "path", Path)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
