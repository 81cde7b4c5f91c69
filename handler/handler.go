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

// Package handler dispatches JSON-Message requests to registered Go
// methods and routes responses to registered response handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/codec"
	"go.arsenm.dev/lvrpc/message"
	"go.arsenm.dev/lvrpc/tracker"
)

var (
	ErrNotFunc       = errors.New("value must be a function")
	ErrInvalidType   = errors.New("type must be struct or pointer to struct")
	ErrInvalidMethod = errors.New("function signature invalid for rpc call")
	ErrInvalidName   = errors.New("method name must not be empty")
)

// DefaultResponse is the name of the response handler used when
// no handler is registered for a response's method
const DefaultResponse = "default"

// ResponseFunc handles a response to an outgoing request
type ResponseFunc func(resp *message.Response)

// Option configures a Handler
type Option func(*Handler)

// WithCodec sets the codec used by Process. The default is codec.Default.
func WithCodec(c codec.Codec) Option {
	return func(h *Handler) {
		h.codec = c
	}
}

// WithTracker sets the tracker used to follow messages
func WithTracker(t *tracker.Tracker) Option {
	return func(h *Handler) {
		h.tracker = t
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// WithValidator sets the validator used for struct arguments
func WithValidator(v *validator.Validate) Option {
	return func(h *Handler) {
		h.validate = v
	}
}

// WithShortNames makes RegisterReceiver also register every method
// under its name with the first letter lowercased
func WithShortNames() Option {
	return func(h *Handler) {
		h.shortNames = true
	}
}

// WithRequestTimeout sets the timeout used when tracking outgoing requests
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.timeout = d
	}
}

// Handler holds the method registries and processes messages
type Handler struct {
	mtx       sync.RWMutex
	methods   map[string]*method
	responses map[string]ResponseFunc

	codec      codec.Codec
	tracker    *tracker.Tracker
	validate   *validator.Validate
	log        *slog.Logger
	shortNames bool
	timeout    time.Duration
}

// New creates a new handler
func New(opts ...Option) *Handler {
	h := &Handler{
		methods:   map[string]*method{},
		responses: map[string]ResponseFunc{},
		codec:     codec.Default,
		timeout:   tracker.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With("component", "handler")
	if h.tracker == nil {
		h.tracker = tracker.New(h.log)
	}
	if h.validate == nil {
		h.validate = validator.New()
	}

	h.responses[DefaultResponse] = h.logResponse
	return h
}

// Tracker returns the tracker used by the handler
func (h *Handler) Tracker() *tracker.Tracker {
	return h.tracker
}

// Codec returns the codec used by Process
func (h *Handler) Codec() codec.Codec {
	return h.codec
}

// RegisterFunc registers fn as the request method name. fn must have
// the form func(context.Context[, A]) ([R][, error]). An existing
// method with the same name is replaced.
func (h *Handler) RegisterFunc(name string, fn any) error {
	m, err := h.newMethod(name, fn)
	if err != nil {
		return err
	}

	h.mtx.Lock()
	defer h.mtx.Unlock()
	if _, ok := h.methods[name]; ok {
		h.log.Warn("Overriding existing request method", "method", name)
	}
	h.methods[name] = m
	return nil
}

// RegisterStrict works like RegisterFunc but fails with a
// Method already exists error if name is taken
func (h *Handler) RegisterStrict(name string, fn any) error {
	m, err := h.newMethod(name, fn)
	if err != nil {
		return err
	}

	h.mtx.Lock()
	defer h.mtx.Unlock()
	if _, ok := h.methods[name]; ok {
		return message.NewError(message.CodeMethodExists, name)
	}
	h.methods[name] = m
	return nil
}

func (h *Handler) newMethod(name string, fn any) (*method, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	m, err := newMethod(reflect.ValueOf(fn))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}

// RegisterReceiver registers every exported method of v that has a
// valid signature as "<Type>.<Method>". Methods with other signatures
// are skipped.
func (h *Handler) RegisterReceiver(v any) error {
	val := reflect.ValueOf(v)
	name, err := receiverName(val)
	if err != nil {
		return err
	}

	typ := val.Type()
	registered := make([]string, 0, val.NumMethod())

	h.mtx.Lock()
	defer h.mtx.Unlock()

	for i := 0; i < val.NumMethod(); i++ {
		m, err := newMethod(val.Method(i))
		if err != nil {
			continue
		}

		mtdName := typ.Method(i).Name
		names := []string{name + "." + mtdName}
		if h.shortNames {
			names = append(names, shortName(mtdName))
		}

		for _, n := range names {
			if _, ok := h.methods[n]; ok {
				h.log.Warn("Overriding existing request method", "method", n)
			}
			h.methods[n] = m
		}
		registered = append(registered, names[0])
	}

	h.log.Debug("Registered receiver", "receiver", name, "methods", registered)
	return nil
}

// Unregister removes the request method name
func (h *Handler) Unregister(name string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	delete(h.methods, name)
}

// RegisterResponse registers fn to handle responses to requests for
// method. Registering DefaultResponse replaces the fallback handler.
func (h *Handler) RegisterResponse(method string, fn ResponseFunc) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if _, ok := h.responses[method]; ok && method != DefaultResponse {
		h.log.Warn("Overriding existing response method", "method", method)
	}
	h.responses[method] = fn
}

// Methods returns descriptions of all registered request methods,
// sorted by name
func (h *Handler) Methods() []MethodDesc {
	h.mtx.RLock()
	defer h.mtx.RUnlock()

	out := make([]MethodDesc, 0, len(h.methods))
	for name, m := range h.methods {
		out = append(out, m.desc(name))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// NewRequest creates a request for method with a random UUID as its ID
func (h *Handler) NewRequest(method string, params any) *message.Request {
	return &message.Request{
		ID:     uuid.Must(uuid.NewV4()).String(),
		Method: method,
		Params: params,
	}
}

// Track records req as sent. size is the encoded size of the payload
// that carried it.
func (h *Handler) Track(req *message.Request, size int) {
	h.tracker.TrackOutgoingRequest(req, h.timeout, size)
}

// Encode encodes a request or response using the handler's codec
func (h *Handler) Encode(msg interface{ Map() map[string]any }) ([]byte, error) {
	return h.codec.Marshal(msg.Map())
}

// Decode decodes and validates a message. On failure, it returns the
// error response that should be sent back to the peer.
func (h *Handler) Decode(raw []byte) (any, *message.Response) {
	var v any
	if err := h.codec.Unmarshal(raw, &v); err != nil {
		h.log.Error("Message parse error", "err", err)
		return nil, message.NewErrorResponse(nil, message.NewError(message.CodeParseError, nil))
	}

	msg, err := message.Parse(v)
	if err != nil {
		var id any
		if m, ok := v.(map[string]any); ok {
			id = m["id"]
		}
		return nil, message.NewErrorResponse(id, message.AsError(err))
	}
	return msg, nil
}

// Process decodes raw, handles the message and returns the encoded
// response. A nil slice is returned when there is nothing to send back,
// such as for notifications and responses.
func (h *Handler) Process(ctx context.Context, raw []byte) ([]byte, error) {
	var resp *message.Response

	msg, errResp := h.Decode(raw)
	if errResp != nil {
		resp = errResp
		h.tracker.TrackOutgoingResponse(resp)
	} else {
		switch msg := msg.(type) {
		case *message.Request:
			resp = h.HandleRequest(ctx, msg)
		case *message.Response:
			h.HandleResponse(msg, len(raw))
		}
	}

	if resp == nil {
		return nil, nil
	}
	return h.Encode(resp)
}

type requestKey struct{}

// RequestFromContext returns the request being handled, if ctx
// was passed to a method by the handler
func RequestFromContext(ctx context.Context) (*message.Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*message.Request)
	return req, ok
}

// HandleRequest runs the method named by req and returns its
// response, or nil if req is a notification
func (h *Handler) HandleRequest(ctx context.Context, req *message.Request) *message.Response {
	h.tracker.TrackIncomingRequest(req)

	start := time.Now()
	result, err := h.execute(context.WithValue(ctx, requestKey{}, req), req)
	execTime := time.Since(start).Microseconds()

	if err != nil {
		h.log.Debug("Request failed", "method", req.Method, "id", req.ID, "err", err)
	}

	if req.IsNotification() {
		return nil
	}

	var resp *message.Response
	if err != nil {
		resp = message.NewErrorResponse(req.ID, message.AsError(err))
	} else {
		resp = message.NewResult(req.ID, result)
	}
	resp.ExecTime = uint32(execTime)

	h.tracker.TrackOutgoingResponse(resp)
	return resp
}

func (h *Handler) execute(ctx context.Context, req *message.Request) (result any, err error) {
	h.mtx.RLock()
	m, ok := h.methods[req.Method]
	h.mtx.RUnlock()
	if !ok {
		return nil, message.NewError(message.CodeMethodNotFound, req.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Method panicked", "method", req.Method, "panic", r)
			result, err = nil, message.NewError(message.CodeInternalError, fmt.Sprint(r))
		}
	}()

	return m.call(ctx, req.Params, h.validate)
}

// HandleResponse routes resp to the response handler registered for
// the method of the request it answers, falling back to DefaultResponse
func (h *Handler) HandleResponse(resp *message.Response, size int) {
	method, ok := h.tracker.TrackIncomingResponse(resp, size)
	if !ok {
		method = DefaultResponse
	}

	h.mtx.RLock()
	fn, ok := h.responses[method]
	if !ok {
		fn, ok = h.responses[DefaultResponse]
	}
	h.mtx.RUnlock()

	if !ok || fn == nil {
		h.log.Warn("No response handler for method", "method", method)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.log.Error("Response handler panicked", "method", method, "panic", r)
		}
	}()
	fn(resp)
}

func (h *Handler) logResponse(resp *message.Response) {
	if resp.IsError() {
		h.log.Warn("Received error response", "id", resp.ID, "err", resp.Error)
		return
	}
	h.log.Info("Received response", "id", resp.ID, "result", resp.Result, "exec_time", resp.ExecTime)
}
