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

// Package message implements the JSON-Message 2.0 data model spoken
// between lvrpc and LabVIEW. It closely follows JSON-RPC 2.0, with an
// additional exec_time field on responses carrying the time the remote
// side spent executing the request, in microseconds.
package message

import (
	"fmt"
)

// Version is the protocol version carried by every message
const Version = "2.0"

// Request represents a request sent to a peer
type Request struct {
	// ID correlates the request with its response.
	// A nil ID makes the request a notification.
	ID     any
	Method string
	// Params is either a map of named parameters,
	// a slice of positional parameters, or nil.
	Params any
}

// IsNotification reports whether the request expects no response
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Map returns the request as a map containing exactly
// the keys that should appear on the wire
func (r *Request) Map() map[string]any {
	out := map[string]any{
		"jsonrpc": Version,
		"method":  r.Method,
	}
	if r.ID != nil {
		out["id"] = r.ID
	}
	if r.Params != nil {
		out["params"] = r.Params
	}
	return out
}

// Response represents a response returned by a peer
type Response struct {
	ID     any
	Result any
	Error  *Error
	// ExecTime is the remote execution time in microseconds
	ExecTime uint32
}

// NewResult creates a successful response
func NewResult(id, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse creates an error response
func NewErrorResponse(id any, err *Error) *Response {
	return &Response{ID: id, Error: err}
}

// IsError reports whether the response carries an error
func (r *Response) IsError() bool {
	return r.Error != nil
}

// Map returns the response as a map. Result is always
// present when there is no error, even if it is nil.
func (r *Response) Map() map[string]any {
	out := map[string]any{
		"jsonrpc": Version,
		"id":      r.ID,
	}
	if r.Error != nil {
		out["error"] = r.Error.Map()
	} else {
		out["result"] = r.Result
	}
	if r.ExecTime != 0 {
		out["exec_time"] = r.ExecTime
	}
	return out
}

// Parse validates a decoded message and returns either
// a *Request or a *Response
func Parse(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, NewError(CodeInvalidRequest, "Data must be a dictionary")
	}

	if _, ok := m["method"]; ok {
		return ParseRequest(m)
	}

	_, hasResult := m["result"]
	_, hasError := m["error"]
	if hasResult || hasError {
		return ParseResponse(m)
	}

	return nil, NewError(CodeInvalidRequest, "Message must be a request or a response")
}

// ParseRequest validates m and converts it to a Request
func ParseRequest(m map[string]any) (*Request, error) {
	if err := checkVersion(m); err != nil {
		return nil, err
	}

	method, ok := m["method"].(string)
	if !ok || method == "" {
		return nil, NewError(CodeInvalidRequest, "Request must include a valid method name")
	}

	params := m["params"]
	switch params.(type) {
	case nil, map[string]any, []any:
	default:
		return nil, NewError(CodeInvalidRequest, "Params must be an object or an array")
	}

	return &Request{
		ID:     m["id"],
		Method: method,
		Params: params,
	}, nil
}

// ParseResponse validates m and converts it to a Response
func ParseResponse(m map[string]any) (*Response, error) {
	if err := checkVersion(m); err != nil {
		return nil, err
	}

	if _, ok := m["id"]; !ok {
		return nil, NewError(CodeInvalidRequest, "Response must include an ID")
	}

	result, hasResult := m["result"]
	rawErr, hasError := m["error"]
	if hasResult && hasError {
		return nil, NewError(CodeInvalidRequest, "Response cannot contain both result and error")
	}
	if !hasResult && !hasError {
		return nil, NewError(CodeInvalidRequest, "Response must contain either result or error")
	}

	resp := &Response{ID: m["id"], Result: result}

	if hasError {
		em, ok := rawErr.(map[string]any)
		if !ok {
			return nil, NewError(CodeInvalidRequest, "Error must be an object")
		}
		e, err := ParseError(em)
		if err != nil {
			return nil, err
		}
		resp.Error = e
	}

	if et, ok := m["exec_time"]; ok {
		n, err := toUint32(et)
		if err != nil {
			return nil, NewError(CodeInvalidRequest, "Invalid exec_time: "+err.Error())
		}
		resp.ExecTime = n
	}

	return resp, nil
}

// IDKey returns a string usable as a map key for the given ID.
// Numeric IDs decoded from different codecs (float64, int8, uint64, ...)
// map to the same key.
func IDKey(id any) string {
	switch id := id.(type) {
	case nil:
		return ""
	case string:
		return id
	case float32:
		return fmt.Sprint(float64(id))
	default:
		return fmt.Sprint(id)
	}
}

func checkVersion(m map[string]any) error {
	if v, _ := m["jsonrpc"].(string); v != Version {
		return NewError(CodeInvalidRequest, "Invalid JSON-Message version")
	}
	return nil
}

func toUint32(v any) (uint32, error) {
	switch v := v.(type) {
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("negative value %v", v)
		}
		return uint32(v), nil
	case float32:
		if v < 0 {
			return 0, fmt.Errorf("negative value %v", v)
		}
		return uint32(v), nil
	case int8, int16, int32, int64, int:
		n := toInt64(v)
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint32(n), nil
	case uint8:
		return uint32(v), nil
	case uint16:
		return uint32(v), nil
	case uint32:
		return v, nil
	case uint64:
		return uint32(v), nil
	case uint:
		return uint32(v), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toInt64(v any) int64 {
	switch v := v.(type) {
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
