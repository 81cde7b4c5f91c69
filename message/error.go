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

package message

import (
	"errors"
	"fmt"
)

// Standard error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Implementation-defined error codes
const (
	CodeMethodExists = -32000
	CodeServerError  = -32001
)

var messages = map[int]string{
	CodeParseError:     "Parse error",
	CodeInvalidRequest: "Invalid Request",
	CodeMethodNotFound: "Method not found",
	CodeInvalidParams:  "Invalid params",
	CodeInternalError:  "Internal error",
	CodeMethodExists:   "Method already exists",
	CodeServerError:    "Server error",
}

// Error is a protocol error carried in a response
type Error struct {
	Code     int
	Message  string
	Metadata any
}

// NewError creates an error with the standard message for code.
// Unknown codes get the message of CodeInternalError.
func NewError(code int, metadata any) *Error {
	msg, ok := messages[code]
	if !ok {
		msg = messages[CodeInternalError]
	}
	return &Error{
		Code:     code,
		Message:  msg,
		Metadata: metadata,
	}
}

// AsError converts err to an *Error. Errors that are already
// *Error are returned as-is; anything else becomes an internal
// error carrying the original error text as metadata.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(CodeInternalError, err.Error())
}

func (e *Error) Error() string {
	if e.Metadata == nil {
		return fmt.Sprintf("%d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s - %v", e.Code, e.Message, e.Metadata)
}

// Is matches errors by code so that errors.Is works against
// values created with NewError
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Map returns the error as it should appear on the wire
func (e *Error) Map() map[string]any {
	out := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if e.Metadata != nil {
		out["metadata"] = e.Metadata
	}
	return out
}

// ParseError converts a decoded error object to an *Error
func ParseError(m map[string]any) (*Error, error) {
	code, ok := toInt(m["code"])
	if !ok {
		return nil, NewError(CodeInvalidRequest, "Error must include an integer code")
	}
	msg, _ := m["message"].(string)
	return &Error{
		Code:     code,
		Message:  msg,
		Metadata: m["metadata"],
	}, nil
}

func toInt(v any) (int, bool) {
	switch v := v.(type) {
	case float64:
		return int(v), v == float64(int(v))
	case float32:
		return int(v), v == float32(int(v))
	case int8, int16, int32, int64, int:
		return int(toInt64(v)), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		return int(v), true
	}
	return 0, false
}
