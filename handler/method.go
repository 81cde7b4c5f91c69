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

package handler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"go.arsenm.dev/lvrpc/internal/reflectutil"
	"go.arsenm.dev/lvrpc/message"
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// MethodDesc describes a registered method
type MethodDesc struct {
	Name    string   `json:"name"`
	Args    []string `json:"args"`
	Returns []string `json:"returns"`
}

// method is a registered request method
type method struct {
	fn      reflect.Value
	argType reflect.Type
	hasRet  bool
	hasErr  bool
}

// newMethod checks that fn has one of the accepted shapes
// and returns a method wrapping it
func newMethod(fn reflect.Value) (*method, error) {
	if fn.Kind() != reflect.Func {
		return nil, ErrNotFunc
	}
	if !mtdValid(fn.Type()) {
		return nil, ErrInvalidMethod
	}

	typ := fn.Type()
	m := &method{fn: fn}
	if typ.NumIn() == 2 {
		m.argType = typ.In(1)
	}

	switch typ.NumOut() {
	case 1:
		if typ.Out(0) == errType {
			m.hasErr = true
		} else {
			m.hasRet = true
		}
	case 2:
		m.hasRet = true
		m.hasErr = true
	}

	return m, nil
}

func mtdValid(typ reflect.Type) bool {
	// A method takes a context and at most one argument
	if typ.NumIn() < 1 || typ.NumIn() > 2 || typ.IsVariadic() {
		return false
	}
	if typ.In(0) != ctxType {
		return false
	}

	// ...and returns at most a value and an error
	if typ.NumOut() > 2 {
		return false
	}
	if typ.NumOut() == 2 && typ.Out(1) != errType {
		return false
	}

	return true
}

func (m *method) desc(name string) MethodDesc {
	typ := m.fn.Type()

	// Skip first argument, as it is the context
	args := make([]string, 0, 1)
	for i := 1; i < typ.NumIn(); i++ {
		args = append(args, typ.In(i).String())
	}

	returns := make([]string, 0, typ.NumOut())
	for i := 0; i < typ.NumOut(); i++ {
		returns = append(returns, typ.Out(i).String())
	}

	return MethodDesc{Name: name, Args: args, Returns: returns}
}

// call converts params to the method's argument, validates it
// and runs the method
func (m *method) call(ctx context.Context, params any, validate *validator.Validate) (any, error) {
	in := []reflect.Value{reflect.ValueOf(ctx)}

	if m.argType == nil {
		if !emptyParams(params) {
			return nil, message.NewError(message.CodeInvalidParams, "method does not accept any parameters")
		}
	} else {
		arg, err := m.convertArg(params)
		if err != nil {
			return nil, message.NewError(message.CodeInvalidParams, err.Error())
		}
		if err := validateArg(validate, arg); err != nil {
			return nil, err
		}
		in = append(in, arg)
	}

	out := m.fn.Call(in)

	var (
		ret any
		err error
	)
	if m.hasRet {
		ret = out[0].Interface()
	}
	if m.hasErr {
		if e := out[len(out)-1].Interface(); e != nil {
			err = e.(error)
		}
	}
	return ret, err
}

func (m *method) convertArg(params any) (reflect.Value, error) {
	if list, ok := params.([]any); ok {
		switch m.argType.Kind() {
		case reflect.Slice, reflect.Array:
		default:
			// Positional params with a single element
			// map to a non-list argument
			if len(list) != 1 {
				return reflect.Value{}, fmt.Errorf("expected 1 positional parameter, got %d", len(list))
			}
			params = list[0]
		}
	}
	return reflectutil.Convert(params, m.argType)
}

// validateArg runs struct validation on arg, returning an
// Invalid params error describing the failing fields
func validateArg(validate *validator.Validate, arg reflect.Value) error {
	v := arg
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	err := validate.Struct(v.Interface())
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return message.NewError(message.CodeInvalidParams, err.Error())
	}

	fields := make([]map[string]any, 0, len(verrs))
	for _, fe := range verrs {
		f := map[string]any{
			"field": fe.Field(),
			"tag":   fe.Tag(),
		}
		if p := fe.Param(); p != "" {
			f["param"] = p
		}
		fields = append(fields, f)
	}
	return message.NewError(message.CodeInvalidParams, fields)
}

func emptyParams(params any) bool {
	switch p := params.(type) {
	case nil:
		return true
	case map[string]any:
		return len(p) == 0
	case []any:
		return len(p) == 0
	}
	return false
}

// shortName lowercases the first letter of name
func shortName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}

// receiverName returns the name of the type underlying v
func receiverName(val reflect.Value) (string, error) {
	switch val.Kind() {
	case reflect.Ptr:
		if val.Elem().Kind() != reflect.Struct {
			return "", ErrInvalidType
		}
		return val.Elem().Type().Name(), nil
	case reflect.Struct:
		return val.Type().Name(), nil
	default:
		return "", ErrInvalidType
	}
}

func validName(name string) bool {
	return strings.TrimSpace(name) != ""
}
