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

package reflectutil

import (
	"encoding"
	"errors"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// ErrNotPointer is returned by Assign when the target is not a non-nil pointer
var ErrNotPointer = errors.New("cannot assign to non-pointer")

// Decode decodes in, typically a map or slice produced by a codec,
// into the value pointed to by out. Struct fields are matched using
// their json tags, and numbers and strings are converted where needed.
func Decode(in, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// Convert attempts to convert the given value to the given type
func Convert(in any, toType reflect.Type) (reflect.Value, error) {
	// A missing value becomes the zero value of the desired type
	if in == nil {
		return reflect.Zero(toType), nil
	}

	inVal := reflect.ValueOf(in)
	inType := inVal.Type()

	// If input is already the desired type, return
	if inType == toType {
		return inVal, nil
	}

	// If the output type is a pointer to the input type
	if reflect.PtrTo(inType) == toType {
		ptr := reflect.New(inType)
		ptr.Elem().Set(inVal)
		return ptr, nil
	}

	// If input is a pointer pointing to the output type
	if inType.Kind() == reflect.Ptr && inType.Elem() == toType {
		return reflect.Indirect(inVal), nil
	}

	// Numbers convert directly between each other
	if isNumber(inType.Kind()) && isNumber(toType.Kind()) {
		return inVal.Convert(toType), nil
	}

	out := reflect.New(toType)

	switch val := in.(type) {
	case string:
		// If desired type satisfies text unmarshaler
		if u, ok := out.Interface().(encoding.TextUnmarshaler); ok {
			if err := u.UnmarshalText([]byte(val)); err != nil {
				return reflect.Value{}, err
			}
			return out.Elem(), nil
		}
	case []byte:
		// If desired type satisfies binary unmarshaler
		if u, ok := out.Interface().(encoding.BinaryUnmarshaler); ok {
			if err := u.UnmarshalBinary(val); err != nil {
				return reflect.Value{}, err
			}
			return out.Elem(), nil
		}
	}

	if err := Decode(in, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %s to %s: %w", inType, toType, err)
	}
	return out.Elem(), nil
}

// Assign converts in and stores it in the value pointed to by ptr
func Assign(in any, ptr any) error {
	ptrVal := reflect.ValueOf(ptr)
	if ptrVal.Kind() != reflect.Ptr || ptrVal.IsNil() {
		return fmt.Errorf("%w %T", ErrNotPointer, ptr)
	}

	val, err := Convert(in, ptrVal.Type().Elem())
	if err != nil {
		return err
	}
	ptrVal.Elem().Set(val)
	return nil
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
