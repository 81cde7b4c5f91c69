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

package lvflat

import (
	"encoding/binary"
	"math"
	"reflect"
	"sort"
	"time"
)

type encoder struct {
	order binary.ByteOrder
	buf   []byte
}

func (e *encoder) encode(v reflect.Value) error {
	if !v.IsValid() {
		return ErrNilPointer
	}

	switch v.Type() {
	case clusterType:
		for _, f := range v.Interface().(Cluster) {
			if err := e.encode(reflect.ValueOf(f.Value)); err != nil {
				return err
			}
		}
		return nil
	case timeType:
		e.timestamp(v.Interface().(time.Time))
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.buf = append(e.buf, 1)
		} else {
			e.buf = append(e.buf, 0)
		}
	case reflect.Int8:
		e.buf = append(e.buf, byte(v.Int()))
	case reflect.Int16:
		e.u16(uint16(v.Int()))
	case reflect.Int32, reflect.Int:
		e.u32(uint32(v.Int()))
	case reflect.Int64:
		e.u64(uint64(v.Int()))
	case reflect.Uint8:
		e.buf = append(e.buf, byte(v.Uint()))
	case reflect.Uint16:
		e.u16(uint16(v.Uint()))
	case reflect.Uint32, reflect.Uint:
		e.u32(uint32(v.Uint()))
	case reflect.Uint64:
		e.u64(v.Uint())
	case reflect.Float32:
		e.u32(math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		e.u64(math.Float64bits(v.Float()))
	case reflect.String:
		e.bytes([]byte(v.String()))
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			e.bytes(v.Bytes())
			return nil
		}
		return e.array(v)
	case reflect.Array:
		return e.array(v)
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if skipField(t.Field(i)) {
				continue
			}
			if err := e.encode(v.Field(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		return e.mapCluster(v)
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return ErrNilPointer
		}
		return e.encode(v.Elem())
	default:
		return errUnsupported(v.Type())
	}
	return nil
}

func (e *encoder) array(v reflect.Value) error {
	e.u32(uint32(v.Len()))
	for i := 0; i < v.Len(); i++ {
		if err := e.encode(v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

// mapCluster flattens a map with string keys as a
// cluster whose elements are sorted by key
func (e *encoder) mapCluster(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return errUnsupported(v.Type())
	}

	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	for _, k := range keys {
		if err := e.encode(v.MapIndex(k)); err != nil {
			return err
		}
	}
	return nil
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) u16(n uint16) {
	var b [2]byte
	e.order.PutUint16(b[:], n)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u32(n uint32) {
	var b [4]byte
	e.order.PutUint32(b[:], n)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) u64(n uint64) {
	var b [8]byte
	e.order.PutUint64(b[:], n)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) timestamp(t time.Time) {
	secs, frac := toTimestamp(t)
	e.u64(uint64(secs))
	e.u64(frac)
}
