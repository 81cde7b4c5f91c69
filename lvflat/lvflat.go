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

// Package lvflat implements LabVIEW binary flattening, the format produced
// by LabVIEW's "Flatten To String" and consumed by "Unflatten From String".
//
// Numbers are stored with a fixed width in big-endian order unless another
// order is requested. Strings and arrays are prefixed with an I32 length,
// and clusters are the concatenation of their elements. Go structs map to
// clusters, with fields flattened in declaration order. Fields tagged
// `lv:"-"` are skipped. Go's int and uint are flattened as I32 and U32.
//
// Because LabVIEW clusters are ordered, dynamic data is represented with
// Cluster rather than maps. When decoding, a Cluster acts as a template
// whose field order and value types describe the expected layout.
package lvflat

import (
	"encoding/binary"
	"errors"
	"reflect"
	"sort"
	"time"
)

var (
	ErrShortBuffer    = errors.New("lvflat: unexpected end of data")
	ErrNilPointer     = errors.New("lvflat: cannot flatten nil pointer")
	ErrNotPointer     = errors.New("lvflat: decode target must be a non-nil pointer")
	ErrArrayLength    = errors.New("lvflat: array length does not match")
	ErrNegativeCount  = errors.New("lvflat: negative length")
	ErrNoElemTemplate = errors.New("lvflat: empty template array cannot describe its elements")
)

// UnsupportedTypeError is returned when a value cannot be flattened
type UnsupportedTypeError struct {
	Type reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	return "lvflat: unsupported type " + e.Type.String()
}

// Field is a named element of a Cluster
type Field struct {
	Name  string
	Value any
}

// Cluster is an ordered collection of named values
type Cluster []Field

// Get returns the value of the first field with the given name
func (c Cluster) Get(name string) (any, bool) {
	for _, f := range c {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Set replaces the value of the named field, appending
// the field if it does not exist
func (c Cluster) Set(name string, v any) Cluster {
	for i := range c {
		if c[i].Name == name {
			c[i].Value = v
			return c
		}
	}
	return append(c, Field{Name: name, Value: v})
}

// Delete removes the named field
func (c Cluster) Delete(name string) Cluster {
	out := c[:0]
	for _, f := range c {
		if f.Name != name {
			out = append(out, f)
		}
	}
	return out
}

// Names returns the field names in order
func (c Cluster) Names() []string {
	out := make([]string, len(c))
	for i, f := range c {
		out[i] = f.Name
	}
	return out
}

// Map converts the cluster to a map, converting
// nested clusters recursively
func (c Cluster) Map() map[string]any {
	out := make(map[string]any, len(c))
	for _, f := range c {
		out[f.Name] = mapValue(f.Value)
	}
	return out
}

func mapValue(v any) any {
	switch v := v.(type) {
	case Cluster:
		return v.Map()
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = mapValue(elem)
		}
		return out
	}
	return v
}

// ClusterFromMap converts a map to a Cluster. Maps are unordered,
// so keys are sorted to give a deterministic layout. Nested
// maps with string keys become nested clusters.
func ClusterFromMap(m map[string]any) Cluster {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Cluster, 0, len(m))
	for _, k := range keys {
		v := m[k]
		if sub, ok := v.(map[string]any); ok {
			v = ClusterFromMap(sub)
		}
		out = append(out, Field{Name: k, Value: v})
	}
	return out
}

// Options controls flattening
type Options struct {
	Order binary.ByteOrder
}

// Default flattens in big-endian order, as LabVIEW does
var Default = Options{Order: binary.BigEndian}

// Marshal flattens v using Default
func Marshal(v any) ([]byte, error) {
	return Default.Marshal(v)
}

// Unmarshal unflattens data into v using Default
func Unmarshal(data []byte, v any) error {
	return Default.Unmarshal(data, v)
}

// Marshal flattens v
func (o Options) Marshal(v any) ([]byte, error) {
	e := &encoder{order: o.order()}
	if err := e.encode(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// Unmarshal unflattens data into v, which must be a non-nil pointer.
// Trailing data after the decoded value is ignored, like the
// "rest of the binary string" output of Unflatten From String.
func (o Options) Unmarshal(data []byte, v any) error {
	_, err := o.UnmarshalRest(data, v)
	return err
}

// UnmarshalRest is like Unmarshal but returns the unread data
func (o Options) UnmarshalRest(data []byte, v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return data, ErrNotPointer
	}

	d := &decoder{order: o.order(), data: data}

	// A pointer to a Cluster uses the cluster as its own template
	if cp, ok := v.(*Cluster); ok {
		c, err := d.decodeCluster(*cp)
		if err != nil {
			return d.data, err
		}
		*cp = c
		return d.data, nil
	}

	if err := d.decode(rv.Elem()); err != nil {
		return d.data, err
	}
	return d.data, nil
}

// Decode unflattens data according to template and returns
// a new cluster holding the decoded values
func (o Options) Decode(data []byte, template Cluster) (Cluster, error) {
	d := &decoder{order: o.order(), data: data}
	return d.decodeCluster(template)
}

func (o Options) order() binary.ByteOrder {
	if o.Order == nil {
		return binary.BigEndian
	}
	return o.Order
}

var (
	clusterType = reflect.TypeOf(Cluster(nil))
	timeType    = reflect.TypeOf(time.Time{})
)

func skipField(f reflect.StructField) bool {
	return !f.IsExported() || f.Tag.Get("lv") == "-"
}

func errUnsupported(t reflect.Type) error {
	return &UnsupportedTypeError{Type: t}
}

// ClusterOf converts v to a Cluster. v may be a Cluster, a map with
// string keys, or a struct (or pointer to struct). Struct fields are
// named after their `lv` tag when present, otherwise after the field.
func ClusterOf(v any) (Cluster, error) {
	switch v := v.(type) {
	case nil:
		return Cluster{}, nil
	case Cluster:
		out := make(Cluster, len(v))
		copy(out, v)
		return out, nil
	case map[string]any:
		return ClusterFromMap(v), nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, ErrNilPointer
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct || rv.Type() == timeType {
		return nil, errUnsupported(rv.Type())
	}

	t := rv.Type()
	out := make(Cluster, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if skipField(sf) {
			continue
		}
		name := sf.Tag.Get("lv")
		if name == "" {
			name = sf.Name
		}
		out = append(out, Field{Name: name, Value: rv.Field(i).Interface()})
	}
	return out, nil
}
