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
	"time"
)

type decoder struct {
	order binary.ByteOrder
	data  []byte
}

func (d *decoder) next(n int) ([]byte, error) {
	if n > len(d.data) {
		return nil, ErrShortBuffer
	}
	out := d.data[:n]
	d.data = d.data[n:]
	return out, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

// count reads an I32 length prefix
func (d *decoder) count() (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if int32(n) < 0 {
		return 0, ErrNegativeCount
	}
	return int(int32(n)), nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.count()
	if err != nil {
		return nil, err
	}
	b, err := d.next(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (d *decoder) decodeCluster(template Cluster) (Cluster, error) {
	out := make(Cluster, len(template))
	for i, f := range template {
		out[i].Name = f.Name

		v, err := d.decodeValue(f.Value)
		if err != nil {
			return nil, err
		}
		out[i].Value = v
	}
	return out, nil
}

// decodeValue decodes a value shaped like tmpl. Dynamic arrays
// ([]any) use their first element as the template for every
// element, since LabVIEW arrays are homogeneous.
func (d *decoder) decodeValue(tmpl any) (any, error) {
	switch t := tmpl.(type) {
	case nil:
		return nil, ErrNilPointer
	case Cluster:
		return d.decodeCluster(t)
	case map[string]any:
		return d.decodeCluster(ClusterFromMap(t))
	case []any:
		n, err := d.count()
		if err != nil {
			return nil, err
		}
		if n > len(d.data) {
			return nil, ErrShortBuffer
		}
		out := make([]any, n)
		if n == 0 {
			return out, nil
		}
		if len(t) == 0 {
			return nil, ErrNoElemTemplate
		}
		for i := range out {
			if out[i], err = d.decodeValue(t[0]); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	v := reflect.New(reflect.TypeOf(tmpl)).Elem()
	if err := d.decode(v); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func (d *decoder) decode(v reflect.Value) error {
	switch v.Type() {
	case clusterType:
		c, err := d.decodeCluster(v.Interface().(Cluster))
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(c))
		return nil
	case timeType:
		secs, err := d.u64()
		if err != nil {
			return err
		}
		frac, err := d.u64()
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(fromTimestamp(int64(secs), frac)))
		return nil
	}

	switch v.Kind() {
	case reflect.Bool:
		b, err := d.u8()
		if err != nil {
			return err
		}
		v.SetBool(b != 0)
	case reflect.Int8:
		b, err := d.u8()
		if err != nil {
			return err
		}
		v.SetInt(int64(int8(b)))
	case reflect.Int16:
		n, err := d.u16()
		if err != nil {
			return err
		}
		v.SetInt(int64(int16(n)))
	case reflect.Int32, reflect.Int:
		n, err := d.u32()
		if err != nil {
			return err
		}
		v.SetInt(int64(int32(n)))
	case reflect.Int64:
		n, err := d.u64()
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
	case reflect.Uint8:
		b, err := d.u8()
		if err != nil {
			return err
		}
		v.SetUint(uint64(b))
	case reflect.Uint16:
		n, err := d.u16()
		if err != nil {
			return err
		}
		v.SetUint(uint64(n))
	case reflect.Uint32, reflect.Uint:
		n, err := d.u32()
		if err != nil {
			return err
		}
		v.SetUint(uint64(n))
	case reflect.Uint64:
		n, err := d.u64()
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32:
		n, err := d.u32()
		if err != nil {
			return err
		}
		v.SetFloat(float64(math.Float32frombits(n)))
	case reflect.Float64:
		n, err := d.u64()
		if err != nil {
			return err
		}
		v.SetFloat(math.Float64frombits(n))
	case reflect.String:
		b, err := d.bytes()
		if err != nil {
			return err
		}
		v.SetString(string(b))
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := d.bytes()
			if err != nil {
				return err
			}
			v.SetBytes(b)
			return nil
		}
		n, err := d.count()
		if err != nil {
			return err
		}
		if n > len(d.data) {
			return ErrShortBuffer
		}
		s := reflect.MakeSlice(v.Type(), n, n)
		for i := 0; i < n; i++ {
			if err := d.decode(s.Index(i)); err != nil {
				return err
			}
		}
		v.Set(s)
	case reflect.Array:
		n, err := d.count()
		if err != nil {
			return err
		}
		if n != v.Len() {
			return ErrArrayLength
		}
		for i := 0; i < n; i++ {
			if err := d.decode(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if skipField(t.Field(i)) {
				continue
			}
			if err := d.decode(v.Field(i)); err != nil {
				return err
			}
		}
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return d.decode(v.Elem())
	default:
		return errUnsupported(v.Type())
	}
	return nil
}

// epochOffset is the number of seconds between the LabVIEW
// epoch (1904-01-01 00:00:00 UTC) and the Unix epoch
const epochOffset = 2082844800

// toTimestamp converts t to LabVIEW's 128-bit timestamp: signed
// seconds since 1904 and an unsigned fraction of a second in 2^-64 units
func toTimestamp(t time.Time) (int64, uint64) {
	secs := t.Unix() + epochOffset
	frac, _ := bitsDiv(uint64(t.Nanosecond()), 1e9)
	return secs, frac
}

func fromTimestamp(secs int64, frac uint64) time.Time {
	nanos := bitsMulHi(frac, 1e9)
	return time.Unix(secs-epochOffset, int64(nanos)).UTC()
}
