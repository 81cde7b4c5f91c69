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

package actor

import (
	"fmt"

	"go.arsenm.dev/lvrpc/lvflat"
	"go.arsenm.dev/lvrpc/message"
)

// Field names used in the flattened actor cluster
const (
	FieldClassName = "Class name"
	FieldPriority  = "Priority"
	FieldData      = "Data"
	FieldID        = "id"
	FieldExecTime  = "exec_time"
)

// Flat encodes requests as a flattened LabVIEW Actor cluster:
//
//	{"Class name": string, "Priority": I32, "Data": string}
//
// where Data holds the flattened request parameters followed by
// "id" and "exec_time" fields. Replies are expected to carry the
// same cluster, with Data matching the request's layout unless a
// reply template is registered for the method.
//
// Nested clusters (structs, Clusters and maps inside the params) are
// flattened inline as part of Data. They are not wrapped in their own
// LV string, so the receiving actor must unflatten Data with a type
// that declares the nested cluster.
//
// A zero Priority is PriorityLow. New applies DefaultPriority.
type Flat struct {
	Library  string
	Priority Priority
	Options  lvflat.Options
	// Replies holds reply Data templates by method name
	Replies map[string]lvflat.Cluster
}

func (*Flat) Name() string {
	return "flat"
}

// Wrap encodes req as an actor cluster
func (f *Flat) Wrap(req *message.Request) ([]byte, ReplyDecoder, error) {
	data, err := lvflat.ClusterOf(req.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", message.NewError(message.CodeInvalidParams, nil), err)
	}

	data = data.Set(FieldID, idString(req.ID))
	if _, ok := data.Get(FieldExecTime); !ok {
		data = append(data, lvflat.Field{Name: FieldExecTime, Value: int32(0)})
	}

	flatData, err := f.Options.Marshal(data)
	if err != nil {
		return nil, nil, err
	}

	payload, err := f.Options.Marshal(lvflat.Cluster{
		{Name: FieldClassName, Value: ClassName(f.Library, req.Method)},
		{Name: FieldPriority, Value: int32(f.Priority)},
		{Name: FieldData, Value: flatData},
	})
	if err != nil {
		return nil, nil, err
	}

	template := data
	if t, ok := f.Replies[req.Method]; ok {
		template = t
	}

	return payload, func(b []byte) (*message.Response, error) {
		return f.unwrap(b, template)
	}, nil
}

func (f *Flat) unwrap(b []byte, template lvflat.Cluster) (*message.Response, error) {
	act, err := f.Options.Decode(b, lvflat.Cluster{
		{Name: FieldClassName, Value: ""},
		{Name: FieldPriority, Value: int32(0)},
		{Name: FieldData, Value: []byte(nil)},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	raw, _ := act.Get(FieldData)
	data, err := f.Options.Decode(raw.([]byte), template)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id, ok := data.Get(FieldID)
	if !ok {
		return nil, ErrMissingID
	}
	data = data.Delete(FieldID)

	resp := message.NewResult(id, data.Map())
	if et, ok := data.Get(FieldExecTime); ok {
		resp.ExecTime = execTime(et)
	}
	return resp, nil
}

// execTime converts a numeric exec_time field to microseconds
func execTime(v any) uint32 {
	switch v := v.(type) {
	case int32:
		if v > 0 {
			return uint32(v)
		}
	case uint32:
		return v
	case int64:
		if v > 0 {
			return uint32(v)
		}
	case uint64:
		return uint32(v)
	case float64:
		if v > 0 {
			return uint32(v)
		}
	case float32:
		if v > 0 {
			return uint32(v)
		}
	case int8:
		if v > 0 {
			return uint32(v)
		}
	case int16:
		if v > 0 {
			return uint32(v)
		}
	case uint8:
		return uint32(v)
	case uint16:
		return uint32(v)
	case int:
		if v > 0 {
			return uint32(v)
		}
	}
	return 0
}
