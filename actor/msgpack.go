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

	"github.com/vmihailenco/msgpack/v5"

	"go.arsenm.dev/lvrpc/message"
)

// Msgpack encodes requests as a MessagePack map with
// two binary fields, each holding a MessagePack document:
//
//	{"Headers": {"Actor": ..., "Message": ..., "Priority": ...}, "Data": {...}}
//
// The request ID travels inside Data under "id". A zero Priority
// is PriorityLow.
type Msgpack struct {
	Actor    string
	Priority Priority
}

func (*Msgpack) Name() string {
	return "msgpack"
}

// Headers describes the destination of a msgpack actor message
type Headers struct {
	Actor    string `msgpack:"Actor"`
	Message  string `msgpack:"Message"`
	Priority int32  `msgpack:"Priority"`
}

type envelope struct {
	Headers []byte `msgpack:"Headers"`
	Data    []byte `msgpack:"Data"`
}

// Wrap encodes req as a msgpack actor message
func (m *Msgpack) Wrap(req *message.Request) ([]byte, ReplyDecoder, error) {
	data := map[string]any{}
	switch p := req.Params.(type) {
	case nil:
	case map[string]any:
		for k, v := range p {
			data[k] = v
		}
	default:
		return nil, nil, fmt.Errorf("%w: msgpack actor params must be named", message.NewError(message.CodeInvalidParams, nil))
	}
	data[FieldID] = idString(req.ID)

	hdr, err := msgpack.Marshal(Headers{
		Actor:    m.Actor,
		Message:  req.Method,
		Priority: int32(m.Priority),
	})
	if err != nil {
		return nil, nil, err
	}

	body, err := msgpack.Marshal(data)
	if err != nil {
		return nil, nil, err
	}

	payload, err := msgpack.Marshal(envelope{Headers: hdr, Data: body})
	if err != nil {
		return nil, nil, err
	}
	return payload, m.unwrap, nil
}

func (m *Msgpack) unwrap(b []byte) (*message.Response, error) {
	var outer map[string]any
	if err := msgpack.Unmarshal(b, &outer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	raw, err := binField(outer["Data"])
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if err := msgpack.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id, ok := data[FieldID]
	if !ok {
		return nil, ErrMissingID
	}
	delete(data, FieldID)

	resp := message.NewResult(id, data)
	if et, ok := data[FieldExecTime]; ok {
		resp.ExecTime = execTime(et)
	}
	return resp, nil
}

// binField returns the bytes of a binary field. LabVIEW's msgpack
// libraries sometimes emit binary data as an array of integers,
// so both forms are accepted.
func binField(v any) ([]byte, error) {
	switch v := v.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case []any:
		out := make([]byte, len(v))
		for i, e := range v {
			n, ok := byteValue(e)
			if !ok {
				return nil, fmt.Errorf("%w: element %d of binary field is %T", ErrMalformed, i, e)
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unexpected binary field type %T", ErrMalformed, v)
	}
}

func byteValue(v any) (byte, bool) {
	switch v := v.(type) {
	case uint8:
		return v, true
	case int8:
		return byte(v), true
	case uint16:
		return byte(v), v <= 0xff
	case int16:
		return byte(v), v >= 0 && v <= 0xff
	case uint32:
		return byte(v), v <= 0xff
	case int32:
		return byte(v), v >= 0 && v <= 0xff
	case uint64:
		return byte(v), v <= 0xff
	case int64:
		return byte(v), v >= 0 && v <= 0xff
	}
	return 0, false
}
