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

package codec

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownCodec is returned by ByName when no codec has the requested name
var ErrUnknownCodec = errors.New("unknown codec")

// Codec is able to encode and decode message payloads.
// Framing is handled separately, a codec only sees the
// bytes of a single payload.
type Codec interface {
	Name() string
	Marshal(val any) ([]byte, error)
	Unmarshal(data []byte, val any) error
}

// Default is the default Codec. LabVIEW peers speak JSON.
var Default Codec = JSON

// JSON encodes payloads as JSON
var JSON Codec = jsonCodec{}

// Msgpack encodes payloads as MessagePack
var Msgpack Codec = msgpackCodec{}

// ByName returns the codec with the given name
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", JSON.Name():
		return JSON, nil
	case Msgpack.Name():
		return Msgpack, nil
	default:
		return nil, ErrUnknownCodec
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(val any) ([]byte, error) {
	return json.Marshal(val)
}

func (jsonCodec) Unmarshal(data []byte, val any) error {
	return json.Unmarshal(data, val)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string {
	return "msgpack"
}

func (msgpackCodec) Marshal(val any) ([]byte, error) {
	return msgpack.Marshal(val)
}

func (msgpackCodec) Unmarshal(data []byte, val any) error {
	return msgpack.Unmarshal(data, val)
}
