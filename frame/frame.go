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

// Package frame implements the length-prefixed framing used on
// lvrpc TCP connections.
//
// In trailer mode, which LabVIEW peers use, a frame looks like this:
//
//	[u32 size][payload][u32 trailer]
//
// where size counts the payload and the trailer. The trailer of a
// response holds the remote execution time in microseconds. In plain
// mode the trailer is omitted and size is the payload length.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// HeaderSize is the length of the size header
	HeaderSize = 4
	// TrailerSize is the length of the trailer
	TrailerSize = 4
	// DefaultMaxSize is the largest frame accepted by default
	DefaultMaxSize = 64 * 1024 * 1024
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrShortFrame    = errors.New("frame shorter than its trailer")
	ErrUnknownOrder  = errors.New("unknown byte order")
)

// Frame is a single payload along with its trailer value
type Frame struct {
	Payload []byte
	Trailer uint32
}

// Options configures framing
type Options struct {
	Order   binary.ByteOrder
	Trailer bool
	MaxSize uint32
}

// DefaultOptions returns the framing used by LabVIEW peers
func DefaultOptions() Options {
	return Options{
		Order:   binary.BigEndian,
		Trailer: true,
		MaxSize: DefaultMaxSize,
	}
}

// ParseOrder converts "big" or "little" to a byte order
func ParseOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(s) {
	case "", "big", "be", ">":
		return binary.BigEndian, nil
	case "little", "le", "<":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOrder, s)
	}
}

// Append appends the encoded frame to buf and returns the result
func (o Options) Append(buf []byte, f Frame) []byte {
	size := uint32(len(f.Payload))
	if o.Trailer {
		size += TrailerSize
	}

	buf = appendUint32(buf, o.order(), size)
	buf = append(buf, f.Payload...)
	if o.Trailer {
		buf = appendUint32(buf, o.order(), f.Trailer)
	}
	return buf
}

// Write writes a single frame to w using one Write call
func (o Options) Write(w io.Writer, f Frame) error {
	n := HeaderSize + len(f.Payload)
	if o.Trailer {
		n += TrailerSize
	}
	_, err := w.Write(o.Append(make([]byte, 0, n), f))
	return err
}

// Read reads exactly one frame from r
func (o Options) Read(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	size := o.order().Uint32(hdr[:])
	if o.MaxSize != 0 && size > o.MaxSize {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, o.MaxSize)
	}
	if o.Trailer && size < TrailerSize {
		return Frame{}, ErrShortFrame
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	if !o.Trailer {
		return Frame{Payload: body}, nil
	}

	end := len(body) - TrailerSize
	return Frame{
		Payload: body[:end],
		Trailer: o.order().Uint32(body[end:]),
	}, nil
}

func (o Options) order() binary.ByteOrder {
	if o.Order == nil {
		return binary.BigEndian
	}
	return o.Order
}

func appendUint32(buf []byte, order binary.ByteOrder, v uint32) []byte {
	var b [4]byte
	order.PutUint32(b[:], v)
	return append(buf, b[:]...)
}
