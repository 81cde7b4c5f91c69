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

// Package actor wraps requests in envelopes understood by
// LabVIEW Actor Framework actors and unwraps their replies.
package actor

import (
	"errors"
	"fmt"
	"strings"

	"go.arsenm.dev/lvrpc/message"
)

var (
	ErrUnknownEnvelope = errors.New("unknown actor envelope")
	ErrMissingID       = errors.New("actor reply does not contain an id")
	ErrMalformed       = errors.New("malformed actor message")
)

// Priority is an Actor Framework message priority
type Priority int32

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// DefaultPriority is used when no priority is configured
const DefaultPriority = PriorityHigh

// Envelope wraps requests for delivery to an actor
type Envelope interface {
	Name() string
	// Wrap encodes req and returns a decoder for the reply
	Wrap(req *message.Request) ([]byte, ReplyDecoder, error)
}

// ReplyDecoder decodes an actor's reply into a response
type ReplyDecoder func(payload []byte) (*message.Response, error)

// Config selects and configures an envelope
type Config struct {
	// Envelope is "flat" or "msgpack"
	Envelope string
	// Library is the LabVIEW library holding the message classes
	Library string
	// Actor names the receiving actor in msgpack headers
	Actor string
	// Priority defaults to DefaultPriority when nil
	Priority *Priority
}

// New creates the envelope described by cfg
func New(cfg Config) (Envelope, error) {
	prio := DefaultPriority
	if cfg.Priority != nil {
		prio = *cfg.Priority
	}

	switch strings.ToLower(cfg.Envelope) {
	case "", "flat":
		return &Flat{Library: cfg.Library, Priority: prio}, nil
	case "msgpack":
		return &Msgpack{Actor: cfg.Actor, Priority: prio}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, cfg.Envelope)
	}
}

// ClassName returns the message class a method is dispatched to,
// for example "Chat Window.lvlib:Display Text Msg.lvclass"
func ClassName(library, method string) string {
	if library == "" {
		return method + " Msg.lvclass"
	}
	return library + ":" + method + " Msg.lvclass"
}

func idString(id any) string {
	if id == nil {
		return ""
	}
	return message.IDKey(id)
}
