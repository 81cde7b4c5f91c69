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

package client

import (
	"time"

	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/actor"
	"go.arsenm.dev/lvrpc/codec"
	"go.arsenm.dev/lvrpc/frame"
	"go.arsenm.dev/lvrpc/handler"
	"go.arsenm.dev/lvrpc/tracker"
)

// Defaults used when no option overrides them
const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// TOS is the IP type of service set on connections when NoDelay
// is enabled (DSCP Expedited Forwarding)
const TOS = 46 << 2

type settings struct {
	codec      codec.Codec
	frame      frame.Options
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	noDelay    bool
	log        *slog.Logger
	handler    *handler.Handler
	envelope   actor.Envelope
	benchmark  *tracker.Benchmark
}

func defaultSettings() settings {
	return settings{
		codec:      codec.Default,
		frame:      frame.DefaultOptions(),
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		noDelay:    true,
	}
}

// Option configures a client
type Option func(*settings)

// WithCodec sets the codec used for JSON-Message payloads
func WithCodec(c codec.Codec) Option {
	return func(s *settings) {
		s.codec = c
	}
}

// WithFrame sets the framing options
func WithFrame(o frame.Options) Option {
	return func(s *settings) {
		s.frame = o
	}
}

// WithTimeout sets the timeout applied to calls whose
// context has no deadline. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.timeout = d
	}
}

// WithRetries sets how many times Dial attempts to connect
// and how long it waits between attempts
func WithRetries(n int, delay time.Duration) Option {
	return func(s *settings) {
		s.maxRetries = n
		s.retryDelay = delay
	}
}

// WithNoDelay controls whether Nagle's algorithm is disabled
// and the low latency TOS is set on dialed connections
func WithNoDelay(noDelay bool) Option {
	return func(s *settings) {
		s.noDelay = noDelay
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.log = l
	}
}

// WithHandler sets the handler used to answer requests from
// the server and to route responses nobody is waiting for.
// The client does not run a monitor on a handler it did not create,
// and only attaches a benchmark set with WithBenchmark to it, since
// the tracker sees the traffic of every client sharing the handler.
func WithHandler(h *handler.Handler) Option {
	return func(s *settings) {
		s.handler = h
	}
}

// WithEnvelope makes RPC wrap requests in an actor envelope
func WithEnvelope(e actor.Envelope) Option {
	return func(s *settings) {
		s.envelope = e
	}
}

// WithBenchmark sets the benchmark recorder. It is attached to
// the handler's tracker.
func WithBenchmark(b *tracker.Benchmark) Option {
	return func(s *settings) {
		s.benchmark = b
	}
}
