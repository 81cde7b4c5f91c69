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

// Package demo contains the example methods served by
// "lvrpc serve" and the response handlers matching them
package demo

import (
	"context"

	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/handler"
	"go.arsenm.dev/lvrpc/message"
)

// EchoArgs is the payload of an echo request and its reply
type EchoArgs struct {
	Message string `json:"Message" msgpack:"Message"`
}

// Operands are the arguments of arithmetic methods
type Operands struct {
	A float64 `json:"a" msgpack:"a"`
	B float64 `json:"b" msgpack:"b"`
}

// Demo implements echo, add and subtract
type Demo struct {
	Log *slog.Logger
}

// Echo returns its argument
func (d Demo) Echo(_ context.Context, args EchoArgs) EchoArgs {
	return args
}

// Add returns a + b
func (d Demo) Add(_ context.Context, in Operands) float64 {
	return in.A + in.B
}

// Subtract returns a - b
func (d Demo) Subtract(_ context.Context, in Operands) float64 {
	return in.A - in.B
}

// RegisterResponses registers response handlers logging the
// results of echo, add and subtract requests
func RegisterResponses(h *handler.Handler, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	for _, name := range []string{"echo", "add", "subtract"} {
		name := name
		h.RegisterResponse(name, func(resp *message.Response) {
			if resp.IsError() {
				log.Error("Operation failed", "method", name, "err", resp.Error)
				return
			}
			log.Debug("Operation result", "method", name, "result", resp.Result, "exec_time", resp.ExecTime)
		})
	}
}
