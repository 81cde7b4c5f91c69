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

// Package tracker follows requests and responses through their
// lifecycle, detects requests that were never answered, and keeps
// statistics about the traffic on a connection.
package tracker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/message"
)

// Defaults used by New
const (
	DefaultTimeout         = 60 * time.Second
	DefaultMonitorInterval = time.Second
	DefaultCleanupInterval = time.Minute
)

// Stats holds traffic counters
type Stats struct {
	OutgoingRequests  int `json:"outgoing_requests_count"`
	IncomingRequests  int `json:"incoming_requests_count"`
	OutgoingResponses int `json:"outgoing_responses_count"`
	IncomingResponses int `json:"incoming_responses_count"`
	TimedOutRequests  int `json:"timed_out_requests"`
}

// Entry describes a tracked request
type Entry struct {
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Elapsed time.Duration `json:"elapsed"`
}

// Results is returned by Check
type Results struct {
	TimedOut        []Entry `json:"timed_out"`
	PendingOutgoing []Entry `json:"pending_outgoing"`
	PendingIncoming []Entry `json:"pending_incoming"`
}

// Hook observes tracked traffic. size is the encoded payload size in bytes.
type Hook interface {
	OutgoingRequest(req *message.Request, size int)
	IncomingResponse(resp *message.Response, size int)
}

type outgoingRequest struct {
	at      time.Time
	method  string
	timeout time.Duration
}

type incomingRequest struct {
	at     time.Time
	method string
}

type response struct {
	at      time.Time
	success bool
}

// Tracker tracks requests and responses. It is safe for concurrent use.
type Tracker struct {
	mtx sync.Mutex

	outReqs  map[string]outgoingRequest
	inReqs   map[string]incomingRequest
	outResps map[string]response
	inResps  map[string]response
	stats    Stats

	hooks []Hook
	log   *slog.Logger
	now   func() time.Time
}

// New creates a new tracker
func New(log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		outReqs:  map[string]outgoingRequest{},
		inReqs:   map[string]incomingRequest{},
		outResps: map[string]response{},
		inResps:  map[string]response{},
		log:      log.With("component", "tracker"),
		now:      time.Now,
	}
}

// AddHook registers h to observe tracked traffic
func (t *Tracker) AddHook(h Hook) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.hooks = append(t.hooks, h)
}

// TrackOutgoingRequest records a request sent to a peer. A timeout
// of zero uses DefaultTimeout.
func (t *Tracker) TrackOutgoingRequest(req *message.Request, timeout time.Duration, size int) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t.mtx.Lock()
	if !req.IsNotification() {
		t.outReqs[message.IDKey(req.ID)] = outgoingRequest{at: t.now(), method: req.Method, timeout: timeout}
	}
	t.stats.OutgoingRequests++
	hooks := t.hooks
	t.mtx.Unlock()

	for _, h := range hooks {
		h.OutgoingRequest(req, size)
	}
}

// TrackIncomingRequest records a request received from a peer
func (t *Tracker) TrackIncomingRequest(req *message.Request) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if !req.IsNotification() {
		t.inReqs[message.IDKey(req.ID)] = incomingRequest{at: t.now(), method: req.Method}
	}
	t.stats.IncomingRequests++
}

// TrackOutgoingResponse records a response sent to a peer,
// completing the matching incoming request
func (t *Tracker) TrackOutgoingResponse(resp *message.Response) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	key := message.IDKey(resp.ID)
	delete(t.inReqs, key)
	t.outResps[key] = response{at: t.now(), success: !resp.IsError()}
	t.stats.OutgoingResponses++
}

// TrackIncomingResponse records a response received from a peer and
// returns the method of the request it answers. ok is false if the
// response does not match any tracked request.
func (t *Tracker) TrackIncomingResponse(resp *message.Response, size int) (method string, ok bool) {
	key := message.IDKey(resp.ID)

	t.mtx.Lock()
	req, ok := t.outReqs[key]
	if ok {
		delete(t.outReqs, key)
		t.inResps[key] = response{at: t.now(), success: !resp.IsError()}
		t.stats.IncomingResponses++
	}
	hooks := t.hooks
	t.mtx.Unlock()

	if !ok {
		t.log.Warn("Received response for unknown request ID", "id", key)
		return "", false
	}

	for _, h := range hooks {
		h.IncomingResponse(resp, size)
	}
	return req.method, true
}

// Method returns the method of a pending outgoing request
func (t *Tracker) Method(id any) (string, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	req, ok := t.outReqs[message.IDKey(id)]
	return req.method, ok
}

// Forget removes a pending outgoing request without counting it,
// for example when sending it failed
func (t *Tracker) Forget(id any) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.outReqs, message.IDKey(id))
}

// Stats returns a snapshot of the statistics
func (t *Tracker) Stats() Stats {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.stats
}

// Check finds outgoing requests that exceeded their timeout, removes
// and counts them, and lists the requests that are still pending
func (t *Tracker) Check() Results {
	now := t.now()
	var res Results

	t.mtx.Lock()
	for id, req := range t.outReqs {
		elapsed := now.Sub(req.at)
		entry := Entry{ID: id, Method: req.method, Elapsed: elapsed}
		if elapsed > req.timeout {
			res.TimedOut = append(res.TimedOut, entry)
			delete(t.outReqs, id)
			t.stats.TimedOutRequests++
		} else {
			res.PendingOutgoing = append(res.PendingOutgoing, entry)
		}
	}
	for id, req := range t.inReqs {
		res.PendingIncoming = append(res.PendingIncoming, Entry{ID: id, Method: req.method, Elapsed: now.Sub(req.at)})
	}
	t.mtx.Unlock()

	for _, e := range res.TimedOut {
		t.log.Warn("Request timed out", "id", e.ID, "method", e.Method, "elapsed", e.Elapsed)
	}
	return res
}

// Len returns the number of entries held across all tables
func (t *Tracker) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.outReqs) + len(t.inReqs) + len(t.outResps) + len(t.inResps)
}

// Clean removes entries older than maxAge and returns how many were removed
func (t *Tracker) Clean(maxAge time.Duration) int {
	now := t.now()
	cleaned := 0

	t.mtx.Lock()
	defer t.mtx.Unlock()

	for id, v := range t.outReqs {
		if now.Sub(v.at) > maxAge {
			delete(t.outReqs, id)
			cleaned++
		}
	}
	for id, v := range t.inReqs {
		if now.Sub(v.at) > maxAge {
			delete(t.inReqs, id)
			cleaned++
		}
	}
	for _, m := range []map[string]response{t.outResps, t.inResps} {
		for id, v := range m {
			if now.Sub(v.at) > maxAge {
				delete(m, id)
				cleaned++
			}
		}
	}
	return cleaned
}

// MonitorOptions configures Monitor
type MonitorOptions struct {
	Interval        time.Duration
	CleanupInterval time.Duration
	// OnTimeout is called with every batch of timed out requests
	OnTimeout func([]Entry)
}

// Monitor checks for timed out requests every interval and cleans
// old entries every cleanup interval, until ctx is canceled
func (t *Tracker) Monitor(ctx context.Context, opts MonitorOptions) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultMonitorInterval
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}

	t.log.Debug("Message tracking monitor started")
	defer t.log.Debug("Message tracking monitor stopped")

	tick := time.NewTicker(opts.Interval)
	defer tick.Stop()
	lastCleanup := t.now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		res := t.Check()
		if opts.OnTimeout != nil && len(res.TimedOut) > 0 {
			opts.OnTimeout(res.TimedOut)
		}

		if now := t.now(); now.Sub(lastCleanup) > opts.CleanupInterval {
			if n := t.Clean(opts.CleanupInterval); n > 0 {
				t.log.Debug("Cleaned old tracking entries", "count", n)
			}
			lastCleanup = now
		}
	}
}
