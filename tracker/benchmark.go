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

package tracker

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"golang.org/x/exp/slog"

	"go.arsenm.dev/lvrpc/message"
)

var (
	ErrNoActiveRun   = errors.New("no active benchmark run")
	ErrUnknownRun    = errors.New("unknown benchmark run")
	ErrUnknownFormat = errors.New("unknown export format")
)

// Export formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Endpoint holds the timing of one side of a sample. Timestamp is in
// milliseconds on the benchmark's monotonic clock.
type Endpoint struct {
	Timestamp   float64 `json:"timestamp"`
	PayloadSize int     `json:"payload_size"`
}

// Metrics holds the latencies of a sample, in milliseconds
type Metrics struct {
	ExecTime       float64 `json:"exec_time"`
	TotalLatency   float64 `json:"total_latency"`
	NetworkLatency float64 `json:"network_latency"`
}

// Sample is a single request/response pair
type Sample struct {
	Request  Endpoint `json:"request"`
	Response Endpoint `json:"response"`
	Metrics  Metrics  `json:"metrics"`
	Done     bool     `json:"done"`
}

// Timing holds the wall clock span of a run. Duration is in seconds.
type Timing struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration"`
}

// RunStats holds the averages computed when a run stops
type RunStats struct {
	SamplesCount      int     `json:"samples_count"`
	AvgExecTime       float64 `json:"avg_exec_time"`
	AvgTotalLatency   float64 `json:"avg_total_latency"`
	AvgNetworkLatency float64 `json:"avg_network_latency"`
}

// Run is a benchmark run
type Run struct {
	Timing  Timing             `json:"timing"`
	Samples map[string]*Sample `json:"samples"`
	Stats   RunStats           `json:"stats"`
}

func (r *Run) clone() Run {
	out := Run{Timing: r.Timing, Stats: r.Stats, Samples: make(map[string]*Sample, len(r.Samples))}
	for id, s := range r.Samples {
		sc := *s
		out.Samples[id] = &sc
	}
	return out
}

// sampleIDs returns the sample ids ordered by request timestamp
func (r *Run) sampleIDs() []string {
	ids := make([]string, 0, len(r.Samples))
	for id := range r.Samples {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.Samples[ids[i]], r.Samples[ids[j]]
		if a.Request.Timestamp != b.Request.Timestamp {
			return a.Request.Timestamp < b.Request.Timestamp
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Benchmark records latency samples for requests while a run is
// active. It implements Hook so it can be attached to a Tracker.
type Benchmark struct {
	mtx     sync.Mutex
	runs    map[string]*Run
	current string
	epoch   time.Time
	log     *slog.Logger
}

// NewBenchmark creates a new benchmark recorder
func NewBenchmark(log *slog.Logger) *Benchmark {
	if log == nil {
		log = slog.Default()
	}
	return &Benchmark{
		runs:  map[string]*Run{},
		epoch: time.Now(),
		log:   log.With("component", "benchmark"),
	}
}

func (b *Benchmark) clock() float64 {
	return float64(time.Since(b.epoch)) / float64(time.Millisecond)
}

// Start begins a new run with the given id, or a random UUID if id
// is empty, and returns the id. A run that is still active is replaced
// as the current run but kept.
func (b *Benchmark) Start(id string) string {
	if id == "" {
		id = uuid.Must(uuid.NewV4()).String()
	}

	b.mtx.Lock()
	b.runs[id] = &Run{
		Timing:  Timing{StartTime: time.Now()},
		Samples: map[string]*Sample{},
	}
	b.current = id
	b.mtx.Unlock()

	b.log.Info("Benchmark started", "id", id)
	return id
}

// Active reports whether a run is in progress
func (b *Benchmark) Active() bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.current != ""
}

// Stop ends a run and computes its statistics. An empty id stops the
// current run.
func (b *Benchmark) Stop(id string) (RunStats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if id == "" {
		id = b.current
		if id == "" {
			return RunStats{}, ErrNoActiveRun
		}
	}

	run, ok := b.runs[id]
	if !ok {
		return RunStats{}, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}

	run.Timing.EndTime = time.Now()
	run.Timing.Duration = run.Timing.EndTime.Sub(run.Timing.StartTime).Seconds()

	var stats RunStats
	for _, s := range run.Samples {
		stats.SamplesCount++
		stats.AvgExecTime += s.Metrics.ExecTime
		stats.AvgTotalLatency += s.Metrics.TotalLatency
		stats.AvgNetworkLatency += s.Metrics.NetworkLatency
	}
	if stats.SamplesCount > 0 {
		n := float64(stats.SamplesCount)
		stats.AvgExecTime /= n
		stats.AvgTotalLatency /= n
		stats.AvgNetworkLatency /= n
	}
	run.Stats = stats

	if b.current == id {
		b.current = ""
	}

	b.log.Info("Benchmark stopped", "id", id, "samples", stats.SamplesCount)
	return stats, nil
}

// OutgoingRequest creates a sample for req if a run is active
func (b *Benchmark) OutgoingRequest(req *message.Request, size int) {
	if req.IsNotification() {
		return
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	run, ok := b.runs[b.current]
	if !ok {
		return
	}
	run.Samples[message.IDKey(req.ID)] = &Sample{
		Request: Endpoint{Timestamp: b.clock(), PayloadSize: size},
	}
}

// IncomingResponse completes the sample matching resp
func (b *Benchmark) IncomingResponse(resp *message.Response, size int) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	run, ok := b.runs[b.current]
	if !ok {
		return
	}
	s, ok := run.Samples[message.IDKey(resp.ID)]
	if !ok {
		return
	}

	s.Response = Endpoint{Timestamp: b.clock(), PayloadSize: size}
	s.Metrics.ExecTime = float64(resp.ExecTime) / 1000
	s.Metrics.TotalLatency = s.Response.Timestamp - s.Request.Timestamp
	s.Metrics.NetworkLatency = math.Abs(s.Metrics.TotalLatency - s.Metrics.ExecTime)
	s.Done = true
}

// SetExecTime sets the execution time, in microseconds, of the
// sample for id in the current run
func (b *Benchmark) SetExecTime(id any, execTime uint32) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	run, ok := b.runs[b.current]
	if !ok {
		return
	}
	s, ok := run.Samples[message.IDKey(id)]
	if !ok {
		return
	}
	s.Metrics.ExecTime = float64(execTime) / 1000
	s.Metrics.NetworkLatency = math.Abs(s.Metrics.TotalLatency - s.Metrics.ExecTime)
}

// Run returns a copy of the run with the given id
func (b *Benchmark) Run(id string) (Run, bool) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	run, ok := b.runs[id]
	if !ok {
		return Run{}, false
	}
	return run.clone(), true
}

// Runs returns the ids of all runs, sorted by start time
func (b *Benchmark) Runs() []string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	ids := make([]string, 0, len(b.runs))
	for id := range b.runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return b.runs[ids[i]].Timing.StartTime.Before(b.runs[ids[j]].Timing.StartTime)
	})
	return ids
}

// Export writes all runs to w in the given format
func (b *Benchmark) Export(w io.Writer, format string) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b.runs)
	case FormatCSV:
		return b.exportCSV(w)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

var csvHeader = []string{
	"benchmark_id", "sample_id",
	"request_timestamp", "request_payload_size",
	"response_timestamp", "response_payload_size",
	"exec_time", "total_latency", "network_latency",
	"samples_count", "avg_exec_time", "avg_total_latency", "avg_network_latency",
}

func (b *Benchmark) exportCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	bids := make([]string, 0, len(b.runs))
	for id := range b.runs {
		bids = append(bids, id)
	}
	sort.Strings(bids)

	for _, bid := range bids {
		run := b.runs[bid]
		for _, sid := range run.sampleIDs() {
			s := run.Samples[sid]
			err := cw.Write([]string{
				bid, sid,
				formatFloat(s.Request.Timestamp), strconv.Itoa(s.Request.PayloadSize),
				formatFloat(s.Response.Timestamp), strconv.Itoa(s.Response.PayloadSize),
				formatFloat(s.Metrics.ExecTime), formatFloat(s.Metrics.TotalLatency), formatFloat(s.Metrics.NetworkLatency),
				strconv.Itoa(run.Stats.SamplesCount), formatFloat(run.Stats.AvgExecTime),
				formatFloat(run.Stats.AvgTotalLatency), formatFloat(run.Stats.AvgNetworkLatency),
			})
			if err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Load reads runs previously written by Export in JSON format and
// adds them to the recorder, replacing runs with the same id
func (b *Benchmark) Load(r io.Reader) error {
	runs := map[string]*Run{}
	if err := json.NewDecoder(r).Decode(&runs); err != nil {
		return fmt.Errorf("decode benchmark data: %w", err)
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()
	for id, run := range runs {
		if run.Samples == nil {
			run.Samples = map[string]*Sample{}
		}
		b.runs[id] = run
	}

	b.log.Info("Benchmark data loaded", "runs", len(runs))
	return nil
}
