package recorder

import (
	"sync"
	"sync/atomic"

	"github.com/httpseal/flowtap/pkg/filter"
	"github.com/httpseal/flowtap/pkg/flow"
	"github.com/httpseal/flowtap/pkg/logger"
	"github.com/httpseal/flowtap/pkg/metrics"
	"github.com/httpseal/flowtap/pkg/sink"
)

// CommandSetFilter is the name under which the set_filter command is exposed
const CommandSetFilter = "flowtap.set_filter"

const truncatedSuffix = "... (truncated)"

// Options configures a Recorder
type Options struct {
	// LogDir holds traffic_log.txt and filtered_traffic.txt
	LogDir string
	// MaxBodySize cuts recorded bodies longer than this many bytes, 0 = unlimited
	MaxBodySize int
}

// Recorder receives request and response events from the proxy, writes every
// event to the complete log and matching events to the filtered log.
type Recorder struct {
	filter   *filter.Engine
	writer   *sink.Writer
	complete sink.Sink
	filtered sink.Sink
	logger   logger.Logger
	metrics  *metrics.Collector
	maxBody  int

	seq atomic.Uint64

	// flow ID -> sequence number of requests awaiting their response
	mu   sync.Mutex
	open map[string]uint64
}

// New creates a recorder writing through w
func New(opts Options, engine *filter.Engine, w *sink.Writer, log logger.Logger, m *metrics.Collector) *Recorder {
	dir := opts.LogDir
	if dir == "" {
		dir = "."
	}

	return &Recorder{
		filter:   engine,
		writer:   w,
		complete: sink.Complete(dir),
		filtered: sink.Filtered(dir),
		logger:   log,
		metrics:  m,
		maxBody:  opts.MaxBodySize,
		open:     make(map[string]uint64),
	}
}

// OnLoad is called once at startup
func (r *Recorder) OnLoad() {
	r.logger.Info("Recorder loaded. Use '%s' to set filter pattern.", CommandSetFilter)
}

// SetFilter validates and installs a new URL filter. It always returns a
// message for the operator, never an error.
func (r *Recorder) SetFilter(pattern string) string {
	msg, _ := r.ApplyFilter(pattern)
	return msg
}

// ApplyFilter is SetFilter for callers that also need to know whether the
// pattern was accepted
func (r *Recorder) ApplyFilter(pattern string) (string, bool) {
	msg, err := r.filter.SetFilter(pattern)
	if err != nil {
		r.logger.Warn("Rejected filter %q: %v", pattern, err)
		r.metrics.RecordFilterUpdate(false)
		return "Invalid regex: " + err.Error(), false
	}

	r.logger.Alert("Filter set: %s", pattern)
	r.metrics.RecordFilterUpdate(true)
	return msg, true
}

// Filter returns the current filter pattern and whether one is set
func (r *Recorder) Filter() (string, bool) {
	return r.filter.Pattern()
}

// OnRequest assigns the next sequence number to f and records its request
func (r *Recorder) OnRequest(f *flow.Flow) {
	if f == nil || f.Request == nil {
		return
	}

	seq := r.seq.Add(1)
	r.track(f.ID, seq)
	r.metrics.RecordEvent(string(sink.DirectionRequest))

	r.logger.Info("Checking request #%d: %s", seq, f.Request.URL)
	r.logger.Debug("Request #%d from %s to %s", seq, f.ClientAddr, orUnknown(f.ServerAddr))

	rec := sink.RequestRecord(seq, f)
	rec.Body = r.limitBody(rec.Body)

	_ = r.writer.Write(r.complete, rec)

	if r.filter.Matches(f.Request.URL) {
		r.logger.Alert("MATCHED request #%d", seq)
		r.metrics.RecordMatch(string(sink.DirectionRequest))
		_ = r.writer.Write(r.filtered, rec)
	}
}

// OnResponse records the response of f under its request's sequence number.
// The filter is evaluated again against the request URL, so a filter change
// between request and response can route the two halves differently.
func (r *Recorder) OnResponse(f *flow.Flow) {
	if f == nil || f.Request == nil || f.Response == nil {
		return
	}

	seq, ok := r.close(f.ID)
	if !ok {
		seq = r.seq.Load()
		r.logger.Debug("Response for untracked flow %s, using sequence #%d", f.ID, seq)
	}
	r.metrics.RecordEvent(string(sink.DirectionResponse))
	r.logger.Info("Response for request #%d: %d", seq, f.Response.StatusCode)

	rec := sink.ResponseRecord(seq, f)
	rec.Body = r.limitBody(rec.Body)

	_ = r.writer.Write(r.complete, rec)

	if r.filter.Matches(f.Request.URL) {
		r.metrics.RecordMatch(string(sink.DirectionResponse))
		_ = r.writer.Write(r.filtered, rec)
	}
}

// OnError forgets a flow whose response will never arrive
func (r *Recorder) OnError(f *flow.Flow) {
	if f == nil {
		return
	}
	if seq, ok := r.close(f.ID); ok {
		r.logger.Debug("Request #%d closed without response", seq)
	}
}

// Sequence returns the number of requests seen so far
func (r *Recorder) Sequence() uint64 {
	return r.seq.Load()
}

// OpenFlows returns the number of requests awaiting a response
func (r *Recorder) OpenFlows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func (r *Recorder) track(id string, seq uint64) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.open[id] = seq
	n := len(r.open)
	r.mu.Unlock()
	r.metrics.SetOpenFlows(n)
}

func (r *Recorder) close(id string) (uint64, bool) {
	if id == "" {
		return 0, false
	}
	r.mu.Lock()
	seq, ok := r.open[id]
	delete(r.open, id)
	n := len(r.open)
	r.mu.Unlock()
	r.metrics.SetOpenFlows(n)
	return seq, ok
}

func (r *Recorder) limitBody(body []byte) []byte {
	if r.maxBody <= 0 || len(body) <= r.maxBody {
		return body
	}
	limited := make([]byte, 0, r.maxBody+len(truncatedSuffix))
	limited = append(limited, body[:r.maxBody]...)
	return append(limited, truncatedSuffix...)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
