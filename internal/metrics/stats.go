package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

const maxResponseSamples = 1000

var responseBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60}

// ResponseTimes summarises the retained latency samples in seconds.
type ResponseTimes struct {
	Avg float64 `json:"avg_seconds"`
	P50 float64 `json:"p50_seconds"`
	P95 float64 `json:"p95_seconds"`
	P99 float64 `json:"p99_seconds"`
	Min float64 `json:"min_seconds"`
	Max float64 `json:"max_seconds"`
}

// Snapshot is a point-in-time copy of the aggregator state.
type Snapshot struct {
	TotalMessages   map[string]int64 `json:"total_messages"`
	TotalErrors     map[string]int64 `json:"total_errors"`
	TotalErrorCount int64            `json:"total_error_count"`
	ResponseTimes   ResponseTimes    `json:"response_times"`
}

// Aggregator counts messages and errors by kind and keeps the most recent
// response times in a fixed ring. Every call is mirrored into the collector
// when one is attached.
type Aggregator struct {
	mu       sync.Mutex
	messages map[string]int64
	errors   map[string]int64
	samples  []float64 // ring, seconds
	next     int
	full     bool

	collector *Collector
	latency   *Histogram
}

// NewAggregator creates an aggregator. c may be nil.
func NewAggregator(c *Collector) *Aggregator {
	a := &Aggregator{
		messages:  make(map[string]int64),
		errors:    make(map[string]int64),
		samples:   make([]float64, maxResponseSamples),
		collector: c,
	}
	if c != nil {
		a.latency = c.Histogram(c.namespace+"_response_seconds", "Time to answer a message in seconds", "", responseBuckets)
	}
	return a
}

// TrackMessage counts one message of the given kind (text, photo, voice, ...).
func (a *Aggregator) TrackMessage(kind string) {
	a.mu.Lock()
	a.messages[kind]++
	a.mu.Unlock()
	if a.collector != nil {
		a.collector.Counter(a.collector.namespace+"_messages_total", "Messages received by kind", Label("kind", kind)).Inc()
	}
}

// TrackError counts one error of the given kind.
func (a *Aggregator) TrackError(kind string) {
	a.mu.Lock()
	a.errors[kind]++
	a.mu.Unlock()
	if a.collector != nil {
		a.collector.Counter(a.collector.namespace+"_errors_total", "Errors by kind", Label("kind", kind)).Inc()
	}
}

// TrackResponseTime records one response latency, replacing the oldest
// sample once the ring is full.
func (a *Aggregator) TrackResponseTime(d time.Duration) {
	sec := d.Seconds()
	a.mu.Lock()
	a.samples[a.next] = sec
	a.next++
	if a.next == len(a.samples) {
		a.next = 0
		a.full = true
	}
	a.mu.Unlock()
	if a.latency != nil {
		a.latency.Observe(sec)
	}
}

// Snapshot copies the counters and computes latency statistics.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	snap := Snapshot{
		TotalMessages: make(map[string]int64, len(a.messages)),
		TotalErrors:   make(map[string]int64, len(a.errors)),
	}
	for k, v := range a.messages {
		snap.TotalMessages[k] = v
	}
	for k, v := range a.errors {
		snap.TotalErrors[k] = v
		snap.TotalErrorCount += v
	}
	n := a.next
	if a.full {
		n = len(a.samples)
	}
	sorted := append([]float64(nil), a.samples[:n]...)
	a.mu.Unlock()

	snap.ResponseTimes = summarize(sorted)
	return snap
}

// sampleCount reports how many latency samples are retained.
func (a *Aggregator) sampleCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.full {
		return len(a.samples)
	}
	return a.next
}

// summarize sorts samples in place and derives the response-time summary.
func summarize(samples []float64) ResponseTimes {
	if len(samples) == 0 {
		return ResponseTimes{}
	}
	sort.Float64s(samples)
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return ResponseTimes{
		Avg: round3(sum / float64(len(samples))),
		P50: round3(percentile(samples, 0.50)),
		P95: round3(percentile(samples, 0.95)),
		P99: round3(percentile(samples, 0.99)),
		Min: round3(samples[0]),
		Max: round3(samples[len(samples)-1]),
	}
}

// percentile returns sorted[floor(n*p)], clamped to the last element.
func percentile(sorted []float64, p float64) float64 {
	i := int(math.Floor(float64(len(sorted)) * p))
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
