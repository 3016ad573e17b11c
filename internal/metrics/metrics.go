// Package metrics provides fire-and-forget counters for the delivery and
// processing paths. Recording never blocks and never fails the caller.
package metrics

import (
	"sync/atomic"
	"time"
)

// Counter names used across the pipeline.
const (
	MessagesReceived   = "messages_received"
	MessagesSent       = "messages_sent"
	SendFailures       = "send_failures"
	SendRetries        = "send_retries"
	TokenRefreshes     = "token_refreshes"
	GenerationPrimary  = "generation_primary"
	GenerationFallback = "generation_fallback"
	GenerationFailed   = "generation_failed"
	ProcessingErrors   = "processing_errors"
)

// Duration names.
const (
	SendLatency       = "send_latency_ms"
	GenerationLatency = "generation_latency_ms"
)

// Recorder accumulates named counters. The zero value is not usable; create
// one with NewRecorder. A nil *Recorder is a valid no-op sink.
type Recorder struct {
	counters  map[string]*atomic.Int64
	durations map[string]*durationStat
}

// durationStat accumulates total milliseconds and observation count so the
// snapshot can expose a running average.
type durationStat struct {
	totalMs atomic.Int64
	count   atomic.Int64
}

// known counters are pre-registered so Incr never allocates on the hot path.
var knownCounters = []string{
	MessagesReceived, MessagesSent, SendFailures, SendRetries,
	TokenRefreshes, GenerationPrimary, GenerationFallback, GenerationFailed,
	ProcessingErrors,
}

// known durations are pre-registered like the counters.
var knownDurations = []string{SendLatency, GenerationLatency}

// NewRecorder creates a Recorder with all known counters registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		counters:  make(map[string]*atomic.Int64, len(knownCounters)),
		durations: make(map[string]*durationStat, len(knownDurations)),
	}
	for _, name := range knownCounters {
		r.counters[name] = &atomic.Int64{}
	}
	for _, name := range knownDurations {
		r.durations[name] = &durationStat{}
	}
	return r
}

// Incr increments a counter by one. Unknown names and nil recorders are
// silently ignored: metrics must never affect the main path.
func (r *Recorder) Incr(name string) {
	if r == nil {
		return
	}
	if c, ok := r.counters[name]; ok {
		c.Add(1)
	}
}

// Observe records one duration sample. Unknown names and nil recorders are
// silently ignored.
func (r *Recorder) Observe(name string, d time.Duration) {
	if r == nil {
		return
	}
	if s, ok := r.durations[name]; ok {
		s.totalMs.Add(d.Milliseconds())
		s.count.Add(1)
	}
}

// Snapshot returns the current counter values plus the mean of each observed
// duration.
func (r *Recorder) Snapshot() map[string]int64 {
	if r == nil {
		return nil
	}
	out := make(map[string]int64, len(r.counters)+len(r.durations))
	for name, c := range r.counters {
		out[name] = c.Load()
	}
	for name, s := range r.durations {
		if n := s.count.Load(); n > 0 {
			out[name] = s.totalMs.Load() / n
		} else {
			out[name] = 0
		}
	}
	return out
}
