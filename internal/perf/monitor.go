// Package perf measures named latency windows on the client side: audio
// round-trip, VAD response time, token fetch. Nothing here is on a critical
// path; a nil monitor or a missing window degrades to a warning.
package perf

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"
)

// Well-known measurement windows.
const (
	WindowAudioLatency = "audio_latency"
	WindowVADResponse  = "vad_response"
	WindowTokenFetch   = "token_fetch"
	WindowRTT          = "peer_rtt"
)

type WindowStats struct {
	Name    string  `json:"name"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	MinMS   float64 `json:"min_ms"`
	MaxMS   float64 `json:"max_ms"`
	P95MS   float64 `json:"p95_ms"`
}

type Snapshot struct {
	GeneratedAt time.Time     `json:"generated_at"`
	WindowSize  int           `json:"window_size"`
	Windows     []WindowStats `json:"windows"`
}

// RTTSource exposes a transport round-trip measurement, typically backed by
// WebRTC ICE candidate-pair stats.
type RTTSource interface {
	RoundTripTime() (time.Duration, error)
}

// Monitor aggregates latency samples into bounded per-window ring buffers.
type Monitor struct {
	mu         sync.Mutex
	maxSamples int
	windows    map[string]*ringBuffer
	pending    map[string]time.Time
	now        func() time.Time
}

type ringBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewMonitor(maxSamples int) *Monitor {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &Monitor{
		maxSamples: maxSamples,
		windows:    make(map[string]*ringBuffer),
		pending:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// Start opens a measurement window. Starting an already-open window restarts it.
func (m *Monitor) Start(name string) {
	if m == nil || name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[name] = m.now()
}

// End closes a window and records the elapsed milliseconds. Ending a window
// that was never started is non-fatal: a warning is logged and -1 returned.
func (m *Monitor) End(name string) float64 {
	if m == nil || name == "" {
		return -1
	}
	m.mu.Lock()
	started, ok := m.pending[name]
	if !ok {
		m.mu.Unlock()
		log.Printf("perf: End(%q) without Start, ignoring", name)
		return -1
	}
	delete(m.pending, name)
	ms := float64(m.now().Sub(started).Microseconds()) / 1000
	m.observeLocked(name, ms)
	m.mu.Unlock()
	return ms
}

// Discard drops an open window without recording a sample, for
// measurements that lost meaning (e.g. a timed-out turn).
func (m *Monitor) Discard(name string) {
	if m == nil || name == "" {
		return
	}
	m.mu.Lock()
	delete(m.pending, name)
	m.mu.Unlock()
}

// Observe records an externally measured value.
func (m *Monitor) Observe(name string, ms float64) {
	if m == nil || name == "" || ms < 0 {
		return
	}
	m.mu.Lock()
	m.observeLocked(name, ms)
	m.mu.Unlock()
}

// SampleRTT reads one round-trip measurement from src into WindowRTT.
// Retrieval failures log a warning and skip the sample.
func (m *Monitor) SampleRTT(src RTTSource) {
	if m == nil || src == nil {
		return
	}
	rtt, err := src.RoundTripTime()
	if err != nil {
		log.Printf("perf: rtt stats unavailable: %v", err)
		return
	}
	m.Observe(WindowRTT, float64(rtt.Microseconds())/1000)
}

func (m *Monitor) observeLocked(name string, ms float64) {
	buf, ok := m.windows[name]
	if !ok {
		buf = &ringBuffer{values: make([]float64, m.maxSamples)}
		m.windows[name] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

// Summary aggregates all windows. Names sort lexically for stable output.
func (m *Monitor) Summary() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.windows))
	for name := range m.windows {
		names = append(names, name)
	}
	sort.Strings(names)

	windows := make([]WindowStats, 0, len(names))
	for _, name := range names {
		buf := m.windows[name]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		windows = append(windows, WindowStats{
			Name:    name,
			Samples: n,
			LastMS:  round2(buf.last),
			AvgMS:   round2(sum / float64(n)),
			MinMS:   round2(samples[0]),
			MaxMS:   round2(samples[n-1]),
			P95MS:   round2(quantile(samples, 0.95)),
		})
	}

	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  m.maxSamples,
		Windows:     windows,
	}
}

// Reset drops all samples and any open windows.
func (m *Monitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = make(map[string]*ringBuffer)
	m.pending = make(map[string]time.Time)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
