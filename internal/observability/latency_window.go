package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stages reported by the perf endpoint.
const (
	StageAgentConnect    = "agent_connect"
	StageFirstAgentAudio = "first_agent_audio"
	StageSessionDuration = "session_duration"
)

// p95 budgets in milliseconds; stages without one report no target.
var stageBudgetsMS = map[string]float64{
	StageAgentConnect:    800,
	StageFirstAgentAudio: 2000,
}

type LatencyStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// Indicator counts a non-latency event, such as a dropped frame.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []LatencyStats `json:"stages"`
	Indicators  []Indicator    `json:"indicators,omitempty"`
}

// series is a sliding window of the most recent samples, oldest first, with a
// running sum so the mean needs no rescan.
type series struct {
	samples []float64
	sum     float64
}

func (s *series) push(v float64, limit int) {
	if len(s.samples) == limit {
		s.sum -= s.samples[0]
		s.samples = append(s.samples[:0], s.samples[1:]...)
	}
	s.samples = append(s.samples, v)
	s.sum += v
}

func (s *series) stats(stage string) LatencyStats {
	n := len(s.samples)
	ordered := slices.Sorted(slices.Values(s.samples))
	return LatencyStats{
		Stage:       stage,
		Samples:     n,
		LastMS:      round2(s.samples[n-1]),
		AvgMS:       round2(s.sum / float64(n)),
		P50MS:       round2(nearestRank(ordered, 50)),
		P95MS:       round2(nearestRank(ordered, 95)),
		P99MS:       round2(nearestRank(ordered, 99)),
		TargetP95MS: stageBudgetsMS[stage],
	}
}

// nearestRank returns the smallest sample with at least pct percent of the
// window at or below it. ordered must be sorted and non-empty.
func nearestRank(ordered []float64, pct int) float64 {
	rank := (pct*len(ordered) + 99) / 100
	return ordered[max(rank, 1)-1]
}

// latencyWindow aggregates per-stage latency series and indicator counters
// for the perf endpoint.
type latencyWindow struct {
	mu         sync.Mutex
	limit      int
	series     map[string]*series
	indicators map[string]int
}

func newLatencyWindow(limit int) *latencyWindow {
	if limit <= 0 {
		limit = 256
	}
	return &latencyWindow{
		limit:      limit,
		series:     map[string]*series{},
		indicators: map[string]int{},
	}
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.series[stage]
	if s == nil {
		s = &series{samples: make([]float64, 0, w.limit)}
		w.series[stage] = s
	}
	s.push(ms, w.limit)
}

func (w *latencyWindow) ObserveIndicator(name string) {
	if name = strings.TrimSpace(name); name != "" {
		w.mu.Lock()
		w.indicators[name]++
		w.mu.Unlock()
	}
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.limit,
		Stages:      make([]LatencyStats, 0, len(w.series)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.series)) {
		snap.Stages = append(snap.Stages, w.series[stage].stats(stage))
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
