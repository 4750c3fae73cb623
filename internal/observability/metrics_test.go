package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe(StageFirstAgentAudio, 500)
	w.Observe(StageFirstAgentAudio, 700)
	w.Observe(StageFirstAgentAudio, 900)
	w.ObserveIndicator("drop_agent_not_open")
	w.ObserveIndicator("drop_agent_not_open")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 2000 {
		t.Fatalf("TargetP95MS = %.2f, want 2000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("unexpected indicators: %+v", snap.Indicators)
	}
}

func TestLatencyWindowWraps(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe(StageAgentConnect, 10)
	w.Observe(StageAgentConnect, 20)
	w.Observe(StageAgentConnect, 30)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", s.AvgMS)
	}
}

func TestNearestRankPercentiles(t *testing.T) {
	w := newLatencyWindow(100)
	for i := 100; i >= 1; i-- {
		w.Observe(StageSessionDuration, float64(i))
	}

	s := w.Snapshot().Stages[0]
	if s.P50MS != 50 || s.P95MS != 95 || s.P99MS != 99 {
		t.Fatalf("percentiles = %.0f/%.0f/%.0f, want 50/95/99", s.P50MS, s.P95MS, s.P99MS)
	}
	if s.LastMS != 1 {
		t.Fatalf("LastMS = %.2f, want most recent sample 1", s.LastMS)
	}
	if s.TargetP95MS != 0 {
		t.Fatalf("TargetP95MS = %.2f, want none for %s", s.TargetP95MS, StageSessionDuration)
	}
}

func TestLatencyWindowIgnoresInvalidSamples(t *testing.T) {
	w := newLatencyWindow(4)
	w.Observe("", 10)
	w.Observe(StageAgentConnect, -1)
	w.ObserveIndicator("   ")

	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}

func TestMetricsRecordAndServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test_metrics", reg)
	m.ObserveFrame("telephony_in", "media")
	m.ObserveFrame("telephony_in", "media")
	m.ObserveDrop("agent_not_open")
	m.ObserveAgentConnect(120 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`test_metrics_relay_frames_total{direction="telephony_in",type="media"} 2`,
		`test_metrics_relay_drops_total{reason="agent_not_open"} 1`,
		`test_metrics_agent_connect_latency_ms_count 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveFrame("a", "b")
	m.ObserveDrop("x")
	m.SessionEvent("created")
	m.SetActiveSessions(3)
	if snap := m.SnapshotLatency(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot has stages: %+v", snap)
	}
}
