package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	RelayFrames     *prometheus.CounterVec
	RelayDrops      *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	AgentConnect    prometheus.Histogram
	FirstAgentAudio prometheus.Histogram
	OutboundCalls   *prometheus.CounterVec
	latency         *latencyWindow
	gatherer        prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. Passing nil uses the default
// Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live relay sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Relay session lifecycle events by type.",
		}, []string{"event"}),
		RelayFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Frames relayed by direction and event type.",
		}, []string{"direction", "type"}),
		RelayDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_drops_total",
			Help:      "Frames dropped by the relay, by reason.",
		}, []string{"reason"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		AgentConnect: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_connect_latency_ms",
			Help:      "Time to open the agent channel in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		FirstAgentAudio: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_agent_audio_latency_ms",
			Help:      "Latency from session start to the first agent audio frame in milliseconds.",
			Buckets:   []float64{200, 400, 700, 1000, 1500, 2000, 3000, 5000},
		}),
		OutboundCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_calls_total",
			Help:      "Outbound call attempts by result.",
		}, []string{"result"}),
		latency:  newLatencyWindow(256),
		gatherer: gatherer,
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveFrame(direction, eventType string) {
	if m == nil {
		return
	}
	m.RelayFrames.WithLabelValues(direction, eventType).Inc()
}

func (m *Metrics) ObserveDrop(reason string) {
	if m == nil {
		return
	}
	m.RelayDrops.WithLabelValues(reason).Inc()
	m.latency.ObserveIndicator("drop_" + reason)
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveOutboundCall(result string) {
	if m == nil {
		return
	}
	m.OutboundCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAgentConnect(d time.Duration) {
	if m == nil {
		return
	}
	m.AgentConnect.Observe(float64(d.Milliseconds()))
	m.latency.Observe(StageAgentConnect, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveFirstAgentAudio(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAgentAudio.Observe(float64(d.Milliseconds()))
	m.latency.Observe(StageFirstAgentAudio, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSessionDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(StageSessionDuration, float64(d.Milliseconds()))
}

// SnapshotLatency returns rolling-window latency stats for the perf endpoint.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []LatencyStats{}}
	}
	return m.latency.Snapshot()
}

// Handler serves the registry these metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
