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
	ActiveSessions     prometheus.Gauge
	StateTransitions   *prometheus.CounterVec
	CallsEnded         *prometheus.CounterVec
	CallDuration       prometheus.Histogram
	SideEffectFailures *prometheus.CounterVec
	TokensIssued       *prometheus.CounterVec
	DeviceFrames       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_phone_sessions",
			Help:      "Number of live phone sessions.",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phone_state_transitions_total",
			Help:      "Phone state transitions by target state.",
		}, []string{"state"}),
		CallsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Ended calls by direction and outcome.",
		}, []string{"direction", "outcome"}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of connected calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		SideEffectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "Best-effort side effects that failed, by kind.",
		}, []string{"kind"}),
		TokensIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_tokens_total",
			Help:      "Capability token requests by result.",
		}, []string{"result"}),
		DeviceFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_frames_total",
			Help:      "Device websocket frames by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) Transition(state string) {
	if m != nil {
		m.StateTransitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) CallEnded(direction, outcome string, connected time.Duration) {
	if m == nil {
		return
	}
	m.CallsEnded.WithLabelValues(direction, outcome).Inc()
	if connected > 0 {
		m.CallDuration.Observe(connected.Seconds())
	}
}

func (m *Metrics) SideEffectFailed(kind string) {
	if m != nil {
		m.SideEffectFailures.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) TokenIssued(result string) {
	if m != nil {
		m.TokensIssued.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) DeviceFrame(direction, typ string) {
	if m != nil {
		m.DeviceFrames.WithLabelValues(direction, typ).Inc()
	}
}

func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
