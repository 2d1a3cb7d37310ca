package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Tyrowin/flowsync/internal/room"
)

const metricsNamespace = "flowsync"

// Metrics holds the collaboration server's Prometheus instruments.
type Metrics struct {
	Sessions     prometheus.Gauge
	Rooms        prometheus.Gauge
	GracePending prometheus.Gauge

	Messages        *prometheus.CounterVec
	Disconnects     *prometheus.CounterVec
	UpdatesApplied  prometheus.Counter
	UpdatesRejected prometheus.Counter
	EffectiveBytes  prometheus.Counter
	Deliveries      prometheus.Counter
	RateLimited     prometheus.Counter
	GraceResumes    prometheus.Counter
	GraceExpiries   prometheus.Counter
}

// NewMetrics registers the server instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions",
			Help:      "Open WebSocket sessions.",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rooms",
			Help:      "Live rooms.",
		}),
		GracePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "grace_pending",
			Help:      "Members waiting inside the reconnection grace window.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Inbound frames by message type.",
		}, []string{"type"}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Closed sessions by disconnect reason.",
		}, []string{"reason"}),
		UpdatesApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "doc_updates_applied_total",
			Help:      "Document deltas merged into a room.",
		}),
		UpdatesRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "doc_updates_rejected_total",
			Help:      "Document deltas dropped as malformed.",
		}),
		EffectiveBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "doc_effective_update_bytes_total",
			Help:      "Encoded size of the part of each delta that changed a document.",
		}),
		Deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fanout_deliveries_total",
			Help:      "Frames queued to peers by room fan-out.",
		}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Inbound frames discarded by the per-session rate limiter.",
		}),
		GraceResumes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "grace_resumes_total",
			Help:      "Reconnects that reclaimed a membership inside the grace window.",
		}),
		GraceExpiries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "grace_expiries_total",
			Help:      "Grace windows that elapsed without a reconnect.",
		}),
	}
}

// ObserveRoom counts the effective size of every change merged into r's
// document. It is meant to run as a room registry creation hook.
func (m *Metrics) ObserveRoom(r *room.Room) {
	r.Document().Observe(func(update []byte) {
		m.EffectiveBytes.Add(float64(len(update)))
	})
}
