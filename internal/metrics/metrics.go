package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the server exports.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions    prometheus.Gauge
	ActiveSubscribers prometheus.Gauge
	HeldClaims        prometheus.Gauge

	OutputFrames  prometheus.Counter
	OutputBytes   prometheus.Counter
	DroppedFrames prometheus.Counter
	Evictions     *prometheus.CounterVec
	Claims        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termshare", Name: "active_sessions",
			Help: "Number of live session hubs.",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termshare", Name: "active_subscribers",
			Help: "Number of (connection, session) subscribers across all hubs.",
		}),
		HeldClaims: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termshare", Name: "held_claims",
			Help: "Number of sessions with a held claim.",
		}),
		OutputFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termshare", Name: "output_frames_total",
			Help: "Output frames fanned out to subscriber queues.",
		}),
		OutputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termshare", Name: "output_bytes_total",
			Help: "Raw PTY bytes broadcast to subscribers.",
		}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termshare", Name: "dropped_frames_total",
			Help: "Output frames coalesced away from slow subscriber queues.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termshare", Name: "evictions_total",
			Help: "Subscribers forcibly removed, by reason.",
		}, []string{"reason"}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termshare", Name: "claims_total",
			Help: "Claim state transitions, by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.ActiveSessions, m.ActiveSubscribers, m.HeldClaims,
		m.OutputFrames, m.OutputBytes, m.DroppedFrames,
		m.Evictions, m.Claims,
	)
	return m
}

// Handler serves the scrape endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
