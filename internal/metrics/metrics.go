// Package metrics exposes prometheus collectors for the correlation core.
// Envelope timestamps give per-request latency; the tracker reports every
// settlement here, and the transport counts connections and frames.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors for one gateway process. Register hands
// them to a prometheus registry; the transport serves them on /metrics.
type Metrics struct {
	InFlight      prometheus.Gauge
	SettleLatency *prometheus.HistogramVec
	LateArrivals  prometheus.Counter
	Connections   prometheus.Gauge
	Frames        *prometheus.CounterVec
}

// New creates the collector set.
func New() *Metrics {
	return &Metrics{
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "continuum_requests_in_flight",
			Help: "Pending requests currently tracked by the correlation tracker.",
		}),
		SettleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "continuum_request_settle_seconds",
			Help:    "Time from track to settlement, by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		LateArrivals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "continuum_late_arrivals_total",
			Help: "Response envelopes discarded because their correlation ID was already settled.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "continuum_transport_connections",
			Help: "Open WebSocket connections.",
		}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "continuum_transport_frames_total",
			Help: "Envelope frames by direction.",
		}, []string{"direction"}),
	}
}

// Register registers every collector with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.InFlight, m.SettleLatency, m.LateArrivals,
		m.Connections, m.Frames,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// TrackStarted implements correlation.Metrics.
func (m *Metrics) TrackStarted() {
	m.InFlight.Inc()
}

// Settled implements correlation.Metrics.
func (m *Metrics) Settled(outcome string, elapsed time.Duration) {
	m.InFlight.Dec()
	m.SettleLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// LateArrival implements correlation.Metrics.
func (m *Metrics) LateArrival() {
	m.LateArrivals.Inc()
}
