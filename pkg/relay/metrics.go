package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's Prometheus instruments.
type Metrics struct {
	Peers     prometheus.Gauge
	Updates   prometheus.Counter
	Version   prometheus.Gauge
	Malformed prometheus.Counter
	Dropped   prometheus.Counter
}

// NewMetrics creates the instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stage_relay_peers",
			Help: "Currently connected peers.",
		}),
		Updates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stage_relay_updates_total",
			Help: "Accepted stage updates.",
		}),
		Version: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stage_relay_version",
			Help: "Version of the latest accepted snapshot.",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stage_relay_malformed_frames_total",
			Help: "Inbound frames dropped because they could not be decoded.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stage_relay_slow_peer_disconnects_total",
			Help: "Peers disconnected because their outbound queue was full.",
		}),
	}
	reg.MustRegister(m.Peers, m.Updates, m.Version, m.Malformed, m.Dropped)
	return m
}
