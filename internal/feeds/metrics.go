package feeds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the gateway's operational gauges and counters.
type Metrics struct {
	Connections prometheus.Gauge
	Feeds       prometheus.Gauge
	UniqueIPs   prometheus.Gauge
	TrackedIPs  prometheus.Gauge
	Messages    *prometheus.CounterVec
	Broadcasts  prometheus.Counter
}

// NewMetrics registers the gateway collectors with reg. A nil registerer
// creates unregistered collectors, which tests use freely.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livefeed_connections",
			Help: "Open WebSocket connections.",
		}),
		Feeds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livefeed_feeds",
			Help: "Active thread feeds.",
		}),
		UniqueIPs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livefeed_unique_ips",
			Help: "Distinct source addresses with open connections.",
		}),
		TrackedIPs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livefeed_spam_tracked_ips",
			Help: "Addresses with a live spam score entry.",
		}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livefeed_messages_total",
			Help: "Inbound WebSocket messages by frame kind.",
		}, []string{"kind"}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Name: "livefeed_broadcasts_total",
			Help: "Frames fanned out to feed subscribers.",
		}),
	}
}
