package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway and console.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	ChannelMessages *prometheus.CounterVec
	TokenMints      *prometheus.CounterVec
	TokenLatency    prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of realtime sessions currently tracked.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		ChannelMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_messages_total",
			Help:      "Archived data-channel control events by direction and type.",
		}, []string{"direction", "type"}),
		TokenMints: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_mints_total",
			Help:      "Ephemeral credential mints by outcome.",
		}, []string{"outcome"}),
		TokenLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "token_mint_latency_ms",
			Help:      "Latency of upstream credential mints in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1200, 2500, 5000},
		}),
	}
}

func (m *Metrics) ObserveTokenLatency(d time.Duration) {
	m.TokenLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
