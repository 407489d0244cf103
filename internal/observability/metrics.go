package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	LiveActors        *prometheus.GaugeVec
	ActiveConnections prometheus.Gauge
	EventsPublished   *prometheus.CounterVec
	FanoutDelivered   prometheus.Counter
	FanoutDropped     prometheus.Counter
	HistoryFailures   prometheus.Counter
	PresenceSweeps    prometheus.Counter
	SweepTransitions  prometheus.Counter
	ActorRestarts     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	CommandErrors     *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		LiveActors: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_actors",
			Help:      "Live session actors by kind.",
		}, []string{"kind"}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Open websocket connections.",
		}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published to the bus by type.",
		}, []string{"type"}),
		FanoutDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_delivered_total",
			Help:      "Per-subscriber deliveries that reached a subscriber buffer.",
		}),
		FanoutDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_dropped_total",
			Help:      "Per-subscriber deliveries dropped due to saturated buffers.",
		}),
		HistoryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_persist_failures_total",
			Help:      "Event history writes that failed; delivery proceeds regardless.",
		}),
		PresenceSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_sweeps_total",
			Help:      "Completed staleness sweep passes.",
		}),
		SweepTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_sweep_transitions_total",
			Help:      "Presence sessions forced offline by the sweeper.",
		}),
		ActorRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actor_crashes_total",
			Help:      "Actor panics by kind and recovery policy outcome.",
		}, []string{"kind", "policy"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		CommandErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Rejected inbound commands by error code.",
		}, []string{"code"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
