// Package metrics owns the Prometheus registry for the daemon. Subsystems
// receive the whole Metrics struct and touch only their own instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the daemon exports. A fresh registry is
// created per instance so parallel tests never fight over registration.
type Metrics struct {
	registry *prometheus.Registry

	BusPublished prometheus.Counter
	BusDropped   prometheus.Counter

	QueueDepth         prometheus.Gauge
	CommandsEnqueued   prometheus.Counter
	CommandsDispatched prometheus.Counter
	CommandsRetried    prometheus.Counter
	CommandsTimedOut   prometheus.Counter
	CommandsFinished   *prometheus.CounterVec // labels: type, outcome

	TelemetryIngested prometheus.Counter
	TelemetryRejected prometheus.Counter

	AlarmsRaised *prometheus.CounterVec // label: severity

	BreakerState *prometheus.GaugeVec // label: name; 0=closed 1=half-open 2=open
	BreakerCalls *prometheus.CounterVec // labels: name, outcome

	ActorRestarts prometheus.Counter

	WSSessions prometheus.Gauge
}

// New builds and registers all instruments under the stellarops namespace.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "bus",
			Name: "published_total", Help: "Messages published on the in-process bus.",
		}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "bus",
			Name: "dropped_total", Help: "Messages dropped because a subscriber buffer was full.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stellarops", Subsystem: "commands",
			Name: "queue_depth", Help: "Commands currently queued across all satellites.",
		}),
		CommandsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "commands",
			Name: "enqueued_total", Help: "Commands accepted into the queue.",
		}),
		CommandsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "commands",
			Name: "dispatched_total", Help: "Commands handed to the executor.",
		}),
		CommandsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "commands",
			Name: "retried_total", Help: "Command retry requeues.",
		}),
		CommandsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "commands",
			Name: "timed_out_total", Help: "Commands failed by the timeout sweep.",
		}),
		CommandsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "commands",
			Name: "finished_total", Help: "Commands that reached a terminal status.",
		}, []string{"type", "outcome"}),

		TelemetryIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "telemetry",
			Name: "ingested_total", Help: "Telemetry events accepted by the ingester.",
		}),
		TelemetryRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "telemetry",
			Name: "rejected_total", Help: "Telemetry events rejected by validation.",
		}),

		AlarmsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "alarms",
			Name: "raised_total", Help: "Alarms raised.",
		}, []string{"severity"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stellarops", Subsystem: "breaker",
			Name: "state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
		BreakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "breaker",
			Name: "calls_total", Help: "Calls through named circuit breakers.",
		}, []string{"name", "outcome"}),

		ActorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stellarops", Subsystem: "satellites",
			Name: "actor_restarts_total", Help: "Satellite actor restarts after a crash.",
		}),

		WSSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stellarops", Subsystem: "ws",
			Name: "sessions", Help: "Connected WebSocket sessions.",
		}),
	}

	m.registry.MustRegister(
		m.BusPublished, m.BusDropped,
		m.QueueDepth, m.CommandsEnqueued, m.CommandsDispatched,
		m.CommandsRetried, m.CommandsTimedOut, m.CommandsFinished,
		m.TelemetryIngested, m.TelemetryRejected,
		m.AlarmsRaised,
		m.BreakerState, m.BreakerCalls,
		m.ActorRestarts,
		m.WSSessions,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
