// Package metrics provides Prometheus instrumentation for the collaboration
// client core and the relay. Collectors are registered once at init and
// exposed by the relay on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState is 1 for the current client transport status and 0 for
	// the others, labeled by status.
	ConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collab_connection_state",
		Help: "Current transport status of the client connection",
	}, []string{"status"})

	// ReconnectAttempts counts failed connection attempts.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_reconnect_attempts_total",
		Help: "Total number of failed connection attempts",
	})

	// LinkLatency records heartbeat round-trip latency in seconds.
	LinkLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_link_latency_seconds",
		Help:    "Heartbeat round-trip latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// QueueDepth tracks the number of frames buffered while offline.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_queue_depth",
		Help: "Number of outbound frames waiting for a connection",
	})

	// QueueDropped counts frames dropped or rejected by the offline queue,
	// labeled by reason: "evicted", "dropped" or "rejected".
	QueueDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_queue_dropped_total",
		Help: "Outbound frames dropped or rejected by the offline queue",
	}, []string{"reason"})

	// FramesDispatched counts inbound frames, labeled by frame type. Unknown
	// types are labeled "unknown".
	FramesDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_frames_dispatched_total",
		Help: "Inbound frames routed by the dispatcher",
	}, []string{"type"})

	// OperationsApplied counts document operations, labeled by mode and
	// origin ("local" or "remote").
	OperationsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_operations_applied_total",
		Help: "Document operations applied",
	}, []string{"mode", "origin"})

	// Conflicts counts OT conflicts, labeled by outcome: "auto" or "surfaced".
	Conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_conflicts_total",
		Help: "Operational-transform conflicts detected",
	}, []string{"outcome"})

	// Resyncs counts full document resynchronisations requested.
	Resyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collab_resyncs_total",
		Help: "Full document resyncs requested",
	})

	// SessionEvents counts live-session events applied, labeled by kind and
	// origin ("local" or "remote").
	SessionEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_session_events_total",
		Help: "Live-session events applied",
	}, []string{"kind", "origin"})

	// UnreadNotifications tracks the unread notification count of the feed.
	UnreadNotifications = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_unread_notifications",
		Help: "Unread notifications in the local feed",
	})

	// RelayConnections tracks active relay WebSocket connections.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "collab_relay_connections",
		Help: "Current number of active relay WebSocket connections",
	})

	// RelayFrames counts frames handled by the relay, labeled by direction
	// ("in", "out", "fanout", "rejected").
	RelayFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_relay_frames_total",
		Help: "Frames handled by the relay",
	}, []string{"direction"})

	// RelayFrameLatency records relay frame processing latency in seconds.
	RelayFrameLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_relay_frame_latency_seconds",
		Help:    "Relay frame processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttempts,
		LinkLatency,
		QueueDepth,
		QueueDropped,
		FramesDispatched,
		OperationsApplied,
		Conflicts,
		Resyncs,
		SessionEvents,
		UnreadNotifications,
		RelayConnections,
		RelayFrames,
		RelayFrameLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
