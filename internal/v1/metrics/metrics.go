package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the AgentRoom messaging service.
//
// Naming convention: namespace_subsystem_name
// - namespace: agentroom (application-level grouping)
// - subsystem: websocket, room, dispatcher (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, sessions, rooms)
// - Counter: cumulative events (actions processed, messages delivered)
// - Histogram: latency distributions (frame processing time)

var (
	// ActiveConnections tracks the current number of open WebSocket connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentroom",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// AuthenticatedSessions tracks the current number of authenticated sessions
	AuthenticatedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentroom",
		Subsystem: "websocket",
		Name:      "sessions_authenticated",
		Help:      "Current number of authenticated sessions",
	})

	// ActiveRooms tracks the current number of rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentroom",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms",
	})

	// RoomMembers tracks the number of members in each room
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agentroom",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// ActionsProcessed counts dispatched actions by outcome
	ActionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentroom",
		Subsystem: "dispatcher",
		Name:      "actions_total",
		Help:      "Total actions processed by the dispatcher",
	}, []string{"action", "status"})

	// MessagesDelivered counts chat envelopes delivered to recipients
	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentroom",
		Subsystem: "room",
		Name:      "messages_delivered_total",
		Help:      "Total chat messages delivered to room members",
	})

	// MessagesFiltered counts chat envelopes withheld by visibility rules
	MessagesFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentroom",
		Subsystem: "room",
		Name:      "messages_filtered_total",
		Help:      "Total chat messages withheld from room members by visibility rules",
	})

	// FrameProcessingDuration tracks the time spent processing inbound frames
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentroom",
		Subsystem: "dispatcher",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing inbound WebSocket frames",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// RateLimitExceeded counts rejected WebSocket handshakes
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentroom",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Total WebSocket handshakes rejected by the rate limiter",
	}, []string{"scope"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
