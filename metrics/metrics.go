// Package metrics defines the Prometheus collectors for the realtime layer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "ws"

// Metrics holds every collector the gateway updates. Build one per
// process with New and pass it down; tests use a fresh registry each.
type Metrics struct {
	ConnectionsOpen prometheus.Gauge

	EventsIn  *prometheus.CounterVec
	EventsOut *prometheus.CounterVec

	PresenceJoins    prometheus.Counter
	PresenceLeaves   prometheus.Counter
	TypingEmitted    prometheus.Counter
	TypingSuppressed prometheus.Counter
	ReadReceipts     prometheus.Counter
	MessagesAcked    prometheus.Counter

	RateLimited   prometheus.Counter
	FrameTooLarge prometheus.Counter
	BadJSON       prometheus.Counter
	Errors        *prometheus.CounterVec

	AuthOK    prometheus.Counter
	AuthError *prometheus.CounterVec

	HeartbeatPings       prometheus.Counter
	HeartbeatDisconnects prometheus.Counter

	BusPublished     prometheus.Counter
	BusConsumed      prometheus.Counter
	BusPublishFailed prometheus.Counter
	BusBadPayloads   prometheus.Counter

	DroppedMessages     prometheus.Counter
	BroadcastRecipients prometheus.Histogram
	EventProcess        *prometheus.HistogramVec
}

func counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Current number of open WebSocket connections.",
		}),
		EventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_in_total",
			Help:      "Incoming events by type.",
		}, []string{"type"}),
		EventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_out_total",
			Help:      "Outgoing events by type, counted per recipient.",
		}, []string{"type"}),

		PresenceJoins:    counter("presence", "joins_total", "Rooms joined via presence.join."),
		PresenceLeaves:   counter("presence", "leaves_total", "Rooms left on disconnect."),
		TypingEmitted:    counter("typing", "emitted_total", "Typing events broadcast."),
		TypingSuppressed: counter("typing", "suppressed_total", "Typing events suppressed by debounce."),
		ReadReceipts:     counter("", "read_receipts_total", "message.read events broadcast."),
		MessagesAcked:    counter("", "messages_acked_total", "message.ack replies sent."),

		RateLimited:   counter("", "rate_limited_total", "Connections closed by the frame rate limit."),
		FrameTooLarge: counter("", "frame_too_large_total", "Frames rejected for exceeding the size ceiling."),
		BadJSON:       counter("", "bad_json_total", "Frames that were not valid JSON."),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error events sent to clients by reason.",
		}, []string{"reason"}),

		AuthOK: counter("auth", "ok_total", "Successful handshakes."),
		AuthError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "error_total",
			Help:      "Rejected handshakes by reason.",
		}, []string{"reason"}),

		HeartbeatPings:       counter("heartbeat", "pings_sent_total", "Heartbeat pings written."),
		HeartbeatDisconnects: counter("heartbeat", "disconnects_total", "Connections closed after missed heartbeats."),

		BusPublished:     counter("bus", "published_total", "Events published to the broker."),
		BusConsumed:      counter("bus", "consumed_total", "Events received from the broker and delivered locally."),
		BusPublishFailed: counter("bus", "publish_failed_total", "Broker publishes that failed after retries."),
		BusBadPayloads:   counter("bus", "bad_payloads_total", "Broker payloads skipped because they could not be decoded."),

		DroppedMessages: counter("", "dropped_messages_total", "Events dropped because a connection queue was full."),
		BroadcastRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "room_broadcast_recipients",
			Help:      "Recipients per broadcast.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		}),
		EventProcess: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_process_seconds",
			Help:      "Server-side processing time per inbound event.",
			Buckets:   []float64{.001, .005, .01, .02, .05, .1, .2, .5, 1, 2, 5},
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.ConnectionsOpen, m.EventsIn, m.EventsOut,
		m.PresenceJoins, m.PresenceLeaves, m.TypingEmitted, m.TypingSuppressed,
		m.ReadReceipts, m.MessagesAcked,
		m.RateLimited, m.FrameTooLarge, m.BadJSON, m.Errors,
		m.AuthOK, m.AuthError,
		m.HeartbeatPings, m.HeartbeatDisconnects,
		m.BusPublished, m.BusConsumed, m.BusPublishFailed, m.BusBadPayloads,
		m.DroppedMessages, m.BroadcastRecipients, m.EventProcess,
	)
	return m
}

// NewNop returns collectors on a private registry nobody scrapes.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// EventTypeLabel keeps label cardinality bounded for client-supplied types.
func EventTypeLabel(t string) string {
	switch t {
	case "presence.join", "presence.leave", "message.new", "message.ack", "message.read",
		"typing", "ping", "pong", "error", "auth.ok", "auth.error":
		return t
	case "":
		return "unknown"
	default:
		return "other"
	}
}
