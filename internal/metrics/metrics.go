// Package metrics registers the Prometheus collectors RingSocket-Go
// exposes at /metrics, using a ws_* naming convention (here
// ringsocket_*) and a package-level-vars-plus-init-registration style.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ringsocket_connections_active",
		Help: "Current number of connected peers across all workers.",
	})

	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringsocket_connections_total",
		Help: "Total number of accepted connections.",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ringsocket_connections_rejected_total",
		Help: "Connections rejected by the resource guard, by reason.",
	}, []string{"reason"})

	MortalityTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ringsocket_mortality_transitions_total",
		Help: "Peer mortality state transitions, by destination state.",
	}, []string{"state"})

	RingBytesAvailable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ringsocket_ring_bytes_available",
		Help: "Bytes currently published but unconsumed in a ring.",
	}, []string{"direction", "index"})

	RingGrowthsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ringsocket_ring_growths_total",
		Help: "Number of times a ring outgrew its current buffer.",
	}, []string{"direction", "index"})

	WakeupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ringsocket_wakeups_total",
		Help: "Number of times a parked thread was woken via its SleepState.",
	}, []string{"thread"})

	FanoutMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ringsocket_fanout_messages_total",
		Help: "Outbound ring records written, one per addressed worker, by fan-out kind.",
	}, []string{"kind"})

	FanoutOversizeTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringsocket_fanout_oversize_total",
		Help: "Outbound sends rejected for exceeding max_ws_msg_size.",
	})

	FanoutBroadcastRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringsocket_fanout_broadcast_rate_limited_total",
		Help: "Broadcast-shaped sends (to_every and its except-X variants) dropped by the guard's rate limiter.",
	})

	MessagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringsocket_messages_received_total",
		Help: "Total inbound WS messages delivered to an app.",
	})

	BytesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringsocket_bytes_sent_total",
		Help: "Total bytes queued for peer sockets, WS frame headers and HTTP responses included.",
	})

	BytesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringsocket_bytes_received_total",
		Help: "Total bytes read off peer sockets.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		ConnectionsRejected,
		MortalityTransitions,
		RingBytesAvailable,
		RingGrowthsTotal,
		WakeupsTotal,
		FanoutMessagesTotal,
		FanoutOversizeTotal,
		FanoutBroadcastRateLimited,
		MessagesReceivedTotal,
		BytesSentTotal,
		BytesReceivedTotal,
	)
}

// Handler returns the http.Handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
