// Package metrics provides Prometheus instrumentation for the sync core:
// channel state, reconnects, and inbound/outbound frame throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChannelOpen is 1 while the channel of the given scope has an open socket.
	ChannelOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatsync_channel_open",
		Help: "Whether the channel currently has an open socket",
	}, []string{"scope"})

	// Connects counts connect attempts by outcome: "open", "error", "unauthorized", "cancelled".
	Connects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_connects_total",
		Help: "Connect attempts by outcome",
	}, []string{"scope", "outcome"})

	// Reconnects counts scheduled reconnect attempts after abnormal closures.
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_reconnects_total",
		Help: "Reconnect attempts scheduled after abnormal closure",
	}, []string{"scope"})

	// FramesReceived counts parsed inbound frames by action.
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_frames_received_total",
		Help: "Inbound frames delivered to listeners",
	}, []string{"scope", "action"})

	// FramesSent counts outbound frames by action.
	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_frames_sent_total",
		Help: "Outbound frames written to the socket",
	}, []string{"scope", "action"})

	// FramesDropped counts frames that were not delivered, labeled by reason:
	// "malformed", "not_open", "write_error", "stale".
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_frames_dropped_total",
		Help: "Frames dropped instead of delivered",
	}, []string{"scope", "reason"})

	// SendRollbacks counts optimistic messages rolled back after a failed send.
	SendRollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_send_rollbacks_total",
		Help: "Optimistic messages rolled back after a failed send",
	})

	// PresenceRecords tracks the number of cached presence records.
	PresenceRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_presence_records",
		Help: "Current number of cached presence records",
	})
)

func init() {
	prometheus.MustRegister(
		ChannelOpen,
		Connects,
		Reconnects,
		FramesReceived,
		FramesSent,
		FramesDropped,
		SendRollbacks,
		PresenceRecords,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
