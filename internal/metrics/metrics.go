// Package metrics provides Prometheus instrumentation for the relay and the
// session API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame results recorded by RelayFrames.
const (
	FrameRelayed    = "relayed"
	FrameMalformed  = "malformed"
	FrameMismatched = "mismatched"
	FramePing       = "ping"
	FrameDropped    = "dropped" // sender is not registered
)

var (
	// RelayConnections tracks the number of registered relay connections.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentviz_relay_connections",
		Help: "Current number of connections registered on the relay",
	})

	// RelayChannels tracks the number of live session channels.
	RelayChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentviz_relay_channels",
		Help: "Current number of session channels with at least one member",
	})

	// RelayFrames counts inbound frames by outcome.
	RelayFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentviz_relay_frames_total",
		Help: "Inbound relay frames by outcome",
	}, []string{"result"})

	// RelaySendSkips counts per-member deliveries skipped because the member
	// was not open or its send queue was full.
	RelaySendSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentviz_relay_send_skips_total",
		Help: "Broadcast deliveries skipped for a single member",
	})

	// RelayRejected counts connection attempts without a usable session id.
	RelayRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentviz_relay_rejected_total",
		Help: "Relay connections rejected for a missing session id",
	})

	// TranscriptEvents counts envelopes persisted to session transcripts.
	TranscriptEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentviz_transcript_events_total",
		Help: "Envelopes appended to session transcripts",
	})
)

func init() {
	prometheus.MustRegister(
		RelayConnections,
		RelayChannels,
		RelayFrames,
		RelaySendSkips,
		RelayRejected,
		TranscriptEvents,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
