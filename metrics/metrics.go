// Package metrics registers the Prometheus instrumentation for the audio
// pipeline and the gateway. All collectors are package-level and registered
// once at init via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "earshot_frames_processed_total",
		Help: "Audio frames accepted into the pipeline",
	}, []string{"channel"})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "earshot_frames_dropped_total",
		Help: "Audio frames dropped because the pipeline queue was full",
	})

	UnpairedFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "earshot_unpaired_frames_dropped_total",
		Help: "Encoded frames dropped because the partner channel stalled",
	})

	DriftTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "earshot_drift_truncations_total",
		Help: "Frame pairs truncated because capture sources drifted in length",
	})

	AudioBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "earshot_audio_bytes_sent_total",
		Help: "PCM bytes flushed to the recognizer socket",
	})

	SendsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "earshot_sends_dropped_total",
		Help: "Audio flushes dropped while the recognizer socket was not connected",
	})

	ReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "earshot_reconnect_attempts_total",
		Help: "Recognizer socket reconnect attempts",
	})

	RecognizerParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "earshot_recognizer_parse_errors_total",
		Help: "Inbound recognizer events dropped as unparseable",
	})

	TranscriptsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "earshot_transcripts_emitted_total",
		Help: "Transcript events emitted to consumers",
	}, []string{"channel", "final"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "earshot_active_sessions",
		Help: "Currently active call sessions",
	})

	GatewayConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "earshot_gateway_connections_total",
		Help: "Capture client websocket connections accepted",
	})
)
