// Package metrics collects the client engine's Prometheus series on a
// private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "salescall"

// Metrics is safe to use through a nil pointer; every recorder is a no-op then.
type Metrics struct {
	registry *prometheus.Registry

	ChannelStates  *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec
	BinaryDropped  *prometheus.CounterVec
	PendingDepth   *prometheus.GaugeVec
	ControlQueued  *prometheus.CounterVec
	CallEvents     *prometheus.CounterVec
	StaleDropped   *prometheus.CounterVec
	Segments       *prometheus.CounterVec
	AudioQueue     prometheus.Gauge
	PCMFrames      *prometheus.CounterVec
	TranscriptSeen *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ChannelStates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_state_transitions_total",
			Help:      "Channel state transitions",
		}, []string{"channel", "state"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnects_total",
			Help:      "Dial attempts after the first successful open",
		}, []string{"channel"}),
		BinaryDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_binary_dropped_total",
			Help:      "Binary frames dropped because the channel was not open",
		}, []string{"channel"}),
		PendingDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_pending_outbound",
			Help:      "Control messages waiting for the channel to open",
		}, []string{"channel"}),
		ControlQueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_control_queued_total",
			Help:      "Control messages queued while the channel was not open",
		}, []string{"channel"}),
		CallEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call state machine events applied",
		}, []string{"event"}),
		StaleDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_stale_messages_total",
			Help:      "Remote messages dropped for a call id mismatch or wrong phase",
		}, []string{"event"}),
		Segments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_segments_total",
			Help:      "Inbound audio segments by outcome",
		}, []string{"outcome"}),
		AudioQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_queue_depth",
			Help:      "Inbound segments waiting for the sink",
		}),
		PCMFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pcm_frames_total",
			Help:      "16 kHz PCM frames produced for transcription by outcome",
		}, []string{"outcome"}),
		TranscriptSeen: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_total",
			Help:      "Transcription events by kind and outcome",
		}, []string{"kind", "outcome"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ChannelState(channel, state string) {
	if m == nil {
		return
	}
	m.ChannelStates.WithLabelValues(channel, state).Inc()
}

func (m *Metrics) Reconnect(channel string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(channel).Inc()
}

func (m *Metrics) DropBinary(channel string) {
	if m == nil {
		return
	}
	m.BinaryDropped.WithLabelValues(channel).Inc()
}

func (m *Metrics) QueueControl(channel string) {
	if m == nil {
		return
	}
	m.ControlQueued.WithLabelValues(channel).Inc()
}

func (m *Metrics) Pending(channel string, depth int) {
	if m == nil {
		return
	}
	m.PendingDepth.WithLabelValues(channel).Set(float64(depth))
}

func (m *Metrics) CallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Stale(event string) {
	if m == nil {
		return
	}
	m.StaleDropped.WithLabelValues(event).Inc()
}

// Segment records an inbound segment outcome: queued, appended, rejected or flushed.
func (m *Metrics) Segment(outcome string) {
	if m == nil {
		return
	}
	m.Segments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AudioQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.AudioQueue.Set(float64(depth))
}

func (m *Metrics) PCMFrame(outcome string) {
	if m == nil {
		return
	}
	m.PCMFrames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transcript(kind, outcome string) {
	if m == nil {
		return
	}
	m.TranscriptSeen.WithLabelValues(kind, outcome).Inc()
}
