// Package metrics exposes prometheus counters for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pairchat"

// Metrics groups the engine counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	FramesReceived    prometheus.Counter
	FramesMalformed   prometheus.Counter
	ProtocolErrors    prometheus.Counter
	TransportFailures prometheus.Counter
	StaleEvents       prometheus.Counter
	HistoryFailures   prometheus.Counter
	Activations       prometheus.Counter
	MessagesSent      prometheus.Counter
	SendRejected      *prometheus.CounterVec
}

// New registers the counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	return &Metrics{
		FramesReceived:    counter("frames_received_total", "Inbound frames read from the live channel."),
		FramesMalformed:   counter("frames_malformed_total", "Inbound frames dropped because they could not be decoded."),
		ProtocolErrors:    counter("protocol_errors_total", "Inbound error frames turned into timeline entries."),
		TransportFailures: counter("transport_failures_total", "Live channels that failed or were closed by the peer."),
		StaleEvents:       counter("stale_events_dropped_total", "History results and live events ignored because their conversation was superseded."),
		HistoryFailures:   counter("history_failures_total", "Conversation history requests that failed."),
		Activations:       counter("activations_total", "Conversation activations."),
		MessagesSent:      counter("messages_sent_total", "Outbound frames handed to the live channel."),
		SendRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_rejected_total",
			Help:      "Send attempts rejected before reaching the channel.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) FrameReceived() {
	if m != nil {
		m.FramesReceived.Inc()
	}
}

func (m *Metrics) FrameMalformed() {
	if m != nil {
		m.FramesMalformed.Inc()
	}
}

func (m *Metrics) ProtocolError() {
	if m != nil {
		m.ProtocolErrors.Inc()
	}
}

func (m *Metrics) TransportFailure() {
	if m != nil {
		m.TransportFailures.Inc()
	}
}

func (m *Metrics) StaleEvent() {
	if m != nil {
		m.StaleEvents.Inc()
	}
}

func (m *Metrics) HistoryFailure() {
	if m != nil {
		m.HistoryFailures.Inc()
	}
}

func (m *Metrics) Activation() {
	if m != nil {
		m.Activations.Inc()
	}
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

// Rejected counts a send rejected for reason (e.g. "empty", "not_ready").
func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.SendRejected.WithLabelValues(reason).Inc()
	}
}
