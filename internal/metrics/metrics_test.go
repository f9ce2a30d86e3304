package metrics_test

import (
	"testing"

	"github.com/omochice/pairchat/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.FrameReceived()
	m.FrameReceived()
	m.ProtocolError()
	m.Rejected("empty")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendRejected.WithLabelValues("empty")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StaleEvents))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.FrameReceived()
		m.FrameMalformed()
		m.TransportFailure()
		m.StaleEvent()
		m.HistoryFailure()
		m.Activation()
		m.MessageSent()
		m.Rejected("not_ready")
	})
}
