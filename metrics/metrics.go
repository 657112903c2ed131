// Package metrics exposes Prometheus instrumentation for the receiver.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the RAOP receiver.
type Metrics struct {
	// Transport metrics
	PacketsReceived *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	ResendRequests  prometheus.Counter
	ClockOffset     prometheus.Gauge

	// Pipeline metrics
	FramesDecoded    prometheus.Counter
	PipelineFailures *prometheus.CounterVec
	DecodeDuration   prometheus.Histogram

	// Session metrics
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge

	// Control channel metrics
	ControlRequests *prometheus.CounterVec
}

// New creates and registers all metrics on reg. A nil registerer uses the
// default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raop_packets_received_total",
			Help: "Total number of RTP packets received, by kind",
		}, []string{"kind"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raop_packets_dropped_total",
			Help: "Total number of audio packets dropped before decoding, by reason",
		}, []string{"reason"}),
		ResendRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "raop_resend_requests_total",
			Help: "Total number of retransmit requests sent to senders",
		}),
		ClockOffset: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raop_clock_offset_seconds",
			Help: "Estimated offset between the sender clock and the local clock",
		}),
		FramesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "raop_frames_decoded_total",
			Help: "Total number of decoded frames delivered to the host",
		}),
		PipelineFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raop_pipeline_failures_total",
			Help: "Total number of packets rejected by the decode pipeline, by stage",
		}, []string{"stage"}),
		DecodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "raop_decode_duration_seconds",
			Help:    "Time spent decrypting and decoding one packet",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "raop_sessions_started_total",
			Help: "Total number of sessions admitted",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raop_sessions_ended_total",
			Help: "Total number of sessions torn down, by reason",
		}, []string{"reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "raop_active_sessions",
			Help: "Current number of active sessions",
		}),
		ControlRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "raop_control_requests_total",
			Help: "Total number of control channel requests, by method and status",
		}, []string{"method", "status"}),
	}
}

// PacketReceived counts one received packet of the given kind.
func (m *Metrics) PacketReceived(kind string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(kind).Inc()
}

// PacketsDroppedBy counts n dropped packets.
func (m *Metrics) PacketsDroppedBy(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Add(float64(n))
}

// ResendRequested counts one retransmit request.
func (m *Metrics) ResendRequested() {
	if m == nil {
		return
	}
	m.ResendRequests.Inc()
}

// SetClockOffset records the current sender clock offset.
func (m *Metrics) SetClockOffset(offset time.Duration) {
	if m == nil {
		return
	}
	m.ClockOffset.Set(offset.Seconds())
}

// FrameDecoded records a delivered frame and its processing time.
func (m *Metrics) FrameDecoded(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FramesDecoded.Inc()
	m.DecodeDuration.Observe(elapsed.Seconds())
}

// PipelineFailure counts a packet rejected at the given stage.
func (m *Metrics) PipelineFailure(stage string) {
	if m == nil {
		return
	}
	m.PipelineFailures.WithLabelValues(stage).Inc()
}

// SessionStarted records an admitted session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded records a torn down session.
func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
}

// ControlRequest counts one handled control request.
func (m *Metrics) ControlRequest(method string, status int) {
	if m == nil {
		return
	}
	m.ControlRequests.WithLabelValues(method, statusLabel(status)).Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
