package monitoring

import (
	"time"

	"genloop/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder.
type PrometheusCollector struct {
	// Gauges
	channelOpen prometheus.Gauge
	lastRTT     prometheus.Gauge
	lastDrift   prometheus.Gauge

	// Counters
	heartbeatsSent     prometheus.Counter
	submissionsTotal   prometheus.Counter
	sendRetriesTotal   prometheus.Counter
	unrecognizedTotal  prometheus.Counter
	generationsTotal   prometheus.Counter
	transitionsTotal   *prometheus.CounterVec
	protocolViolations *prometheus.CounterVec

	// Histograms
	roundTrip          prometheus.Histogram
	generationLatency  prometheus.Histogram
	generationDuration prometheus.Histogram
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg means the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		channelOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "genloop_data_channel_open",
			Help: "1 while the data channel accepts sends",
		}),

		lastRTT: factory.NewGauge(prometheus.GaugeOpts{
			Name: "genloop_heartbeat_rtt_milliseconds",
			Help: "Round trip time of the most recent heartbeat",
		}),

		lastDrift: factory.NewGauge(prometheus.GaugeOpts{
			Name: "genloop_clock_drift_milliseconds",
			Help: "Estimated offset between local and backend clocks",
		}),

		heartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "genloop_heartbeats_sent_total",
			Help: "Total number of heartbeat pings sent",
		}),

		submissionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "genloop_submissions_total",
			Help: "Total number of prompts sent to the backend",
		}),

		sendRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "genloop_send_retries_total",
			Help: "Send attempts deferred because the channel was not open",
		}),

		unrecognizedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "genloop_unrecognized_messages_total",
			Help: "Inbound messages that matched no known shape",
		}),

		generationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "genloop_generations_total",
			Help: "Total number of accepted generation results",
		}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genloop_state_transitions_total",
			Help: "Connection state transitions by component and target state",
		}, []string{"component", "state"}),

		protocolViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genloop_protocol_violations_total",
			Help: "Protocol or clock violations by kind",
		}, []string{"kind"}),

		roundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "genloop_heartbeat_rtt_seconds",
			Help:    "Heartbeat round trip time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		generationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "genloop_generation_latency_seconds",
			Help:    "Time from submission to result",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		generationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "genloop_generation_duration_seconds",
			Help:    "Generation time reported by the backend",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

func (p *PrometheusCollector) RecordTransition(t domain.Transition) {
	p.transitionsTotal.WithLabelValues(string(t.Component), t.To).Inc()
}

func (p *PrometheusCollector) SetChannelOpen(open bool) {
	if open {
		p.channelOpen.Set(1)
		return
	}
	p.channelOpen.Set(0)
}

func (p *PrometheusCollector) RecordHeartbeatSent() {
	p.heartbeatsSent.Inc()
}

func (p *PrometheusCollector) RecordRoundTrip(sample domain.TimingSample) {
	p.lastRTT.Set(float64(sample.RoundTripMs))
	p.lastDrift.Set(sample.EstimatedDriftMs)
	p.roundTrip.Observe(millis(sample.RoundTripMs).Seconds())
}

func (p *PrometheusCollector) RecordProtocolViolation(kind string) {
	p.protocolViolations.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) RecordUnrecognizedMessage() {
	p.unrecognizedTotal.Inc()
}

func (p *PrometheusCollector) RecordSubmission() {
	p.submissionsTotal.Inc()
}

func (p *PrometheusCollector) RecordSendRetry() {
	p.sendRetriesTotal.Inc()
}

func (p *PrometheusCollector) RecordGeneration(t domain.GenerationTiming) {
	p.generationsTotal.Inc()
	p.generationLatency.Observe(millis(t.LatencyMs).Seconds())
	p.generationDuration.Observe(millis(t.ServerDurationMs).Seconds())
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
