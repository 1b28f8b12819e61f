package ports

import "genloop/internal/core/domain"

// MetricsRecorder receives observability data from the core services.
// None of it feeds back into a correctness decision.
type MetricsRecorder interface {
	RecordTransition(t domain.Transition)
	SetChannelOpen(open bool)
	RecordHeartbeatSent()
	RecordRoundTrip(sample domain.TimingSample)
	RecordProtocolViolation(kind string)
	RecordUnrecognizedMessage()
	RecordSubmission()
	RecordSendRetry()
	RecordGeneration(timing domain.GenerationTiming)
}

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) RecordTransition(domain.Transition)       {}
func (NopMetricsRecorder) SetChannelOpen(bool)                      {}
func (NopMetricsRecorder) RecordHeartbeatSent()                     {}
func (NopMetricsRecorder) RecordRoundTrip(domain.TimingSample)      {}
func (NopMetricsRecorder) RecordProtocolViolation(string)           {}
func (NopMetricsRecorder) RecordUnrecognizedMessage()               {}
func (NopMetricsRecorder) RecordSubmission()                        {}
func (NopMetricsRecorder) RecordSendRetry()                         {}
func (NopMetricsRecorder) RecordGeneration(domain.GenerationTiming) {}
