package services

import (
	"fmt"
	"sync"

	"genloop/internal/core/domain"
	"genloop/internal/core/ports"
	"genloop/internal/core/protocol"
	"genloop/pkg/utils"

	"go.uber.org/zap"
)

// ResultCompleter is the part of the pipeline the handler releases.
type ResultCompleter interface {
	Complete(result domain.GenerationResult) bool
}

// TimingProtocolHandler consumes inbound data-channel messages: heartbeat
// replies feed the round-trip and drift estimate, results release the
// pipeline.
type TimingProtocolHandler struct {
	clock     ports.Clock
	pipeline  ResultCompleter
	sink      ports.DisplaySink
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	stopwatch Stopwatch

	mu         sync.Mutex
	lastSample domain.TimingSample
	hasSample  bool
}

func NewTimingProtocolHandler(
	clock ports.Clock,
	pipeline ResultCompleter,
	sink ports.DisplaySink,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *TimingProtocolHandler {
	if metrics == nil {
		metrics = ports.NopMetricsRecorder{}
	}
	return &TimingProtocolHandler{
		clock:    clock,
		pipeline: pipeline,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
	}
}

// OnMessage handles raw and logs whatever went wrong. Nothing here is fatal.
func (h *TimingProtocolHandler) OnMessage(raw string) {
	if err := h.HandleMessage(raw); err != nil {
		h.logger.Warnw("dropping inbound message", "error", err)
	}
}

// HandleMessage decodes raw once and dispatches on its kind.
func (h *TimingProtocolHandler) HandleMessage(raw string) error {
	h.logger.Debugf("< %s", utils.Abbreviate(raw, 120))

	env, err := protocol.Decode(raw)
	if err != nil {
		h.metrics.RecordUnrecognizedMessage()
		return err
	}

	switch env.Kind {
	case protocol.KindPong:
		return h.handlePong(*env.Pong)
	case protocol.KindResult:
		h.handleResult(*env.Result)
		return nil
	default:
		h.metrics.RecordUnrecognizedMessage()
		return &domain.MessageParseError{
			Raw: raw,
			Err: fmt.Errorf("%w: unexpected %s from backend", domain.ErrUnrecognizedMessage, env.Kind),
		}
	}
}

// LastSample returns the most recent heartbeat estimate.
func (h *TimingProtocolHandler) LastSample() (domain.TimingSample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSample, h.hasSample
}

func (h *TimingProtocolHandler) handlePong(pong protocol.Pong) error {
	now := h.clock.Now().UnixMilli()

	rtt := now - pong.Echoed
	if rtt < 0 {
		h.metrics.RecordProtocolViolation("negative_rtt")
		return fmt.Errorf("%w: echoed %d is after local %d", domain.ErrNegativeRoundTrip, pong.Echoed, now)
	}

	// Assumes symmetric one-way latency; the result is diagnostic only.
	estimatedServerNow := float64(pong.ServerAt) + float64(rtt)/2
	sample := domain.TimingSample{
		SentAt:           pong.Echoed,
		ServerReportedAt: pong.ServerAt,
		RoundTripMs:      rtt,
		EstimatedDriftMs: float64(now) - estimatedServerNow,
	}

	h.mu.Lock()
	h.lastSample = sample
	h.hasSample = true
	h.mu.Unlock()

	h.metrics.RecordRoundTrip(sample)
	h.logger.Infow("heartbeat",
		"rtt_ms", sample.RoundTripMs,
		"drift_ms", sample.EstimatedDriftMs,
	)
	return nil
}

func (h *TimingProtocolHandler) handleResult(res domain.GenerationResult) {
	now := h.clock.Now().UnixMilli()

	timing := domain.GenerationTiming{
		SubmissionID:       res.SubmissionID,
		LatencyMs:          now - int64(res.SubmissionID),
		ServerDurationMs:   res.ServerGenerationDurationMs,
		ServerStartElapsed: utils.FormatElapsed(h.stopwatch.Mark(res.ServerStartTime)),
		ServerEndElapsed:   utils.FormatElapsed(h.stopwatch.Mark(res.ServerEndTime)),
	}

	h.sink.Present(res.ArtifactPayload)

	if !h.pipeline.Complete(res) {
		return
	}

	h.metrics.RecordGeneration(timing)
	h.logger.Infow("generation result",
		"submission_id", timing.SubmissionID,
		"latency_ms", timing.LatencyMs,
		"gen_time_ms", timing.ServerDurationMs,
		"server_start", timing.ServerStartElapsed,
		"server_end", timing.ServerEndElapsed,
		"payload_bytes", len(res.ArtifactPayload),
	)
}
