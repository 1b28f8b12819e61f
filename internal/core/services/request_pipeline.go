package services

import (
	"context"
	"errors"
	"time"

	"genloop/internal/core/domain"
	"genloop/internal/core/ports"
	"genloop/internal/core/protocol"
	"genloop/pkg/retry"
	"genloop/pkg/tracing"
	"genloop/pkg/validation"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrPipelineRunning = errors.New("pipeline already running")

// Readiness tells the pipeline whether the channel accepts sends.
type Readiness interface {
	Ready() bool
}

type PipelineConfig struct {
	PollInterval  time.Duration
	RetryInterval time.Duration
}

// RequestPipeline submits one prompt at a time and waits for its result
// before looking at the prompt source again.
type RequestPipeline struct {
	source    ports.PromptSource
	sender    ports.MessageSender
	readiness Readiness
	clock     ports.Clock
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	cfg       PipelineConfig

	state    *atomic.Int32
	inflight *atomic.Int64 // submission id awaiting a result, 0 when none
	epoch    *atomic.Int64 // bumped by Reset
	running  *atomic.Bool

	results chan domain.GenerationResult
	resets  chan struct{}

	// Owned by the Run goroutine.
	lastSubmitted *domain.PromptCandidate
	lastRejected  *domain.PromptCandidate
	lastID        domain.SubmissionID
}

func NewRequestPipeline(
	source ports.PromptSource,
	sender ports.MessageSender,
	readiness Readiness,
	clock ports.Clock,
	cfg PipelineConfig,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *RequestPipeline {
	if metrics == nil {
		metrics = ports.NopMetricsRecorder{}
	}
	return &RequestPipeline{
		source:    source,
		sender:    sender,
		readiness: readiness,
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		state:     atomic.NewInt32(int32(domain.PipelineIdle)),
		inflight:  atomic.NewInt64(0),
		epoch:     atomic.NewInt64(0),
		running:   atomic.NewBool(false),
		results:   make(chan domain.GenerationResult, 1),
		resets:    make(chan struct{}, 1),
	}
}

func (p *RequestPipeline) State() domain.PipelineState {
	return domain.PipelineState(p.state.Load())
}

// InFlight returns the submission id awaiting a result.
func (p *RequestPipeline) InFlight() (domain.SubmissionID, bool) {
	id := p.inflight.Load()
	return domain.SubmissionID(id), id != 0
}

// Run drives the poll, send, wait cycle until ctx is done.
func (p *RequestPipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrPipelineRunning
	}
	defer p.running.Store(false)
	defer p.setState(domain.PipelineIdle)

	for {
		candidate, ok := p.awaitPrompt(ctx)
		if !ok {
			return nil
		}
		if !p.submit(ctx, candidate) {
			return nil
		}
	}
}

// Complete hands the result for the in-flight submission to the pipeline.
// Results for any other id are refused.
func (p *RequestPipeline) Complete(result domain.GenerationResult) bool {
	if result.SubmissionID == 0 || !p.inflight.CompareAndSwap(int64(result.SubmissionID), 0) {
		p.logger.Warnw("result does not match in-flight submission",
			"submission_id", result.SubmissionID,
			"state", p.State(),
		)
		return false
	}

	select {
	case p.results <- result:
	default:
	}
	return true
}

// Reset abandons a submission whose channel went away. The last submitted
// prompt is kept, so the same prompt is not sent again.
func (p *RequestPipeline) Reset() {
	p.epoch.Inc()
	select {
	case p.resets <- struct{}{}:
	default:
	}
}

func (p *RequestPipeline) awaitPrompt(ctx context.Context) (domain.PromptCandidate, bool) {
	p.setState(domain.PipelineAwaitingPrompt)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if candidate, ok := p.poll(); ok {
			return candidate, true
		}

		select {
		case <-ctx.Done():
			return domain.PromptCandidate{}, false
		case <-ticker.C:
		}
	}
}

func (p *RequestPipeline) poll() (domain.PromptCandidate, bool) {
	candidate, ok := p.source.Poll()
	if !ok || candidate.IsEmpty() {
		return domain.PromptCandidate{}, false
	}
	if p.lastSubmitted != nil && candidate == *p.lastSubmitted {
		return domain.PromptCandidate{}, false
	}

	if err := validation.ValidateSubmission(candidate.Text, candidate.Height, candidate.Width); err != nil {
		if p.lastRejected == nil || candidate != *p.lastRejected {
			p.logger.Warnw("skipping invalid prompt", "error", err, "prompt", candidate.Text)
			p.lastRejected = &candidate
		}
		return domain.PromptCandidate{}, false
	}
	return candidate, true
}

// submit sends candidate once and waits for its result. It reports false
// when ctx ended the cycle.
func (p *RequestPipeline) submit(ctx context.Context, candidate domain.PromptCandidate) bool {
	id := p.nextID()
	req := domain.NewPromptRequest(candidate, id)

	msg, err := protocol.EncodeRequest(req)
	if err != nil {
		p.logger.Errorw("failed to encode request", "error", err, "submission_id", id)
		p.lastSubmitted = &candidate
		return true
	}

	spanCtx, span := tracing.TraceSubmission(ctx, int64(id))
	defer span.End()

	p.setState(domain.PipelineSending)
	p.inflight.Store(int64(id))

	var sentEpoch int64
	cfg := retry.Constant(p.cfg.RetryInterval)
	cfg.OnRetry = func(attempt int, err error) {
		p.metrics.RecordSendRetry()
		p.logger.Infow("channel not open, retrying",
			"submission_id", id,
			"attempt", attempt,
			"error", err,
		)
	}

	err = retry.Retry(ctx, cfg, func() error {
		if !p.readiness.Ready() {
			return domain.ErrChannelNotOpen
		}
		sentEpoch = p.epoch.Load()
		return p.sender.SendText(msg)
	})
	if err != nil {
		p.inflight.Store(0)
		return false
	}

	p.lastSubmitted = &candidate
	p.setState(domain.PipelineWaitingForResult)
	p.metrics.RecordSubmission()
	tracing.AddEvent(spanCtx, "sent")
	p.logger.Infow("prompt submitted",
		"submission_id", id,
		"prompt", candidate.Text,
		"seed", candidate.Seed,
		"height", candidate.Height,
		"width", candidate.Width,
	)

	return p.awaitResult(ctx, spanCtx, id, sentEpoch)
}

func (p *RequestPipeline) awaitResult(ctx, spanCtx context.Context, id domain.SubmissionID, sentEpoch int64) bool {
	for {
		select {
		case <-ctx.Done():
			p.inflight.Store(0)
			return false

		case res := <-p.results:
			if res.SubmissionID != id {
				continue
			}
			tracing.AddSpanAttributes(spanCtx,
				attribute.Int64("server_duration_ms", res.ServerGenerationDurationMs),
			)
			return true

		case <-p.resets:
			if p.epoch.Load() == sentEpoch {
				// Reset happened before this submission went out.
				continue
			}
			p.inflight.Store(0)
			p.drainResults()
			tracing.RecordError(spanCtx, domain.ErrConnectivityLost)
			p.logger.Warnw("abandoning submission, channel closed",
				"submission_id", id,
				"error", domain.ErrConnectivityLost,
			)
			return true
		}
	}
}

func (p *RequestPipeline) drainResults() {
	for {
		select {
		case <-p.results:
		default:
			return
		}
	}
}

// nextID stamps a submission with the local time in milliseconds, bumped
// when needed so ids stay unique.
func (p *RequestPipeline) nextID() domain.SubmissionID {
	id := domain.SubmissionID(p.clock.Now().UnixMilli())
	if id <= p.lastID {
		id = p.lastID + 1
	}
	p.lastID = id
	return id
}

func (p *RequestPipeline) setState(s domain.PipelineState) {
	prev := domain.PipelineState(p.state.Swap(int32(s)))
	if prev != s {
		p.logger.Debugw("pipeline state", "from", prev, "to", s)
	}
}
