package services

import (
	"context"
	"testing"
	"time"

	"genloop/internal/core/domain"
	"genloop/internal/core/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var catPrompt = domain.PromptCandidate{Text: "cat", Seed: "1", Height: 512, Width: 512}

type pipelineHarness struct {
	pipeline  *RequestPipeline
	source    *fakeSource
	sender    *fakeSender
	readiness *fakeReadiness
	clock     *manualClock
	metrics   *recordingMetrics

	cancel context.CancelFunc
	done   chan error
}

func newPipelineHarness(t *testing.T, retryInterval time.Duration) *pipelineHarness {
	t.Helper()

	h := &pipelineHarness{
		source:    &fakeSource{},
		readiness: &fakeReadiness{},
		clock:     newManualClock(1_000),
		metrics:   &recordingMetrics{},
		done:      make(chan error, 1),
	}
	h.sender = &fakeSender{readiness: h.readiness}
	h.pipeline = NewRequestPipeline(
		h.source,
		h.sender,
		h.readiness,
		h.clock,
		PipelineConfig{PollInterval: time.Millisecond, RetryInterval: retryInterval},
		h.metrics,
		zaptest.NewLogger(t).Sugar(),
	)
	return h
}

func (h *pipelineHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.pipeline.Run(ctx) }()
	t.Cleanup(h.stop)
}

func (h *pipelineHarness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *pipelineHarness) requests(t *testing.T) []domain.PromptRequest {
	t.Helper()
	var out []domain.PromptRequest
	for _, m := range h.sender.Messages() {
		env, err := protocol.Decode(m.text)
		require.NoError(t, err)
		require.Equal(t, protocol.KindRequest, env.Kind)
		out = append(out, *env.Request)
	}
	return out
}

func (h *pipelineHarness) waitForState(t *testing.T, s domain.PipelineState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.pipeline.State() == s },
		time.Second, time.Millisecond, "pipeline never reached %s", s)
}

func TestRequestPipeline_SendsOnceAndDedupsUnchangedPrompt(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.readiness.Set(true)
	h.source.Set(catPrompt)
	h.start(t)

	h.waitForState(t, domain.PipelineWaitingForResult)
	reqs := h.requests(t)
	require.Len(t, reqs, 1)
	assert.Equal(t, catPrompt, reqs[0].Candidate())
	assert.Equal(t, domain.SubmissionID(1_000), reqs[0].SubmissionID)

	assert.True(t, h.pipeline.Complete(domain.GenerationResult{SubmissionID: reqs[0].SubmissionID}))
	h.waitForState(t, domain.PipelineAwaitingPrompt)

	// The source keeps yielding the same prompt; it must not be sent again.
	polls := h.source.Polls()
	require.Eventually(t, func() bool { return h.source.Polls() > polls+20 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.sender.Count())

	// A structurally different prompt is a new submission.
	h.clock.Set(2_000)
	h.source.Set(domain.PromptCandidate{Text: "cat", Seed: "2", Height: 512, Width: 512})
	require.Eventually(t, func() bool { return h.sender.Count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, domain.SubmissionID(2_000), h.requests(t)[1].SubmissionID)
}

func TestRequestPipeline_AtMostOneInFlight(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.readiness.Set(true)
	h.source.Set(catPrompt)
	h.start(t)

	h.waitForState(t, domain.PipelineWaitingForResult)
	first := h.requests(t)[0]

	// Prompt changes while waiting: ignored until the result arrives.
	h.clock.Set(1_500)
	h.source.Set(domain.PromptCandidate{Text: "dog", Seed: "1", Height: 512, Width: 512})
	polls := h.source.Polls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, polls, h.source.Polls(), "source must not be polled while a request is in flight")
	assert.Equal(t, 1, h.sender.Count())

	id, ok := h.pipeline.InFlight()
	require.True(t, ok)
	assert.Equal(t, first.SubmissionID, id)

	require.True(t, h.pipeline.Complete(domain.GenerationResult{SubmissionID: first.SubmissionID}))
	require.Eventually(t, func() bool { return h.sender.Count() == 2 }, time.Second, time.Millisecond)

	reqs := h.requests(t)
	assert.Equal(t, "dog", reqs[1].Text)
	assert.NotEqual(t, reqs[0].SubmissionID, reqs[1].SubmissionID)
}

func TestRequestPipeline_RetriesUntilChannelOpens(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.source.Set(catPrompt)
	h.start(t)

	h.waitForState(t, domain.PipelineSending)
	require.Eventually(t, func() bool { return h.metrics.Retries() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.sender.Count(), "nothing may be sent before the channel opens")

	h.readiness.Set(true)
	h.waitForState(t, domain.PipelineWaitingForResult)

	time.Sleep(30 * time.Millisecond)
	msgs := h.sender.Messages()
	require.Len(t, msgs, 1, "exactly one send once the channel is open")
	assert.True(t, msgs[0].ready)
}

func TestRequestPipeline_RefusesStaleResults(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.readiness.Set(true)
	h.source.Set(catPrompt)
	h.start(t)

	h.waitForState(t, domain.PipelineWaitingForResult)
	id, _ := h.pipeline.InFlight()

	assert.False(t, h.pipeline.Complete(domain.GenerationResult{SubmissionID: id - 1}))
	assert.False(t, h.pipeline.Complete(domain.GenerationResult{SubmissionID: 0}))
	assert.Equal(t, domain.PipelineWaitingForResult, h.pipeline.State())

	assert.True(t, h.pipeline.Complete(domain.GenerationResult{SubmissionID: id}))
	// A second result for the same id is not accepted.
	assert.False(t, h.pipeline.Complete(domain.GenerationResult{SubmissionID: id}))
}

func TestRequestPipeline_ResetAbandonsWithoutResending(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.readiness.Set(true)
	h.source.Set(catPrompt)
	h.start(t)

	h.waitForState(t, domain.PipelineWaitingForResult)

	h.readiness.Set(false)
	h.pipeline.Reset()
	h.waitForState(t, domain.PipelineAwaitingPrompt)

	_, inFlight := h.pipeline.InFlight()
	assert.False(t, inFlight)

	h.readiness.Set(true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, h.sender.Count(), "the abandoned prompt is not resent")
}

func TestRequestPipeline_ResetWhileSendingKeepsSubmission(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.source.Set(catPrompt)
	h.start(t)

	h.waitForState(t, domain.PipelineSending)
	h.pipeline.Reset()
	h.readiness.Set(true)

	h.waitForState(t, domain.PipelineWaitingForResult)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.PipelineWaitingForResult, h.pipeline.State())
	assert.Equal(t, 1, h.sender.Count())
}

func TestRequestPipeline_SkipsInvalidPrompts(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.readiness.Set(true)
	h.source.Set(domain.PromptCandidate{Text: "cat", Seed: "1", Height: 0, Width: 512})
	h.start(t)

	polls := h.source.Polls()
	require.Eventually(t, func() bool { return h.source.Polls() > polls+10 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.sender.Count())
	assert.Equal(t, domain.PipelineAwaitingPrompt, h.pipeline.State())

	h.source.Set(catPrompt)
	require.Eventually(t, func() bool { return h.sender.Count() == 1 }, time.Second, time.Millisecond)
}

func TestRequestPipeline_FreeFormSeedAndUnalignedSize(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.readiness.Set(true)
	odd := domain.PromptCandidate{Text: "cat", Seed: "abc", Height: 500, Width: 500}
	h.source.Set(odd)
	h.start(t)

	h.waitForState(t, domain.PipelineWaitingForResult)
	reqs := h.requests(t)
	require.Len(t, reqs, 1)
	assert.Equal(t, odd, reqs[0].Candidate())

	require.True(t, h.pipeline.Complete(domain.GenerationResult{SubmissionID: reqs[0].SubmissionID}))
	h.waitForState(t, domain.PipelineAwaitingPrompt)

	polls := h.source.Polls()
	require.Eventually(t, func() bool { return h.source.Polls() > polls+20 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.sender.Count())
}

func TestRequestPipeline_EmptyPromptIsNotSubmitted(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.readiness.Set(true)
	h.source.Set(domain.PromptCandidate{Text: "   ", Height: 512, Width: 512})
	h.start(t)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.sender.Count())
}

func TestRequestPipeline_UniqueIDsOnCoarseClock(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.readiness.Set(true)
	h.source.Set(catPrompt)
	h.start(t)

	h.waitForState(t, domain.PipelineWaitingForResult)
	first, _ := h.pipeline.InFlight()
	require.True(t, h.pipeline.Complete(domain.GenerationResult{SubmissionID: first}))

	// Clock did not move; the next id must still differ.
	h.source.Set(domain.PromptCandidate{Text: "dog", Seed: "1", Height: 512, Width: 512})
	require.Eventually(t, func() bool { return h.sender.Count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, first+1, h.requests(t)[1].SubmissionID)
}

func TestRequestPipeline_RunTwice(t *testing.T) {
	h := newPipelineHarness(t, 5*time.Millisecond)
	h.start(t)

	require.Eventually(t, func() bool { return h.pipeline.State() == domain.PipelineAwaitingPrompt },
		time.Second, time.Millisecond)
	assert.ErrorIs(t, h.pipeline.Run(context.Background()), ErrPipelineRunning)
}

func TestRequestPipeline_StopReturnsToIdle(t *testing.T) {
	h := newPipelineHarness(t, time.Hour)
	h.source.Set(catPrompt)
	h.start(t)

	h.waitForState(t, domain.PipelineSending)
	h.stop()

	assert.Equal(t, domain.PipelineIdle, h.pipeline.State())
	assert.Equal(t, 0, h.sender.Count())
}
