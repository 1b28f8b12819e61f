package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"genloop/internal/core/domain"
	"genloop/internal/core/ports"
	"genloop/internal/core/services"
	"genloop/pkg/logger"
	"genloop/pkg/utils"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const eventBuffer = 256

// SessionConfig holds the knobs of one peer session.
type SessionConfig struct {
	ChannelLabel      string
	GatherTimeout     time.Duration
	HeartbeatInterval time.Duration
	Pipeline          services.PipelineConfig
	// CloseGrace is how long the peer connection stays up after the data
	// channel and transceivers were closed.
	CloseGrace time.Duration
	Peer       PeerConfig
}

// SessionDeps are the collaborators a session is wired to.
type SessionDeps struct {
	Signaling ports.SignalingExchange
	Source    ports.PromptSource
	Sink      ports.DisplaySink
	Clock     ports.Clock
	Metrics   ports.MetricsRecorder
}

type eventKind int

const (
	eventStateChange eventKind = iota
	eventChannelOpen
	eventChannelClose
	eventMessage
)

// sessionEvent is what pion callbacks post to the session executor.
type sessionEvent struct {
	kind      eventKind
	component domain.Component
	state     string
	message   string
}

// PeerSession owns the peer connection, its data channel and the services
// driven by them. Pion callbacks only post events; a single goroutine
// applies them in order.
type PeerSession struct {
	id   string
	cfg  SessionConfig
	deps SessionDeps
	log  *zap.SugaredLogger

	mu       sync.Mutex
	started  bool
	stopped  bool
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	tracker  *services.ChannelStateTracker
	pipeline *services.RequestPipeline
	handler  *services.TimingProtocolHandler

	events chan sessionEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

func NewPeerSession(cfg SessionConfig, deps SessionDeps, log *zap.Logger) *PeerSession {
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetricsRecorder{}
	}
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = "chat"
	}

	id := uuid.New().String()
	ctx := logger.WithSessionID(context.Background(), id)

	return &PeerSession{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		log:    logger.NewContextLogger(log).Sugar(ctx),
		events: make(chan sessionEvent, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (s *PeerSession) ID() string {
	return s.id
}

// Done is closed once Stop has torn the session down.
func (s *PeerSession) Done() <-chan struct{} {
	return s.done
}

// Ready reports whether the data channel accepts sends.
func (s *PeerSession) Ready() bool {
	s.mu.Lock()
	tracker := s.tracker
	s.mu.Unlock()
	return tracker != nil && tracker.Ready()
}

func (s *PeerSession) PipelineState() domain.PipelineState {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return domain.PipelineIdle
	}
	return pipeline.State()
}

func (s *PeerSession) LastSample() (domain.TimingSample, bool) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return domain.TimingSample{}, false
	}
	return handler.LastSample()
}

// Transitions streams state changes. It returns nil before Start.
func (s *PeerSession) Transitions() <-chan domain.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Transitions()
}

// Start builds the peer connection and negotiates it. The request pipeline
// starts on the first data-channel open and runs until Stop. A failed
// negotiation tears everything down and returns a *domain.NegotiationError.
func (s *PeerSession) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return domain.ErrSessionActive
	}
	s.started = true

	pc, err := createPeerConnection(s.cfg.Peer)
	if err != nil {
		s.abortLocked()
		s.mu.Unlock()
		return domain.NewNegotiationError(domain.StageOfferCreation, fmt.Errorf("creating peer connection: %w", err))
	}

	ordered := true
	dc, err := pc.CreateDataChannel(s.cfg.ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		s.abortLocked()
		s.mu.Unlock()
		return domain.NewNegotiationError(domain.StageOfferCreation,
			multierr.Combine(fmt.Errorf("creating data channel: %w", err), pc.Close()))
	}

	sender := &channelSender{dc: dc, log: s.log}
	s.pc = pc
	s.dc = dc
	clock := services.NewSessionClock(s.deps.Clock)
	s.tracker = services.NewChannelStateTracker(sender, clock, s.cfg.HeartbeatInterval, s.deps.Metrics, s.log)
	s.pipeline = services.NewRequestPipeline(s.deps.Source, sender, s.tracker, clock, s.cfg.Pipeline, s.deps.Metrics, s.log)
	s.handler = services.NewTimingProtocolHandler(clock, s.pipeline, s.deps.Sink, s.deps.Metrics, s.log)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.registerHandlers(runCtx, pc, dc)

	s.wg.Add(2)
	go s.dispatch(runCtx)
	go s.runPipeline(runCtx)

	s.log.Infow("starting session",
		"channel", s.cfg.ChannelLabel,
		"relay", !s.cfg.Peer.Relay.IsEmpty(),
	)

	negotiator := NewNegotiator(pc, s.deps.Signaling, s.cfg.Peer.Relay, s.cfg.GatherTimeout, s.id, s.log)
	if err := negotiator.Negotiate(ctx); err != nil {
		s.log.Errorw("negotiation failed", "error", err)
		if stopErr := s.Stop(); stopErr != nil {
			s.log.Warnw("teardown after failed negotiation", "error", stopErr)
		}
		return err
	}
	return nil
}

// Stop cancels the pipeline and heartbeat, then closes the data channel,
// the transceivers and finally the peer connection. Calling it again is a
// no-op.
func (s *PeerSession) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return domain.ErrSessionNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pc, dc, tracker, cancel := s.pc, s.dc, s.tracker, s.cancel
	s.mu.Unlock()

	s.log.Infow("stopping session")

	// Timers go first so nothing fires against a dying channel.
	tracker.OnChannelClose()
	cancel()
	s.wg.Wait()

	err := dc.Close()
	for _, tr := range pc.GetTransceivers() {
		err = multierr.Append(err, tr.Stop())
	}
	if s.cfg.CloseGrace > 0 {
		time.Sleep(s.cfg.CloseGrace)
	}
	err = multierr.Append(err, pc.Close())

	tracker.Close()
	close(s.done)
	return err
}

// abortLocked marks a session that never got a peer connection as stopped.
func (s *PeerSession) abortLocked() {
	s.stopped = true
	close(s.done)
}

func (s *PeerSession) registerHandlers(ctx context.Context, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) {
	state := func(c domain.Component, st string) {
		s.post(ctx, sessionEvent{kind: eventStateChange, component: c, state: st})
	}

	pc.OnICEGatheringStateChange(func(st webrtc.ICEGathererState) {
		state(domain.ComponentICEGathering, st.String())
	})
	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		state(domain.ComponentICEConnection, st.String())
	})
	pc.OnSignalingStateChange(func(st webrtc.SignalingState) {
		state(domain.ComponentSignaling, st.String())
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		state(domain.ComponentPeer, st.String())
	})

	dc.OnOpen(func() {
		s.post(ctx, sessionEvent{kind: eventChannelOpen})
	})
	dc.OnClose(func() {
		s.post(ctx, sessionEvent{kind: eventChannelClose})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			s.log.Warnw("dropping binary message", "bytes", len(msg.Data), "error", domain.ErrUnrecognizedMessage)
			s.deps.Metrics.RecordUnrecognizedMessage()
			return
		}
		s.post(ctx, sessionEvent{kind: eventMessage, message: string(msg.Data)})
	})
}

// post hands ev to the executor. Events arriving after Stop are dropped.
func (s *PeerSession) post(ctx context.Context, ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *PeerSession) dispatch(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.apply(ev)
		}
	}
}

func (s *PeerSession) apply(ev sessionEvent) {
	switch ev.kind {
	case eventStateChange:
		s.tracker.OnStateChange(ev.component, ev.state)
		if ev.component == domain.ComponentPeer && ev.state == webrtc.PeerConnectionStateFailed.String() {
			s.log.Errorw("peer connection failed", "error", domain.ErrConnectivityLost)
		}
	case eventChannelOpen:
		s.tracker.OnChannelOpen()
	case eventChannelClose:
		s.tracker.OnChannelClose()
		s.pipeline.Reset()
	case eventMessage:
		s.handler.OnMessage(ev.message)
	}
}

// runPipeline waits for the first open, then runs the pipeline until ctx ends.
func (s *PeerSession) runPipeline(ctx context.Context) {
	defer s.wg.Done()
	select {
	case <-ctx.Done():
		return
	case <-s.tracker.Opened():
	}

	if err := s.pipeline.Run(ctx); err != nil {
		s.log.Errorw("pipeline stopped", "error", err)
	}
}

// channelSender writes text to the data channel and logs it at debug.
type channelSender struct {
	dc  *webrtc.DataChannel
	log *zap.SugaredLogger
}

func (c *channelSender) SendText(message string) error {
	c.log.Debugf("> %s", utils.Abbreviate(message, 120))
	return c.dc.SendText(message)
}
