package services

import (
	"context"
	"sync"
	"time"

	"genloop/internal/core/domain"
	"genloop/internal/core/ports"
	"genloop/internal/core/protocol"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const transitionBuffer = 64

// initialState is what every component reports before its first transition.
const initialState = "new"

// ChannelStateTracker is the single source of truth for whether the data
// channel can be written to. It also schedules the heartbeat while the
// channel is open.
type ChannelStateTracker struct {
	sender   ports.MessageSender
	clock    ports.Clock
	interval time.Duration
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	ready  *atomic.Bool
	opened chan struct{}
	once   sync.Once

	mu          sync.Mutex
	states      map[domain.Component]string
	timers      map[domain.Component]*ElapsedTimer
	transitions chan domain.Transition
	closed      bool

	heartbeatCancel context.CancelFunc
	heartbeatWG     sync.WaitGroup
}

func NewChannelStateTracker(
	sender ports.MessageSender,
	clock ports.Clock,
	heartbeatInterval time.Duration,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *ChannelStateTracker {
	if metrics == nil {
		metrics = ports.NopMetricsRecorder{}
	}
	t := &ChannelStateTracker{
		sender:      sender,
		clock:       clock,
		interval:    heartbeatInterval,
		metrics:     metrics,
		logger:      logger,
		ready:       atomic.NewBool(false),
		opened:      make(chan struct{}),
		states:      make(map[domain.Component]string),
		timers:      make(map[domain.Component]*ElapsedTimer),
		transitions: make(chan domain.Transition, transitionBuffer),
	}
	// Each component's first delta is measured from tracker creation.
	for _, c := range []domain.Component{
		domain.ComponentICEGathering,
		domain.ComponentICEConnection,
		domain.ComponentSignaling,
		domain.ComponentPeer,
		domain.ComponentDataChannel,
	} {
		t.timers[c] = NewElapsedTimer(clock)
	}
	return t
}

// Ready reports whether sends may be attempted.
func (t *ChannelStateTracker) Ready() bool {
	return t.ready.Load()
}

// Opened is closed the first time the channel opens.
func (t *ChannelStateTracker) Opened() <-chan struct{} {
	return t.opened
}

// Transitions streams every recorded state change. The stream is closed by
// Close. Records are dropped when no one keeps up with the buffer.
func (t *ChannelStateTracker) Transitions() <-chan domain.Transition {
	return t.transitions
}

// OnStateChange records a transition of one of the connection components.
func (t *ChannelStateTracker) OnStateChange(component domain.Component, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	from, ok := t.states[component]
	if !ok {
		from = initialState
	}
	if from == state {
		return
	}
	t.states[component] = state

	timer, ok := t.timers[component]
	if !ok {
		timer = NewElapsedTimer(t.clock)
		t.timers[component] = timer
	}
	elapsed, display := timer.Lap()

	tr := domain.Transition{
		Component: component,
		From:      from,
		To:        state,
		Elapsed:   elapsed,
		Display:   display,
	}

	t.logger.Infow("state transition",
		"component", component,
		"from", from,
		"to", state,
		"elapsed", display,
	)
	t.metrics.RecordTransition(tr)

	select {
	case t.transitions <- tr:
	default:
		t.logger.Debugw("transition stream full, dropping record", "component", component)
	}
}

// State returns the last state recorded for component.
func (t *ChannelStateTracker) State(component domain.Component) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.states[component]; ok {
		return s
	}
	return initialState
}

// OnChannelOpen marks the channel usable and starts the heartbeat.
func (t *ChannelStateTracker) OnChannelOpen() {
	t.OnStateChange(domain.ComponentDataChannel, "open")

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.ready.Store(true)
	t.metrics.SetChannelOpen(true)
	t.startHeartbeatLocked()
	t.mu.Unlock()

	t.once.Do(func() { close(t.opened) })
}

// OnChannelClose marks the channel unusable and stops the heartbeat before
// returning.
func (t *ChannelStateTracker) OnChannelClose() {
	t.ready.Store(false)
	t.metrics.SetChannelOpen(false)
	t.stopHeartbeat()

	t.OnStateChange(domain.ComponentDataChannel, "closed")
}

// Close stops the heartbeat and ends the transition stream. It is safe to
// call more than once.
func (t *ChannelStateTracker) Close() {
	t.ready.Store(false)
	t.stopHeartbeat()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.transitions)
}

func (t *ChannelStateTracker) startHeartbeatLocked() {
	if t.heartbeatCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.heartbeatCancel = cancel
	t.heartbeatWG.Add(1)
	go t.heartbeatLoop(ctx)
}

func (t *ChannelStateTracker) stopHeartbeat() {
	t.mu.Lock()
	cancel := t.heartbeatCancel
	t.heartbeatCancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.heartbeatWG.Wait()
}

func (t *ChannelStateTracker) heartbeatLoop(ctx context.Context) {
	defer t.heartbeatWG.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.ready.Load() {
				continue
			}
			msg := protocol.EncodePing(t.clock.Now().UnixMilli())
			if err := t.sender.SendText(msg); err != nil {
				t.logger.Warnw("heartbeat send failed", "error", err)
				continue
			}
			t.metrics.RecordHeartbeatSent()
		}
	}
}
