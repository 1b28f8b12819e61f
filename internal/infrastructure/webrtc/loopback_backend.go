package webrtc

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"sync"
	"time"

	"genloop/internal/core/domain"
	"genloop/internal/core/ports"
	"genloop/internal/core/protocol"
	apperrors "genloop/pkg/errors"
	"genloop/pkg/utils"
	"genloop/pkg/validation"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const pendingGenerations = 8

// BackendConfig controls the loopback generation backend.
type BackendConfig struct {
	GenerationDelay time.Duration
	// IdleTimeout closes a peer that has not pinged for this long. Zero
	// disables the watchdog.
	IdleTimeout time.Duration
	Peer        PeerConfig
}

// LoopbackBackend answers offers with its own pion peer and plays the
// generation side of the data-channel protocol: pings get pongs, prompts
// get a placeholder artifact after GenerationDelay.
type LoopbackBackend struct {
	cfg   BackendConfig
	clock ports.Clock
	log   *zap.SugaredLogger

	mu     sync.Mutex
	peers  map[string]*backendPeer
	closed bool
	wg     sync.WaitGroup
}

type backendPeer struct {
	id       string
	pc       *webrtc.PeerConnection
	requests chan domain.PromptRequest
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	watchdog  *time.Timer
	closeOnce sync.Once
}

func NewLoopbackBackend(cfg BackendConfig, clock ports.Clock, logger *zap.Logger) *LoopbackBackend {
	if clock == nil {
		clock = utils.SystemClock
	}
	return &LoopbackBackend{
		cfg:   cfg,
		clock: clock,
		log:   logger.Sugar().With("component", "loopback_backend"),
		peers: make(map[string]*backendPeer),
	}
}

// Exchange lets the backend stand in for a signaling server in-process.
func (b *LoopbackBackend) Exchange(ctx context.Context, offer domain.OfferRequest) (webrtc.SessionDescription, error) {
	return b.Answer(ctx, offer)
}

// Answer accepts a remote offer and returns the local answer once ICE
// gathering is complete.
func (b *LoopbackBackend) Answer(ctx context.Context, offer domain.OfferRequest) (webrtc.SessionDescription, error) {
	if err := validation.ValidateSessionDescription(offer.SDP, offer.Type); err != nil {
		return webrtc.SessionDescription{}, apperrors.NewInvalidInputError(err.Error())
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return webrtc.SessionDescription{}, apperrors.NewServiceUnavailableError("backend is shutting down")
	}
	b.mu.Unlock()

	pc, err := createPeerConnection(b.cfg.Peer)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating peer connection: %w", err)
	}

	peerCtx, cancel := context.WithCancel(context.Background())
	p := &backendPeer{
		id:       uuid.New().String(),
		pc:       pc,
		requests: make(chan domain.PromptRequest, pendingGenerations),
		ctx:      peerCtx,
		cancel:   cancel,
	}
	b.setupPeer(p)

	answer, err := b.answer(ctx, pc, offer)
	if err != nil {
		b.closePeer(p, "answer failed")
		return webrtc.SessionDescription{}, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.closePeer(p, "backend closed")
		return webrtc.SessionDescription{}, apperrors.NewServiceUnavailableError("backend is shutting down")
	}
	b.peers[p.id] = p
	b.mu.Unlock()

	b.log.Infow("peer created", "peer_id", p.id)
	return answer, nil
}

func (b *LoopbackBackend) answer(ctx context.Context, pc *webrtc.PeerConnection, offer domain.OfferRequest) (webrtc.SessionDescription, error) {
	remote := webrtc.SessionDescription{Type: webrtc.NewSDPType(offer.Type), SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, apperrors.NewInvalidInputError(fmt.Sprintf("setting remote description: %v", err))
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("waiting for ICE gathering: %w", ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errNoLocalDescription
	}
	return *local, nil
}

func (b *LoopbackBackend) setupPeer(p *backendPeer) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		b.log.Infow("peer connection state", "peer_id", p.id, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			b.closeAsync(p, "connection failed")
		}
	})

	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		b.log.Infow("data channel", "peer_id", p.id, "label", dc.Label())

		dc.OnOpen(func() {
			if b.spawn(p, func() { b.generate(p, dc) }) {
				b.armWatchdog(p)
			}
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if msg.IsString {
				b.handleMessage(p, dc, string(msg.Data))
			}
		})
	})
}

func (b *LoopbackBackend) handleMessage(p *backendPeer, dc *webrtc.DataChannel, raw string) {
	env, err := protocol.Decode(raw)
	if err != nil {
		b.log.Warnw("dropping message", "peer_id", p.id, "error", err)
		return
	}

	switch env.Kind {
	case protocol.KindPing:
		b.armWatchdog(p)
		pong := protocol.EncodePong(env.Ping.SentAt, b.clock.Now().UnixMilli())
		if err := dc.SendText(pong); err != nil {
			b.log.Warnw("pong send failed", "peer_id", p.id, "error", err)
		}
	case protocol.KindRequest:
		select {
		case p.requests <- *env.Request:
		default:
			b.log.Warnw("generation queue full, dropping prompt",
				"peer_id", p.id,
				"submission_id", env.Request.SubmissionID,
			)
		}
	default:
		b.log.Warnw("unexpected message", "peer_id", p.id, "kind", env.Kind)
	}
}

// generate runs prompts one at a time, in arrival order.
func (b *LoopbackBackend) generate(p *backendPeer, dc *webrtc.DataChannel) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case req := <-p.requests:
			start := b.clock.Now().UnixMilli()
			if b.cfg.GenerationDelay > 0 {
				timer := time.NewTimer(b.cfg.GenerationDelay)
				select {
				case <-p.ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			end := b.clock.Now().UnixMilli()

			msg, err := protocol.EncodeResult(domain.GenerationResult{
				SubmissionID:               req.SubmissionID,
				ServerStartTime:            start,
				ServerEndTime:              end,
				ServerGenerationDurationMs: end - start,
				ArtifactPayload:            placeholderArtifact(req),
			})
			if err != nil {
				b.log.Errorw("failed to encode result", "peer_id", p.id, "error", err)
				continue
			}
			if err := dc.SendText(msg); err != nil {
				b.log.Warnw("result send failed", "peer_id", p.id, "error", err)
				continue
			}
			b.log.Infow("generation done",
				"peer_id", p.id,
				"submission_id", req.SubmissionID,
				"gen_time_ms", end-start,
			)
		}
	}
}

func (b *LoopbackBackend) armWatchdog(p *backendPeer) {
	if b.cfg.IdleTimeout <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	if p.watchdog == nil {
		p.watchdog = time.AfterFunc(b.cfg.IdleTimeout, func() {
			b.closePeer(p, "no heartbeat")
		})
		return
	}
	p.watchdog.Reset(b.cfg.IdleTimeout)
}

func (b *LoopbackBackend) closeAsync(p *backendPeer, reason string) {
	b.spawn(p, func() { b.closePeer(p, reason) })
}

// spawn runs fn on a tracked goroutine unless the peer or the backend is
// already closed. The check and wg.Add share b.mu with Close.
func (b *LoopbackBackend) spawn(p *backendPeer, fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || p.ctx.Err() != nil {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

func (b *LoopbackBackend) closePeer(p *backendPeer, reason string) {
	b.mu.Lock()
	delete(b.peers, p.id)
	b.mu.Unlock()

	p.closeOnce.Do(func() {
		p.cancel()

		p.mu.Lock()
		if p.watchdog != nil {
			p.watchdog.Stop()
		}
		p.mu.Unlock()

		if err := p.pc.Close(); err != nil {
			b.log.Warnw("closing peer", "peer_id", p.id, "error", err)
		}
		b.log.Infow("peer closed", "peer_id", p.id, "reason", reason)
	})
}

// ActivePeers returns the number of peers that have not been closed.
func (b *LoopbackBackend) ActivePeers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Close shuts every peer down and waits for their workers.
func (b *LoopbackBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	peers := make([]*backendPeer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		b.closePeer(p, "backend closed")
	}
	b.wg.Wait()
	return nil
}

// placeholderArtifact renders the prompt into an SVG data URI. Sizes are
// snapped to what a generator would accept.
func placeholderArtifact(req domain.PromptRequest) string {
	svg := fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`+
			`<rect width="100%%" height="100%%" fill="#222"/>`+
			`<text x="50%%" y="50%%" fill="#eee" text-anchor="middle">%s (seed %s)</text></svg>`,
		validation.SnapDimension(req.Width), validation.SnapDimension(req.Height), html.EscapeString(req.Text), html.EscapeString(req.Seed),
	)
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}
