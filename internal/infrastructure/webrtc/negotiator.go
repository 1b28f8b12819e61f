package webrtc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genloop/internal/core/domain"
	"genloop/internal/core/ports"
	"genloop/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errNoLocalDescription = errors.New("no local description after gathering")

// offerer is the part of a peer connection the negotiator drives.
type offerer interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
}

// Negotiator runs the one-shot offer, gather, exchange, answer handshake.
type Negotiator struct {
	pc             offerer
	gatherComplete func() <-chan struct{}
	signaling      ports.SignalingExchange
	relay          domain.RelayConfig
	gatherTimeout  time.Duration
	sessionID      string
	logger         *zap.SugaredLogger
}

// NewNegotiator drives pc. A zero gatherTimeout waits for gathering to
// complete for as long as ctx allows.
func NewNegotiator(
	pc *webrtc.PeerConnection,
	signaling ports.SignalingExchange,
	relay domain.RelayConfig,
	gatherTimeout time.Duration,
	sessionID string,
	logger *zap.SugaredLogger,
) *Negotiator {
	gather := func() <-chan struct{} {
		return webrtc.GatheringCompletePromise(pc)
	}
	return newNegotiator(pc, gather, signaling, relay, gatherTimeout, sessionID, logger)
}

func newNegotiator(
	pc offerer,
	gatherComplete func() <-chan struct{},
	signaling ports.SignalingExchange,
	relay domain.RelayConfig,
	gatherTimeout time.Duration,
	sessionID string,
	logger *zap.SugaredLogger,
) *Negotiator {
	return &Negotiator{
		pc:             pc,
		gatherComplete: gatherComplete,
		signaling:      signaling,
		relay:          relay,
		gatherTimeout:  gatherTimeout,
		sessionID:      sessionID,
		logger:         logger,
	}
}

// Negotiate returns a *domain.NegotiationError naming the failed stage.
// Negotiation is never retried.
func (n *Negotiator) Negotiate(ctx context.Context) (err error) {
	ctx, span := tracing.TraceNegotiation(ctx, n.sessionID)
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()
	start := time.Now()

	n.stage(ctx, domain.StageOfferCreation)
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return domain.NewNegotiationError(domain.StageOfferCreation, err)
	}

	// The promise must exist before gathering starts.
	gatherComplete := n.gatherComplete()

	n.stage(ctx, domain.StageLocalDescription)
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return domain.NewNegotiationError(domain.StageLocalDescription, err)
	}

	n.stage(ctx, domain.StageGathering)
	if err := n.awaitGathering(ctx, gatherComplete); err != nil {
		return domain.NewNegotiationError(domain.StageGathering, err)
	}

	local := n.pc.LocalDescription()
	if local == nil {
		return domain.NewNegotiationError(domain.StageGathering, errNoLocalDescription)
	}

	n.stage(ctx, domain.StageSignalingExchange)
	answer, err := n.signaling.Exchange(ctx, domain.OfferRequest{
		SDP:        local.SDP,
		Type:       local.Type.String(),
		ICEServers: n.relay.Servers(),
	})
	if err != nil {
		return domain.NewNegotiationError(domain.StageSignalingExchange, err)
	}

	n.stage(ctx, domain.StageRemoteDescription)
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return domain.NewNegotiationError(domain.StageRemoteDescription, err)
	}

	tracing.MeasureDuration(ctx, start, "negotiate")
	n.logger.Infow("negotiation complete",
		"relay_servers", len(n.relay.Servers()),
		"duration", time.Since(start),
	)
	return nil
}

func (n *Negotiator) awaitGathering(ctx context.Context, gatherComplete <-chan struct{}) error {
	var timeout <-chan time.Time
	if n.gatherTimeout > 0 {
		timer := time.NewTimer(n.gatherTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-gatherComplete:
		return nil
	case <-timeout:
		return fmt.Errorf("ICE gathering timed out after %s", n.gatherTimeout)
	case <-ctx.Done():
		return fmt.Errorf("waiting for ICE gathering: %w", ctx.Err())
	}
}

func (n *Negotiator) stage(ctx context.Context, stage domain.NegotiationStage) {
	tracing.AddEvent(ctx, string(stage))
	n.logger.Debugw("negotiation stage", "stage", stage)
}
