package ports

import (
	"context"
	"time"

	"genloop/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// PromptSource is polled by the request pipeline. It reports false until a
// user has provided a non-empty prompt.
type PromptSource interface {
	Poll() (domain.PromptCandidate, bool)
}

// SignalingExchange trades the local offer for the backend's answer.
type SignalingExchange interface {
	Exchange(ctx context.Context, offer domain.OfferRequest) (webrtc.SessionDescription, error)
}

// DisplaySink receives artifacts. Fire and forget.
type DisplaySink interface {
	Present(artifactPayload string)
}

// MessageSender writes one text message to the data channel.
type MessageSender interface {
	SendText(message string) error
}

type Clock interface {
	Now() time.Time
}

// OfferAnswerer is the backend side of signaling: it turns a remote offer
// into a local answer.
type OfferAnswerer interface {
	Answer(ctx context.Context, offer domain.OfferRequest) (webrtc.SessionDescription, error)
}
