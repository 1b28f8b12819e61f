package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"genloop/internal/core/ports"
	"genloop/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	MessageTypeOffer  = "offer"
	MessageTypeAnswer = "answer"
	MessageTypeError  = "error"
)

// SignalMessage is the WebSocket envelope. Payload carries an
// OfferRequest, an AnswerPayload or an ErrorPayload depending on Type.
type SignalMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AnswerPayload is the remote description returned for an offer.
type AnswerPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewAnswerPayload converts a pion description to its wire form.
func NewAnswerPayload(desc webrtc.SessionDescription) AnswerPayload {
	return AnswerPayload{SDP: desc.SDP, Type: desc.Type.String()}
}

// SessionDescription validates the payload and converts it back.
func (a AnswerPayload) SessionDescription() (webrtc.SessionDescription, error) {
	if err := validation.ValidateSessionDescription(a.SDP, a.Type); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid answer: %w", err)
	}
	if a.Type != MessageTypeAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid answer: got type %q", a.Type)
	}
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(a.Type), SDP: a.SDP}, nil
}

// NewExchange picks the signaling transport by name.
func NewExchange(transport, url string, timeout time.Duration, logger *zap.SugaredLogger) (ports.SignalingExchange, error) {
	switch transport {
	case "http", "":
		return NewHTTPExchange(url, timeout, logger), nil
	case "websocket":
		return NewWebSocketExchange(url, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown signaling transport %q", transport)
	}
}
