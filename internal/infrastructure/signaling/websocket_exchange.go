package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"genloop/internal/core/domain"
	apperrors "genloop/pkg/errors"
	"genloop/pkg/tracing"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebSocketExchange sends the offer over a short-lived WebSocket and waits
// for a single answer or error message.
type WebSocketExchange struct {
	url     string
	dialer  *websocket.Dialer
	timeout time.Duration
	logger  *zap.SugaredLogger
}

func NewWebSocketExchange(url string, timeout time.Duration, logger *zap.SugaredLogger) *WebSocketExchange {
	return &WebSocketExchange{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		timeout: timeout,
		logger:  logger,
	}
}

func (e *WebSocketExchange) Exchange(ctx context.Context, offer domain.OfferRequest) (webrtc.SessionDescription, error) {
	ctx, span := tracing.TraceSignaling(ctx, "websocket")
	defer span.End()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	conn, _, err := e.dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, fmt.Errorf("dialing %s: %w", e.url, err)
	}
	defer conn.Close()

	// Unblock reads and writes when ctx ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("encoding offer: %w", err)
	}
	if err := conn.WriteJSON(SignalMessage{Type: MessageTypeOffer, Payload: payload}); err != nil {
		return webrtc.SessionDescription{}, e.connError(ctx, "sending offer", err)
	}

	var msg SignalMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return webrtc.SessionDescription{}, e.connError(ctx, "reading answer", err)
	}

	switch msg.Type {
	case MessageTypeAnswer:
		var answer AnswerPayload
		if err := json.Unmarshal(msg.Payload, &answer); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("invalid answer payload: %w", err)
		}
		desc, err := answer.SessionDescription()
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		e.logger.Infow("received answer", "url", e.url, "sdp_length", len(desc.SDP))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return desc, nil

	case MessageTypeError:
		var errPayload ErrorPayload
		if err := json.Unmarshal(msg.Payload, &errPayload); err != nil {
			return webrtc.SessionDescription{}, apperrors.NewBadGatewayError("signaling server returned an unreadable error")
		}
		return webrtc.SessionDescription{}, apperrors.NewBadGatewayError(errPayload.Message).
			WithContext("code", errPayload.Error)

	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unexpected message type: %s", msg.Type)
	}
}

func (e *WebSocketExchange) connError(ctx context.Context, op string, err error) error {
	tracing.RecordError(ctx, err)
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}
