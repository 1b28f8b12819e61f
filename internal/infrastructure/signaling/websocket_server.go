package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"genloop/internal/core/domain"
	"genloop/internal/core/ports"
	apperrors "genloop/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// Loopback development backend; any origin may connect.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WebSocketServer answers offers arriving over WebSocket.
type WebSocketServer struct {
	answerer ports.OfferAnswerer

	pingInterval  time.Duration
	readTimeout   time.Duration
	writeTimeout  time.Duration
	answerTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewWebSocketServer(answerer ports.OfferAnswerer, answerTimeout time.Duration, logger *zap.SugaredLogger) *WebSocketServer {
	return &WebSocketServer{
		answerer:      answerer,
		pingInterval:  30 * time.Second,
		readTimeout:   60 * time.Second,
		writeTimeout:  10 * time.Second,
		answerTimeout: answerTimeout,
		logger:        logger,
	}
}

// SetPingInterval sets the keepalive interval for connections.
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	remote := r.RemoteAddr
	s.logger.Infow("signaling client connected", "remote", remote)

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan SignalMessage, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(r.Context(), conn, msg); err != nil {
				s.logger.Infow("error handling signaling message", "remote", remote, "error", err)
				s.sendError(conn, err)
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "remote", remote, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message", "remote", remote, "error", err)
			}
			s.logger.Infow("signaling client disconnected", "remote", remote)
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, conn *websocket.Conn, msg SignalMessage) error {
	switch msg.Type {
	case MessageTypeOffer:
		return s.handleOffer(ctx, conn, msg)
	case "":
		return apperrors.NewInvalidInputError("message type is required")
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *WebSocketServer) handleOffer(ctx context.Context, conn *websocket.Conn, msg SignalMessage) error {
	var offer domain.OfferRequest
	if err := json.Unmarshal(msg.Payload, &offer); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid offer payload: %v", err))
	}

	if s.answerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.answerTimeout)
		defer cancel()
	}

	answer, err := s.answerer.Answer(ctx, offer)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(NewAnswerPayload(answer))
	if err != nil {
		return err
	}

	s.logger.Infow("answering offer", "sdp_length", len(answer.SDP))
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return conn.WriteJSON(SignalMessage{Type: MessageTypeAnswer, Payload: payload})
}

func (s *WebSocketServer) sendError(conn *websocket.Conn, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to answer offer", http.StatusInternalServerError)
	}
	resp := appErr.Response()

	payload, _ := json.Marshal(ErrorPayload{Error: resp.Error, Message: resp.Message})
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := conn.WriteJSON(SignalMessage{Type: MessageTypeError, Payload: payload}); err != nil {
		s.logger.Infow("error sending error message", "error", err)
	}
}
