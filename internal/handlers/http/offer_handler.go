package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"genloop/internal/core/domain"
	"genloop/internal/core/ports"
	"genloop/internal/infrastructure/signaling"
	apperrors "genloop/pkg/errors"

	"github.com/gin-gonic/gin"
)

// PeerCounter reports how many backend peers are alive.
type PeerCounter interface {
	ActivePeers() int
}

type OfferHandler struct {
	answerer      ports.OfferAnswerer
	peers         PeerCounter
	wsServer      *signaling.WebSocketServer
	answerTimeout time.Duration
	startTime     time.Time
}

func NewOfferHandler(
	answerer ports.OfferAnswerer,
	peers PeerCounter,
	wsServer *signaling.WebSocketServer,
	answerTimeout time.Duration,
) *OfferHandler {
	return &OfferHandler{
		answerer:      answerer,
		peers:         peers,
		wsServer:      wsServer,
		answerTimeout: answerTimeout,
		startTime:     time.Now(),
	}
}

func (h *OfferHandler) SetupRoutes(router gin.IRoutes) {
	router.POST("/offer", h.HandleOffer)
	router.GET("/health", h.Health)
	if h.wsServer != nil {
		router.GET("/ws", gin.WrapF(h.wsServer.HandleWebSocket))
	}
}

// HandleOffer answers {sdp, type, ice_servers} with {sdp, type}.
func (h *OfferHandler) HandleOffer(c *gin.Context) {
	var req struct {
		SDP        string               `json:"sdp" binding:"required"`
		Type       string               `json:"type" binding:"required,oneof=offer"`
		ICEServers []domain.RelayServer `json:"ice_servers"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	ctx := c.Request.Context()
	if h.answerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.answerTimeout)
		defer cancel()
	}

	answer, err := h.answerer.Answer(ctx, domain.OfferRequest{
		SDP:        req.SDP,
		Type:       req.Type,
		ICEServers: req.ICEServers,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperrors.NewTimeoutError("timed out gathering candidates")
		}
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, signaling.NewAnswerPayload(answer))
}

func (h *OfferHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"timestamp":    time.Now(),
		"uptime":       time.Since(h.startTime).String(),
		"active_peers": h.peers.ActivePeers(),
	})
}
