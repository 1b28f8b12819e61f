package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"genloop/internal/core/domain"
	apperrors "genloop/pkg/errors"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testOffer = domain.OfferRequest{
		SDP:  "v=0\r\no=- offer",
		Type: "offer",
		ICEServers: []domain.RelayServer{
			{URLs: []string{"turn:a.relay.metered.ca:443"}, Username: "u", Credential: "p"},
		},
	}
	testAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- answer"}
)

type fakeAnswerer struct {
	mu     sync.Mutex
	offers []domain.OfferRequest
	answer webrtc.SessionDescription
	err    error
}

func (f *fakeAnswerer) Answer(_ context.Context, offer domain.OfferRequest) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offer)
	return f.answer, f.err
}

func (f *fakeAnswerer) Offers() []domain.OfferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OfferRequest(nil), f.offers...)
}

func nopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestHTTPExchange_Success(t *testing.T) {
	var got domain.OfferRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(NewAnswerPayload(testAnswer))
	}))
	defer srv.Close()

	answer, err := NewHTTPExchange(srv.URL, time.Second, nopLogger()).Exchange(context.Background(), testOffer)
	require.NoError(t, err)
	assert.Equal(t, testAnswer, answer)
	assert.Equal(t, testOffer, got)
}

func TestHTTPExchange_ErrorStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    apperrors.ErrorCode
		message string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"RATE_LIMIT_EXCEEDED","message":"slow down"}`, apperrors.ErrCodeRateLimit, "slow down"},
		{"bad request", http.StatusBadRequest, `{"error":"INVALID_INPUT","message":"sdp must start with v=0"}`, apperrors.ErrCodeInvalidInput, "sdp must start with v=0"},
		{"unavailable", http.StatusServiceUnavailable, `not json`, apperrors.ErrCodeServiceUnavailable, "upstream unavailable"},
		{"server error", http.StatusInternalServerError, ``, apperrors.ErrCodeBadGateway, "unexpected status 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPExchange(srv.URL, time.Second, nopLogger()).Exchange(context.Background(), testOffer)
			appErr := apperrors.GetAppError(err)
			require.NotNil(t, appErr, "got %v", err)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.message, appErr.Message)
			assert.Equal(t, tt.status, appErr.Context["status"])
		})
	}
}

func TestHTTPExchange_InvalidAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sdp":"v=0","type":"offer"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPExchange(srv.URL, time.Second, nopLogger()).Exchange(context.Background(), testOffer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid answer")
}

func TestHTTPExchange_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPExchange(url, time.Second, nopLogger()).Exchange(context.Background(), testOffer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "posting offer")
}

func newWebSocketTestServer(t *testing.T, answerer *fakeAnswerer) string {
	t.Helper()
	server := NewWebSocketServer(answerer, time.Second, nopLogger())
	srv := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketExchange_Success(t *testing.T) {
	answerer := &fakeAnswerer{answer: testAnswer}
	url := newWebSocketTestServer(t, answerer)

	answer, err := NewWebSocketExchange(url, time.Second, nopLogger()).Exchange(context.Background(), testOffer)
	require.NoError(t, err)
	assert.Equal(t, testAnswer, answer)

	offers := answerer.Offers()
	require.Len(t, offers, 1)
	assert.Equal(t, testOffer, offers[0])
}

func TestWebSocketExchange_ServerError(t *testing.T) {
	answerer := &fakeAnswerer{err: apperrors.NewInvalidInputError("sdp must start with v=0")}
	url := newWebSocketTestServer(t, answerer)

	_, err := NewWebSocketExchange(url, time.Second, nopLogger()).Exchange(context.Background(), testOffer)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr, "got %v", err)
	assert.Equal(t, apperrors.ErrCodeBadGateway, appErr.Code)
	assert.Equal(t, "sdp must start with v=0", appErr.Message)
	assert.Equal(t, "INVALID_INPUT", appErr.Context["code"])
}

func TestWebSocketExchange_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := NewWebSocketExchange(url, time.Second, nopLogger()).Exchange(context.Background(), testOffer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dialing")
}

func TestNewExchange(t *testing.T) {
	ex, err := NewExchange("http", "http://localhost:8080/offer", time.Second, nopLogger())
	require.NoError(t, err)
	assert.IsType(t, &HTTPExchange{}, ex)

	ex, err = NewExchange("websocket", "ws://localhost:8080/ws", time.Second, nopLogger())
	require.NoError(t, err)
	assert.IsType(t, &WebSocketExchange{}, ex)

	_, err = NewExchange("carrier-pigeon", "", time.Second, nopLogger())
	assert.Error(t, err)
}

func TestAnswerPayload_SessionDescription(t *testing.T) {
	_, err := AnswerPayload{SDP: "", Type: "answer"}.SessionDescription()
	assert.Error(t, err)

	desc, err := NewAnswerPayload(testAnswer).SessionDescription()
	require.NoError(t, err)
	assert.Equal(t, testAnswer, desc)
}
