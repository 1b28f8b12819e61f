package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"genloop/internal/core/domain"
	apperrors "genloop/pkg/errors"
	"genloop/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// maxResponseBytes bounds the answer body; SDP blobs are a few KB.
const maxResponseBytes = 1 << 20

// HTTPExchange posts the offer as JSON and reads the answer from the
// response body.
type HTTPExchange struct {
	url        string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

func NewHTTPExchange(url string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPExchange {
	return &HTTPExchange{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (e *HTTPExchange) Exchange(ctx context.Context, offer domain.OfferRequest) (webrtc.SessionDescription, error) {
	ctx, span := tracing.TraceSignaling(ctx, "http")
	defer span.End()
	start := time.Now()

	jsonData, err := json.Marshal(offer)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("encoding offer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, fmt.Errorf("posting offer to %s: %w", e.url, err)
	}
	defer resp.Body.Close()

	answer, err := e.parseResponse(resp)
	if err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, err
	}

	tracing.MeasureDuration(ctx, start, "signaling.http")
	e.logger.Infow("received answer",
		"url", e.url,
		"status", resp.StatusCode,
		"sdp_length", len(answer.SDP),
	)
	return answer, nil
}

func (e *HTTPExchange) parseResponse(resp *http.Response) (webrtc.SessionDescription, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("reading answer: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errorResp apperrors.ErrorResponse
		if err := json.Unmarshal(body, &errorResp); err == nil {
			return webrtc.SessionDescription{}, apperrors.FromStatus(resp.StatusCode, &errorResp)
		}
		return webrtc.SessionDescription{}, apperrors.FromStatus(resp.StatusCode, nil)
	}

	var answer AnswerPayload
	if err := json.Unmarshal(body, &answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decoding answer: %w", err)
	}
	return answer.SessionDescription()
}
