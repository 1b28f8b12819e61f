package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"genloop/internal/core/domain"
	"genloop/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

func TestPrometheusCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.SetChannelOpen(true)
	c.RecordHeartbeatSent()
	c.RecordHeartbeatSent()
	c.RecordRoundTrip(domain.TimingSample{RoundTripMs: 200, EstimatedDriftMs: 50})
	c.RecordSubmission()
	c.RecordSendRetry()
	c.RecordUnrecognizedMessage()
	c.RecordProtocolViolation("negative_rtt")
	c.RecordTransition(domain.Transition{Component: domain.ComponentDataChannel, From: "new", To: "open"})
	c.RecordGeneration(domain.GenerationTiming{LatencyMs: 350, ServerDurationMs: 300})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.channelOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.heartbeatsSent))
	assert.Equal(t, 200.0, testutil.ToFloat64(c.lastRTT))
	assert.Equal(t, 50.0, testutil.ToFloat64(c.lastDrift))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.submissionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sendRetriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unrecognizedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.generationsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.protocolViolations.WithLabelValues("negative_rtt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("data-channel", "open")))

	c.SetChannelOpen(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.channelOpen))

	n, err := testutil.GatherAndCount(reg, "genloop_heartbeat_rtt_seconds", "genloop_generation_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	// Registering twice on one registry would panic; separate ones must not.
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	ready := atomic.NewBool(false)
	h.AddFlagCheck("data_channel", "data channel not open", ready.Load)
	h.AddCheck("always", func(context.Context) (bool, error) { return true, nil }, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "data channel not open", status.Checks["data_channel"])
	assert.Equal(t, StatusHealthy, status.Checks["always"])
	assert.False(t, h.IsReady(context.Background()))

	ready.Store(true)
	assert.True(t, h.IsReady(context.Background()))
}

func TestHealthChecker_FailureKinds(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("false", func(context.Context) (bool, error) { return false, nil }, 0)
	h.AddCheck("error", func(context.Context) (bool, error) { return false, errors.New("boom") }, 0)
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "check failed", status.Checks["false"])
	assert.Equal(t, "boom", status.Checks["error"])
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestMetricsRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)
	c.RecordSubmission()

	h := NewHealthChecker()
	ready := atomic.NewBool(false)
	h.AddFlagCheck("data_channel", "data channel not open", ready.Load)
	router := NewMetricsRouter(reg, h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "genloop_submissions_total 1"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready.Store(true)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)
}
