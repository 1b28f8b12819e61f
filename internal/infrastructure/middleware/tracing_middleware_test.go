package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"genloop/pkg/errors"
	"genloop/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	exporter := tracetest.NewInMemoryExporter()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	core, logs := observer.New(zapcore.InfoLevel)

	router := gin.New()
	router.Use(TracingMiddleware(logger.NewContextLogger(zap.New(core))))
	router.POST("/offer", func(c *gin.Context) {
		c.Error(errors.NewInvalidInputError("bad offer"))
		c.Status(http.StatusBadRequest)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/offer", nil)
	router.ServeHTTP(w, req)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /offer", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusBadRequest), fields["status_code"])
	assert.Equal(t, spans[0].SpanContext.TraceID().String(), fields["trace_id"])
}
