package middleware

import (
	"time"

	"genloop/pkg/logger"
	"genloop/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// TracingMiddleware continues the caller's trace when the request carries
// one, wraps the handler in a span named after the route and logs the
// request when it completes.
func TracingMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(ctx, c.Request.Method, route)
		defer span.End()

		ctx = logger.WithTraceID(ctx, span.SpanContext().TraceID().String())
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		span.SetAttributes(
			attribute.String("client.address", c.ClientIP()),
			attribute.Int("http.status_code", status),
			attribute.Int64("http.duration_ms", elapsed.Milliseconds()),
		)
		for _, e := range c.Errors {
			tracing.RecordError(ctx, e.Err)
		}

		log.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, status, elapsed.Milliseconds())
	}
}
