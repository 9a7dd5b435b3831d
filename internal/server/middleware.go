package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tollway/pkg/log/ctxlogger"
	"github.com/smallbiznis/tollway/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// RequestLogger logs each request with correlation identifiers and safe fields.
func RequestLogger(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := c.Request.Context()
		if requestID := incomingRequestID(c); requestID != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, requestID)
		}
		ctx, correlationID := correlation.EnsureCorrelationID(ctx)
		c.Header("X-Request-Id", correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes_out", normalizeSize(c.Writer.Size())),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.String("error", lastErr.Error()))
		}

		log := ctxlogger.WithContext(c.Request.Context(), base)
		switch {
		case strings.EqualFold(route, "/metrics") || strings.EqualFold(route, "/healthz"):
			log.Debug("http_request", fields...)
		case status >= http.StatusInternalServerError:
			log.Error("http_request", fields...)
		default:
			log.Info("http_request", fields...)
		}
	}
}

// Tracing instruments inbound HTTP requests.
func Tracing() gin.HandlerFunc {
	tracer := otel.Tracer("tollway/http")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "HTTP "+c.Request.Method,
			oteltrace.WithSpanKind(oteltrace.SpanKindServer))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		span.SetName("HTTP " + c.Request.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
		)
		if c.Writer.Status() >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, "request error")
		}
		span.End()
	}
}

func incomingRequestID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return strings.TrimSpace(c.GetHeader("X-Request-ID"))
}

func normalizeSize(size int) int {
	if size < 0 {
		return 0
	}
	return size
}
