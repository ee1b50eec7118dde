package middleware

import (
	"net/http"

	"huddle/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware adds tracing to HTTP requests
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))

		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
