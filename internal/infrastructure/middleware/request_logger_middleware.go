package middleware

import (
	"context"
	"time"

	"huddle/pkg/logger"
	"huddle/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLoggerMiddleware stamps every request with an id, exposes it in the
// response headers and logs the request with its context fields.
func RequestLoggerMiddleware(zapLogger *zap.Logger) gin.HandlerFunc {
	contextLogger := logger.NewContextLogger(zapLogger)

	return func(c *gin.Context) {
		requestID := utils.GenerateRequestID()
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		contextLogger.LogRequest(ctx, c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
