package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/faceswap/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// requestLogger tags each request with an ID and logs its outcome.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		started := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		}
		opLogger := logging.WithOperation(logger, "http.request", requestID)
		if c.Writer.Status() >= http.StatusInternalServerError {
			opLogger.Warn("request failed", fields...)
			return
		}
		opLogger.Debug("request served", fields...)
	}
}

// corsMiddleware allows any origin.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:   []string{"Content-Disposition", requestIDHeader},
		MaxAge:          12 * time.Hour,
	})
}
