package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/common/logger"
)

// RequestLogger logs HTTP request details after the handler completes.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.Int("bytes", size),
		}
		if requestID := c.GetString(RequestIDContextKey); requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}

		if status >= 500 {
			log.Error("http", fields...)
		} else {
			log.Debug("http", fields...)
		}
	}
}
