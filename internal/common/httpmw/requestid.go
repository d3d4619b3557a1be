package httpmw

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/parley/parley/internal/common/logger"
)

// RequestIDHeader is the correlation header echoed on every response.
const RequestIDHeader = "X-Request-ID"

// RequestIDContextKey is the gin context key holding the request ID.
const RequestIDContextKey = "request_id"

// RequestID ensures every request carries a request ID: the caller's
// X-Request-ID value is kept unchanged, otherwise a new UUID is generated.
// The ID is echoed on the response and attached to the request context so
// downstream log lines can carry it.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(RequestIDContextKey, requestID)
		c.Header(RequestIDHeader, requestID)

		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
