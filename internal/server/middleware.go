package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parley/parley/internal/common/apperr"
)

// corsMiddleware opens the HTTP and WebSocket surface to browser clients.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-API-Key, X-User-ID, X-Request-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// respondError writes the error envelope with the status the error carries.
func respondError(c *gin.Context, err error) {
	envelope := apperr.Envelope(err)
	c.JSON(envelope.HTTPStatus, envelope)
}
