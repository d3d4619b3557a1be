package httpmw

import "github.com/gin-gonic/gin"

// UserIDContextKey is the gin context key holding the authenticated user ID.
const UserIDContextKey = "user_id"

// UserIDHeader selects the acting user when authentication is disabled.
const UserIDHeader = "X-User-ID"

// DefaultUserID is assumed when authentication is disabled and the request
// carries no X-User-ID header.
const DefaultUserID = "default"

// UserID returns the acting user for the request, falling back to
// DefaultUserID when no authentication middleware has run.
func UserID(c *gin.Context) string {
	if id := c.GetString(UserIDContextKey); id != "" {
		return id
	}
	return DefaultUserID
}
