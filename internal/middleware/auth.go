package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/imagetag/internal/pkg/response"
)

const contextKeyAuthenticated = "authenticated"

// Auth requires the static API token on every request. An empty token
// disables the check and marks every caller as authenticated.
func Auth(token func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := token()
		if want == "" {
			c.Set(contextKeyAuthenticated, true)
			c.Next()
			return
		}
		got := extractToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			response.Unauthorized(c)
			return
		}
		c.Set(contextKeyAuthenticated, true)
		c.Next()
	}
}

// IsAuthenticated reports whether Auth accepted the request.
func IsAuthenticated(c *gin.Context) bool {
	return c.GetBool(contextKeyAuthenticated)
}

func extractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return NormalizeToken(auth)
	}
	// EventSource cannot set headers.
	return NormalizeToken(c.Query("token"))
}

// NormalizeToken trims spaces and strips optional Bearer prefix.
func NormalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if token == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}
