package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds standard hardening headers to every response.
// Camera and microphone stay allowed in the Permissions-Policy since
// consultation clients capture both once a call connects.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Frame-Options", "DENY")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Writer.Header().Set("X-XSS-Protection", "1; mode=block")
		c.Writer.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Writer.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Writer.Header().Set("Content-Security-Policy", "default-src 'self'")
		c.Writer.Header().Set("Permissions-Policy", "geolocation=(), microphone=(self), camera=(self)")

		c.Next()
	}
}
