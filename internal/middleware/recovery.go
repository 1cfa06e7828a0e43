package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/response"
)

// Recovery turns handler panics into 500 responses. A panic in one
// request must not take down the connection hub serving everyone else.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("panic", err),
					zap.String("path", c.Request.URL.Path))
				response.InternalError(c, "Internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
