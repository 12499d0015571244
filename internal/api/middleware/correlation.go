// Package middleware provides the gateway's HTTP middleware: correlation id
// assignment and optional request/response capture.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextKeyCorrelationID is the gin context key holding the correlation id.
const ContextKeyCorrelationID = "correlation_id"

// CorrelationID assigns every request a correlation id, honoring one supplied
// by the caller, and echoes it on the response.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Correlation-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ContextKeyCorrelationID, id)
		c.Writer.Header().Set("X-Correlation-Id", id)
		c.Next()
	}
}
