package middleware

import (
	"bytes"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/modelbridge/modelbridge/internal/logging"
)

// RequestLogging captures request and response payloads through the given
// logger. When capture is disabled the middleware is pass-through.
func RequestLogging(logger logging.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !logger.IsEnabled() {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			bodyBytes, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.Next()
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			body = bodyBytes
		}

		wrapper := newCaptureWriter(c, logger, body)
		c.Writer = wrapper

		c.Next()

		wrapper.finalize(c)
	}
}
