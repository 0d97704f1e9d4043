// Package requestid tags every request with a correlation ID so a single
// scan or payment decision can be followed across the access log and the
// service logs.
package requestid

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerKey  = "X-Request-ID"
	contextKey = "request_id"

	// maxInboundLen bounds caller supplied IDs so a hostile client cannot
	// bloat log lines.
	maxInboundLen = 64
)

// Middleware reuses a caller supplied X-Request-ID when present and mints a
// fresh one otherwise. The ID is echoed on the response so clients can quote
// it when reporting a failed scan or payment.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerKey))
		if id == "" || len(id) > maxInboundLen {
			id = uuid.NewString()
		}

		c.Set(contextKey, id)
		c.Writer.Header().Set(headerKey, id)

		c.Next()
	}
}

// Value reads the request ID back out of the Gin context.
func Value(c *gin.Context) string {
	if v, exists := c.Get(contextKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
